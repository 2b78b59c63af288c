// Package library builds, renders and versions Library Artifacts: one
// deterministic markdown document per (agent, base, run) key, rebuilt from run
// records and resolved skill context.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SourceEvent names the lifecycle event that triggered a rebuild.
type SourceEvent string

const (
	EventRunQueued     SourceEvent = "run.queued"
	EventRunDone       SourceEvent = "run.done"
	EventRunFailed     SourceEvent = "run.failed"
	EventManualRebuild SourceEvent = "manual.rebuild"
	EventUIRebuild     SourceEvent = "ui.rebuild"
)

// ParseSourceEvent validates a trigger name. Empty input means manual.rebuild.
func ParseSourceEvent(s string) (SourceEvent, error) {
	switch e := SourceEvent(s); e {
	case "":
		return EventManualRebuild, nil
	case EventRunQueued, EventRunDone, EventRunFailed, EventManualRebuild, EventUIRebuild:
		return e, nil
	}
	return "", fmt.Errorf("%w: unknown source_event %q", ErrInvalidRequest, s)
}

// Key identifies a versioned artifact. Empty BaseID or RunID selects the
// broader artifact covering every base or run of the agent.
type Key struct {
	AgentID string `json:"agent_id"`
	BaseID  string `json:"base_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

func (k Key) String() string {
	return k.AgentID + "|" + k.BaseID + "|" + k.RunID
}

// Validate requires an agent.
func (k Key) Validate() error {
	if k.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	return nil
}

// Run is a run record owned by the run pipeline. Context is an opaque JSON payload.
type Run struct {
	ID          string          `json:"run_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Task        string          `json:"task,omitempty"`
	Status      string          `json:"status,omitempty"`
	AgentID     string          `json:"agent_id"`
	BaseID      string          `json:"base_id,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// Step is one step of a run. Input is an opaque JSON payload.
type Step struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	StepIndex int             `json:"step_index"`
	Status    string          `json:"status,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// RunFilter selects the runs of an artifact key.
type RunFilter struct {
	AgentID string
	BaseID  string
	RunID   string
}

// Artifact is one stored version of a Library Artifact.
type Artifact struct {
	ID            int64       `json:"id"`
	AgentID       string      `json:"agent_id"`
	BaseID        string      `json:"base_id,omitempty"`
	RunID         string      `json:"run_id,omitempty"`
	SourceEvent   SourceEvent `json:"source_event"`
	HierarchyJSON string      `json:"hierarchy_json"`
	DocumentMD    string      `json:"document_md"`
	ContentHash   string      `json:"content_hash"`
	Version       int         `json:"version"`
	Summary       string      `json:"summary"`
	CreatedAtMs   int64       `json:"created_at_ms"`
}

// Key returns the versioning key of the artifact.
func (a *Artifact) Key() Key {
	return Key{AgentID: a.AgentID, BaseID: a.BaseID, RunID: a.RunID}
}

var (
	ErrVersionConflict  = errors.New("artifact version conflict")
	ErrBuildFailed      = errors.New("library build failed")
	ErrStorage          = errors.New("library storage error")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrInvalidRequest   = errors.New("invalid library request")
)

// Cursor is a keyset position in (created_at_ms DESC, id DESC) order.
type Cursor struct {
	CreatedAtMs int64 `json:"before_created_at_ms"`
	ID          int64 `json:"before_id"`
}

// ArtifactQuery filters artifact listings. Empty string fields match any
// value. When Before is set only rows strictly older than it are returned.
type ArtifactQuery struct {
	AgentID string
	BaseID  string
	RunID   string
	Before  *Cursor
	Limit   int
}

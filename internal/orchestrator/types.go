package orchestrator

import "github.com/nidhogg/nuka-library/internal/library"

// Trigger asks for the artifact of a key to be rebuilt. Run pipeline
// collaborators publish triggers; the Dispatcher consumes them.
type Trigger struct {
	StreamID    string `json:"-"`
	AgentID     string `json:"agent_id"`
	BaseID      string `json:"base_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	SourceEvent string `json:"source_event"`
	AtMs        int64  `json:"at_ms"`
}

// Request converts the trigger into a rebuild request.
func (t Trigger) Request() library.RebuildRequest {
	return library.RebuildRequest{
		Key:         library.Key{AgentID: t.AgentID, BaseID: t.BaseID, RunID: t.RunID},
		SourceEvent: t.SourceEvent,
	}
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Rebuilt   int64 `json:"rebuilt"`
	Unchanged int64 `json:"unchanged"`
	Failed    int64 `json:"failed"`
}

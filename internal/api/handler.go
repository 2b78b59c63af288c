package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/memory"
	"github.com/nidhogg/nuka-library/internal/orchestrator"
	"github.com/nidhogg/nuka-library/internal/skill"
	"go.uber.org/zap"
)

// Options carries request defaults taken from configuration.
type Options struct {
	PacksDir        string
	PreviewMaxDepth int
	PreviewMaxNodes int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	importer   *skill.Importer
	skills     *skill.Manager
	library    *library.Service
	inspector  *memory.Inspector
	dispatcher *orchestrator.Dispatcher
	opts       Options
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	importer *skill.Importer,
	skills *skill.Manager,
	lib *library.Service,
	inspector *memory.Inspector,
	opts Options,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		importer:  importer,
		skills:    skills,
		library:   lib,
		inspector: inspector,
		opts:      opts,
		logger:    logger,
	}
}

// SetDispatcher exposes dispatcher counters on the health endpoint.
func (h *Handler) SetDispatcher(d *orchestrator.Dispatcher) {
	h.dispatcher = d
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/library/rebuild", h.rebuild)
		r.Get("/library/artifact", h.getArtifact)

		r.Get("/memory", h.listMemory)
		r.Get("/memory/{id}", h.getMemory)

		r.Post("/skills/graphs/import", h.importGraph)
		r.Get("/skills/graphs", h.listGraphs)
		r.Get("/skills/graphs/{id}", h.getGraph)
		r.Get("/skills/graphs/{id}/explore", h.exploreGraph)
		r.Post("/skills/assignments", h.assign)
		r.Delete("/skills/assignments", h.unassign)
		r.Get("/skills/assignments", h.listAssignments)
		r.Get("/skills/preview", h.preview)

		r.Post("/runs", h.recordRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "service": "nuka-library"}
	if h.dispatcher != nil {
		body["dispatcher"] = h.dispatcher.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	var req library.RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.library.Rebuild(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := library.Key{AgentID: q.Get("agent_id"), BaseID: q.Get("base_id"), RunID: q.Get("run_id")}
	latest, err := h.library.Latest(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !q.Has("limit") {
		writeJSON(w, http.StatusOK, latest)
		return
	}
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	history, err := h.library.History(r.Context(), key, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact": latest,
		"history":  history,
	})
}

func (h *Handler) listMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := memory.ListRequest{
		AgentID: q.Get("agent_id"),
		BaseID:  q.Get("base_id"),
		RunID:   q.Get("run_id"),
	}
	var err error
	if req.Limit, err = intParam(q, "limit", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.BeforeCreatedAtMs, err = int64Param(q, "before_created_at_ms"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.BeforeID, err = int64Param(q, "before_id"); err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.inspector.List(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	detail, err := h.inspector.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) importGraph(w http.ResponseWriter, r *http.Request) {
	var req skill.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SourceRoot != "" && !filepath.IsAbs(req.SourceRoot) && h.opts.PacksDir != "" {
		req.SourceRoot = filepath.Join(h.opts.PacksDir, req.SourceRoot)
	}
	sum, err := h.importer.Import(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (h *Handler) listGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.importer.Graphs(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (h *Handler) getGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.importer.Graph(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) exploreGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	depth, err := intParam(q, "max_depth", h.opts.PreviewMaxDepth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.importer.Explore(r.Context(), chi.URLParam(r, "id"), q.Get("node_id"), depth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var key skill.AssignmentKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a, created, err := h.skills.Assign(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"assignment": a, "created": created})
}

func (h *Handler) unassign(w http.ResponseWriter, r *http.Request) {
	var key skill.AssignmentKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	removed, err := h.skills.Unassign(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := skill.AssignmentFilter{Kind: skill.Kind(q.Get("scope_kind")), Ref: q.Get("scope_ref")}
	out, err := h.skills.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []skill.Assignment{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := library.PreviewRequest{
		RunID:  q.Get("run_id"),
		StepID: q.Get("step_id"),
		Query:  q.Get("query"),
	}
	var err error
	if req.MaxDepth, err = intParam(q, "max_depth", h.opts.PreviewMaxDepth); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.MaxNodes, err = intParam(q, "max_nodes", h.opts.PreviewMaxNodes); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.library.Preview(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type recordRunRequest struct {
	Run   library.Run    `json:"run"`
	Steps []library.Step `json:"steps"`
}

func (h *Handler) recordRun(w http.ResponseWriter, r *http.Request) {
	var req recordRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.library.RecordRun(r.Context(), req.Run, req.Steps); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"run_id": req.Run.ID,
		"steps":  len(req.Steps),
	})
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var importErr *skill.ImportError
	if errors.As(err, &importErr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":              "skill pack import failed",
			"missing_or_invalid": importErr.MissingOrInvalid,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, library.ErrInvalidRequest),
		errors.Is(err, skill.ErrInvalidScopeRef),
		errors.Is(err, skill.ErrInvalidScopeKind),
		errors.Is(err, skill.ErrInvalidDepth):
		status = http.StatusBadRequest
	case errors.Is(err, library.ErrArtifactNotFound),
		errors.Is(err, library.ErrRunNotFound),
		errors.Is(err, library.ErrStepNotFound),
		errors.Is(err, skill.ErrGraphNotFound),
		errors.Is(err, skill.ErrNodeNotFound),
		errors.Is(err, skill.ErrAssignmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, library.ErrBuildFailed),
		errors.Is(err, library.ErrVersionConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intParam(q url.Values, name string, def int) (int, error) {
	if !q.Has(name) {
		return def, nil
	}
	n, err := strconv.Atoi(q.Get(name))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", library.ErrInvalidRequest, name)
	}
	return n, nil
}

func int64Param(q url.Values, name string) (*int64, error) {
	if !q.Has(name) {
		return nil, nil
	}
	n, err := strconv.ParseInt(q.Get(name), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", library.ErrInvalidRequest, name)
	}
	return &n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

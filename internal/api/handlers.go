package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/forge/internal/buildfile"
	"github.com/flexinfer/forge/internal/buildstore"
	"github.com/flexinfer/forge/internal/config"
	"github.com/flexinfer/forge/internal/engine"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/validator"
	"github.com/flexinfer/forge/pkg/types"
)

// maxBodySize caps request bodies, build files included.
const maxBodySize = 1 << 20

// GraphLoader returns the current task graph. It is called per request so
// edits to the build file are picked up without a restart.
type GraphLoader func() (*graph.Graph, error)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine    *engine.Engine
	builds    buildstore.BuildStore
	graphs    GraphLoader
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(eng *engine.Engine, graphs GraphLoader, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	return &Handlers{
		engine:    eng,
		builds:    eng.Builds(),
		graphs:    graphs,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the build store and the build
// file.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.builds.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "build store unhealthy", err)
		return
	}
	g, err := h.graphs()
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "build file unusable", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"buildstore": info,
		"tasks":      g.Len(),
	})
}

// --- Builds ---

// CreateBuildRequest is the request body for starting a build.
type CreateBuildRequest struct {
	Targets     []string          `json:"targets,omitempty"`
	FailFast    *bool             `json:"fail_fast,omitempty"`
	Parallelism int               `json:"parallelism,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// CreateBuildResponse is the response body after starting a build.
type CreateBuildResponse struct {
	BuildID string   `json:"build_id"`
	Status  string   `json:"status"`
	Tasks   []string `json:"tasks"`
	SSEURL  string   `json:"sse_url"`
}

// CreateBuild handles POST /api/v1/builds
func (h *Handlers) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req CreateBuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.Parallelism < 0 {
		h.respondError(w, r, http.StatusBadRequest, "parallelism must not be negative", nil)
		return
	}

	g, err := h.graphs()
	if err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, "failed to load build file", err)
		return
	}

	opts := engine.Options{
		Targets:     normalizeTargets(req.Targets),
		FailFast:    h.config.FailFast,
		Parallelism: req.Parallelism,
		Env:         req.Env,
	}
	if req.FailFast != nil {
		opts.FailFast = *req.FailFast
	}

	// The build outlives the request.
	handle, err := h.engine.Start(context.WithoutCancel(r.Context()), g, opts)
	if err != nil {
		h.respondErr(w, r, "failed to start build", err)
		return
	}

	build, err := h.builds.GetBuild(r.Context(), handle.BuildID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get build", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateBuildResponse{
		BuildID: handle.BuildID,
		Status:  string(types.BuildStatusRunning),
		Tasks:   build.Tasks,
		SSEURL:  apiPrefix + "/builds/" + handle.BuildID + "/events",
	})
}

// ListBuilds handles GET /api/v1/builds
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := h.builds.ListBuilds(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list builds", err)
		return
	}
	if builds == nil {
		builds = []*types.Build{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"builds": builds})
}

// GetBuild handles GET /api/v1/builds/{id}
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := h.lookupBuild(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, build)
}

// CancelBuild handles DELETE /api/v1/builds/{id}
func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := h.lookupBuild(w, r)
	if !ok {
		return
	}

	// A finished build may still be draining inside the engine.
	err := engine.ErrBuildNotActive
	if !build.Status.IsFinished() {
		err = h.engine.Cancel(build.ID)
	}
	if err != nil {
		h.respondErr(w, r, "failed to cancel build", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"build_id": build.ID,
		"status":   "cancelling",
	})
}

// BuildTasks handles GET /api/v1/builds/{id}/tasks. Tasks without a result
// yet are reported as pending.
func (h *Handlers) BuildTasks(w http.ResponseWriter, r *http.Request) {
	build, ok := h.lookupBuild(w, r)
	if !ok {
		return
	}

	results := make(map[string]types.ExecutionResult, len(build.Results))
	for _, res := range build.Results {
		results[res.Task] = res
	}
	tasks := make([]types.ExecutionResult, 0, len(build.Tasks))
	for _, id := range build.Tasks {
		res, ok := results[id]
		if !ok {
			res = types.ExecutionResult{Task: id, State: types.TaskStatePending}
		}
		tasks = append(tasks, res)
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"build_id": build.ID,
		"status":   build.Status,
		"tasks":    tasks,
	})
}

// --- Tasks ---

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	g, err := h.graphs()
	if err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, "failed to load build file", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": g.Elements(nil)})
}

// ValidateResponse is the result of POST /api/v1/validate.
type ValidateResponse struct {
	*validator.ValidationResult
	Tasks []string `json:"tasks,omitempty"`
}

// Validate handles POST /api/v1/validate?format=toml|yaml|json. The body is
// checked against the schema and then built into a graph, so cycles and
// unknown dependencies are reported too.
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	if h.validator == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "validator not configured", nil)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = buildfile.FormatJSON
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}
	raw, err := buildfile.Normalize(body, format)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to decode build file", err)
		return
	}

	result := h.validator.ValidateBuildFileJSON(raw)
	resp := ValidateResponse{ValidationResult: result}
	if result.Valid {
		f, err := buildfile.Parse(raw, buildfile.FormatJSON)
		if err == nil {
			_, err = f.Graph()
		}
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, validator.ValidationError{Path: "/tasks", Message: err.Error()})
		} else {
			resp.Tasks = f.IDs()
		}
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// --- Helper Methods ---

func (h *Handlers) lookupBuild(w http.ResponseWriter, r *http.Request) (*types.Build, bool) {
	buildID := mux.Vars(r)["id"]
	build, err := h.builds.GetBuild(r.Context(), buildID)
	if err != nil {
		h.respondErr(w, r, "failed to get build", err)
		return nil, false
	}
	return build, true
}

func normalizeTargets(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = buildfile.NormalizeID(t)
	}
	return out
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// respondErr answers with the status and code the error classifies as.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	h.writeError(w, r, status, code, message, err)
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	h.writeError(w, r, status, codeForStatus(status), message, err)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err), slog.Int("status", status), slog.String("path", r.URL.Path))
	} else {
		h.logger.Debug(message, slog.Any("error", err), slog.Int("status", status), slog.String("path", r.URL.Path))
	}
	writeErrorResponse(w, r, status, code, message, details)
}

// Package api provides the HTTP API of the pipeline runner: assembling
// definitions, starting runs and recording approval decisions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/assembler"
	"cdpipeline/internal/config"
	"cdpipeline/internal/gate"
	"cdpipeline/internal/health"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// RunService is the part of run.Service the handlers need.
type RunService interface {
	Start(ctx context.Context, def *pipeline.Definition) (*run.Snapshot, error)
	Get(ctx context.Context, id string) (*run.Snapshot, error)
	List(ctx context.Context) ([]run.Snapshot, error)
	Cancel(ctx context.Context, id string) error
	Decide(ctx context.Context, runID string, gateID pipeline.ActionID, d gate.Decision, by, comment string) (*gate.Record, error)
	Decisions(ctx context.Context, runID string) ([]gate.Record, error)
}

// Handler contains HTTP handlers for the pipeline API
type Handler struct {
	runs      RunService
	assembler *assembler.Assembler
	props     assembler.Props
	health    *health.Checker
}

// NewHandler creates a new API handler. props is the configured pipeline
// started by an empty POST /v1/runs.
func NewHandler(runs RunService, asm *assembler.Assembler, props assembler.Props, healthChecker *health.Checker) *Handler {
	return &Handler{
		runs:      runs,
		assembler: asm,
		props:     props,
		health:    healthChecker,
	}
}

// StartRunRequest optionally carries the definition to run.
type StartRunRequest struct {
	Definition json.RawMessage `json:"definition,omitempty"`
}

// DecisionRequest is the body of a gate decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	By       string `json:"by"`
	Comment  string `json:"comment,omitempty"`
}

// RunResponse is a run snapshot plus the actions that may start next.
type RunResponse struct {
	run.Snapshot
	Eligible []pipeline.ActionID `json:"eligible"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Status     run.Status `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func newRunResponse(s *run.Snapshot) RunResponse {
	eligible := s.Eligible()
	if eligible == nil {
		eligible = []pipeline.ActionID{}
	}
	return RunResponse{Snapshot: *s, Eligible: eligible}
}

// AssembleDefinition handles POST /v1/definitions. The body is a
// configuration document (JSON or YAML); the response is the assembled
// pipeline and, when a code location resolves, the standalone deployment.
func (h *Handler) AssembleDefinition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	cfg, err := config.Parse(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid configuration: "+err.Error())
		return
	}

	props := assembler.PropsFromConfig(cfg)
	// The fallback path runs a revision lookup against the server's own
	// filesystem; a request body must not be able to point it anywhere.
	if props.Deployment.FallbackCodePath != "" {
		h.handleError(w, r, apperrors.Validation("deployment.fallback_code_path",
			"revision lookup of a server path is not available over the API; send code_path and revision instead"))
		return
	}

	result, err := h.assembler.Assemble(r.Context(), props)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// StartRun handles POST /v1/runs. Without a body the configured pipeline is
// assembled and started.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var (
		def *pipeline.Definition
		err error
	)
	if len(req.Definition) > 0 {
		def, err = pipeline.Decode(req.Definition)
	} else {
		def, err = h.assembler.Pipeline(r.Context(), h.props)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	snap, err := h.runs.Start(r.Context(), def)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, newRunResponse(snap))
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, s := range runs {
		out = append(out, RunSummary{
			ID:         s.ID,
			Pipeline:   s.Pipeline,
			Status:     s.Status,
			CreatedAt:  s.CreatedAt,
			FinishedAt: s.FinishedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	snap, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newRunResponse(snap))
}

// ListDecisions handles GET /v1/runs/{runId}/decisions. It is the approval
// audit trail and survives restarts when run history is durable.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.runs.Decisions(r.Context(), r.PathValue("runId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []gate.Record{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// CancelRun handles DELETE /v1/runs/{runId}
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DecideGate handles POST /v1/runs/{runId}/gates/{stage}/{action}
func (h *Handler) DecideGate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	stage, action := r.PathValue("stage"), r.PathValue("action")
	if runID == "" || stage == "" || action == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID, stage and action are required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	decision, err := gate.ParseDecision(req.Decision)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	rec, err := h.runs.Decide(r.Context(), runID, pipeline.NewActionID(stage, action), decision, req.By, req.Comment)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a required dependency (Docker, run store) is unavailable.
// A degraded service still receives traffic.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// ErrorResponse is the body of every error reply. Configuration errors name
// the offending stage, action, artifact or field.
type ErrorResponse struct {
	Error    string `json:"error"`
	Stage    string `json:"stage,omitempty"`
	Action   string `json:"action,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Field    string `json:"field,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := ErrorResponse{Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Stage = appErr.Stage
		resp.Action = appErr.Action
		resp.Artifact = appErr.Artifact
		resp.Field = appErr.Field
	}
	h.writeJSON(w, status, resp)
}

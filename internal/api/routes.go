package api

import (
	"net/http"

	"cdpipeline/internal/assembler"
	"cdpipeline/internal/health"
	"cdpipeline/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Runs          RunService
	Assembler     *assembler.Assembler
	Props         assembler.Props
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Runs, cfg.Assembler, cfg.Props, cfg.HealthChecker)
	auth := AuthMiddleware(cfg.APIKey)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	mux.Handle("POST /v1/definitions", auth(http.HandlerFunc(handler.AssembleDefinition)))
	mux.Handle("POST /v1/runs", auth(http.HandlerFunc(handler.StartRun)))
	mux.Handle("GET /v1/runs", auth(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", auth(http.HandlerFunc(handler.GetRun)))
	mux.Handle("GET /v1/runs/{runId}/decisions", auth(http.HandlerFunc(handler.ListDecisions)))
	mux.Handle("DELETE /v1/runs/{runId}", auth(http.HandlerFunc(handler.CancelRun)))
	mux.Handle("POST /v1/runs/{runId}/gates/{stage}/{action}", auth(http.HandlerFunc(handler.DecideGate)))

	mws := []Middleware{RecoveryMiddleware(), RequestIDMiddleware(), LoggingMiddleware()}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware(), ContentTypeMiddleware())
	return Chain(mux, mws...)
}

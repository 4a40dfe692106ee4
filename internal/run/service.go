package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/gate"
	"cdpipeline/internal/pipeline"
)

// Config wires a Service to its collaborators. Sources and Builds are
// required; a nil Store keeps runs in memory and a nil Notifier discards
// events.
type Config struct {
	Sources  SourceProvider
	Builds   BuildExecutor
	Params   ParameterStore
	Notifier Notifier
	Store    Store
	Metrics  MetricsRecorder
	WorkDir  string // root of per-run artifact directories (default os.TempDir())
}

// Service starts runs in the background and routes gate decisions to them.
type Service struct {
	engine *engine
	store  Store

	mu   sync.RWMutex
	runs map[string]*Run

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewService creates a run service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Sources == nil {
		return nil, fmt.Errorf("source provider is required")
	}
	if cfg.Builds == nil {
		return nil, fmt.Errorf("build executor is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		engine: &engine{
			sources:  cfg.Sources,
			builds:   cfg.Builds,
			params:   cfg.Params,
			notifier: cfg.Notifier,
			store:    cfg.Store,
			metrics:  cfg.Metrics,
			workDir:  cfg.WorkDir,
			logger:   slog.With("component", "run"),
			now:      time.Now,
		},
		store:   cfg.Store,
		runs:    make(map[string]*Run),
		baseCtx: baseCtx,
		stop:    stop,
	}, nil
}

// Start creates a run of def and executes it in the background. The returned
// snapshot is the initial state.
func (s *Service) Start(ctx context.Context, def *pipeline.Definition) (*Snapshot, error) {
	if def == nil || len(def.Stages) == 0 {
		return nil, apperrors.Validation("definition", "definition has no stages")
	}

	r := newRun(uuid.NewString(), def, s.engine.now())

	// Registering under the lock orders Start against Close: either the run is
	// tracked and Close waits for it, or nothing is created at all.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.Conflict("run", "service is shutting down")
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	r.cancel = cancel
	s.runs[r.id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	abort := func() {
		s.mu.Lock()
		delete(s.runs, r.id)
		s.mu.Unlock()
		cancel()
		s.engine.removeWorkDir(r)
		s.wg.Done()
	}
	if err := s.engine.prepareWorkDir(r); err != nil {
		abort()
		return nil, err
	}
	if err := s.store.Save(ctx, r.Snapshot()); err != nil {
		abort()
		return nil, apperrors.Internal("save run", err)
	}

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.engine.execute(runCtx, r)
		s.mu.Lock()
		delete(s.runs, r.id)
		s.mu.Unlock()
	}()

	snap := r.Snapshot()
	return &snap, nil
}

// Get returns a run, live or persisted.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	if r, ok := s.live(id); ok {
		snap := r.Snapshot()
		return &snap, nil
	}
	return s.store.Get(ctx, id)
}

// List returns every persisted run, newest first.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	return s.store.List(ctx)
}

// Wait blocks until the run finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (*Snapshot, error) {
	r, ok := s.live(id)
	if !ok {
		return s.store.Get(ctx, id)
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snap := r.Snapshot()
	return &snap, nil
}

// Decide applies an approval decision to the gate action gateID of a run.
// The gate must be awaiting approval; a second decision is a conflict.
func (s *Service) Decide(ctx context.Context, runID string, gateID pipeline.ActionID, d gate.Decision, by, comment string) (*gate.Record, error) {
	if _, err := gate.ParseDecision(string(d)); err != nil {
		return nil, err
	}

	r, ok := s.live(runID)
	if !ok {
		if _, err := s.store.Get(ctx, runID); err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("run", fmt.Sprintf("run %s is no longer active", runID))
	}

	a := r.def.Action(gateID)
	if a == nil || !a.IsGate() {
		return nil, apperrors.NotFound("gate", string(gateID))
	}
	g, opened := r.gate(gateID)
	if !opened {
		return nil, apperrors.Conflict("gate", fmt.Sprintf("gate %s is not awaiting approval (state %s)", gateID, r.state(gateID)))
	}

	rec, err := g.Decide(d, by, comment)
	if err != nil {
		return nil, err
	}
	if s.engine.metrics != nil {
		s.engine.metrics.RecordGateDecision(ctx, string(d))
	}
	if err := s.store.RecordDecision(ctx, runID, rec); err != nil {
		s.engine.logger.ErrorContext(ctx, "Failed to record decision", "runId", runID, "gate", gateID, "error", err)
	}
	return &rec, nil
}

// Decisions returns the approval decisions recorded for a run in the order
// they were taken.
func (s *Service) Decisions(ctx context.Context, runID string) ([]gate.Record, error) {
	if _, ok := s.live(runID); !ok {
		if _, err := s.store.Get(ctx, runID); err != nil {
			return nil, err
		}
	}
	recs, err := s.store.Decisions(ctx, runID)
	if err != nil {
		return nil, apperrors.Internal("load decisions", err)
	}
	return recs, nil
}

// Recover closes out persisted runs that were still running when a previous
// process stopped. They cannot be resumed: their work directories and open
// gates died with that process. Each becomes cancelled with its unfinished
// actions skipped. It returns the number of runs closed out.
func (s *Service) Recover(ctx context.Context) (int, error) {
	snaps, err := s.store.List(ctx)
	if err != nil {
		return 0, apperrors.Internal("list runs", err)
	}
	now := s.engine.now()
	n := 0
	for _, snap := range snaps {
		if snap.Status.IsTerminal() {
			continue
		}
		if _, ok := s.live(snap.ID); ok {
			continue
		}
		snap.interrupt(now)
		if err := s.store.Save(ctx, snap); err != nil {
			return n, apperrors.Internal("save run", err)
		}
		s.engine.logger.WarnContext(ctx, "Closed out interrupted run", "runId", snap.ID, "pipeline", snap.Pipeline)
		n++
	}
	return n, nil
}

// Cancel stops a live run. Its status becomes cancelled.
func (s *Service) Cancel(_ context.Context, id string) error {
	r, ok := s.live(id)
	if !ok {
		return apperrors.NotFound("run", id)
	}
	r.cancel()
	return nil
}

func (s *Service) live(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// Close cancels all live runs and waits for them to record their final
// state. The context deadline bounds the wait.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return errors.Join(err, s.store.Close())
}

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/gate"
	"cdpipeline/internal/pipeline"
)

// ImportPathPrefix is the parameter path under which cross-stack exports
// referenced by import bindings are looked up.
const ImportPathPrefix = "/imports/"

// errRejected stops the stage loop when a gate is rejected. It never leaves
// the engine: rejection is reported as StatusRejected.
var errRejected = errors.New("approval rejected")

// MetricsRecorder is an optional interface for recording run metrics.
type MetricsRecorder interface {
	RecordRunStarted(ctx context.Context, pipeline string)
	RecordRunFinished(ctx context.Context, pipeline, status string, durationSeconds float64)
	RecordActionCompleted(ctx context.Context, kind string, success bool, durationSeconds float64)
	RecordGateOpened(ctx context.Context)
	RecordGateDecision(ctx context.Context, decision string)
}

type engine struct {
	sources  SourceProvider
	builds   BuildExecutor
	params   ParameterStore
	notifier Notifier
	store    Store
	metrics  MetricsRecorder
	workDir  string
	logger   *slog.Logger
	now      func() time.Time
}

func (e *engine) execute(ctx context.Context, r *Run) {
	defer r.close()
	logger := e.logger.With("runId", r.id, "pipeline", r.def.Name)
	start := e.now()
	logger.InfoContext(ctx, "Run started", "stages", len(r.def.Stages))
	if e.metrics != nil {
		e.metrics.RecordRunStarted(ctx, r.def.Name)
	}
	e.persist(ctx, r)
	e.publish(ctx, r, Event{Type: pipeline.EventPipelineStarted, Status: StatusRunning})

	status, errMsg := e.stages(ctx, r, logger)

	// Bookkeeping after a cancelled run still has to reach the store.
	ctx = context.WithoutCancel(ctx)
	r.finish(status, errMsg, e.now())
	e.persist(ctx, r)

	elapsed := e.now().Sub(start)
	logger.InfoContext(ctx, "Run finished", "status", status, "duration", elapsed, "error", errMsg)
	if e.metrics != nil {
		e.metrics.RecordRunFinished(ctx, r.def.Name, string(status), elapsed.Seconds())
	}
	if t, ok := finishedEvent(status); ok {
		e.publish(ctx, r, Event{Type: t, Status: status, Message: errMsg})
	}
}

func finishedEvent(s Status) (pipeline.EventType, bool) {
	switch s {
	case StatusSucceeded:
		return pipeline.EventPipelineSucceeded, true
	case StatusFailed:
		return pipeline.EventPipelineFailed, true
	case StatusRejected:
		return pipeline.EventPipelineRejected, true
	}
	return "", false
}

func (e *engine) stages(ctx context.Context, r *Run, logger *slog.Logger) (Status, string) {
	for _, stage := range r.def.Stages {
		logger.DebugContext(ctx, "Stage started", "stage", stage.Name)
		for _, group := range stage.Barriers() {
			g, gctx := errgroup.WithContext(ctx)
			for _, a := range group {
				g.Go(func() error { return e.action(gctx, r, a, logger) })
			}
			err := g.Wait()
			switch {
			case err == nil:
			case errors.Is(err, errRejected):
				return StatusRejected, ""
			case ctx.Err() != nil:
				return StatusCancelled, ctx.Err().Error()
			default:
				return StatusFailed, err.Error()
			}
		}
	}
	return StatusSucceeded, ""
}

func (e *engine) action(ctx context.Context, r *Run, a *pipeline.Action, logger *slog.Logger) error {
	logger = logger.With("stage", a.Stage, "action", a.Name)
	start := e.now()
	r.update(a.ID, func(rec *ActionRecord) {
		rec.State = ActionRunning
		rec.StartedAt = &start
	})
	e.persist(ctx, r)

	var (
		vars map[string]string
		err  error
	)
	switch a.Kind {
	case pipeline.KindSource:
		vars, err = e.source(ctx, r, a)
	case pipeline.KindBuild:
		vars, err = e.build(ctx, r, a)
	case pipeline.KindApproval:
		return e.approval(ctx, r, a, logger)
	default:
		err = apperrors.Internal("run action", fmt.Errorf("unknown action kind %q", a.Kind))
	}

	finished := e.now()
	elapsed := finished.Sub(start)
	if e.metrics != nil {
		e.metrics.RecordActionCompleted(ctx, string(a.Kind), err == nil, elapsed.Seconds())
	}
	r.update(a.ID, func(rec *ActionRecord) {
		rec.FinishedAt = &finished
		if err != nil {
			rec.State = ActionFailed
			rec.Error = err.Error()
			return
		}
		rec.State = ActionSucceeded
		rec.Variables = vars
	})
	e.persist(ctx, r)

	if err != nil {
		logger.WarnContext(ctx, "Action failed", "duration", elapsed, "error", err)
		return fmt.Errorf("%s: %w", a.ID, err)
	}
	logger.InfoContext(ctx, "Action succeeded", "duration", elapsed)
	return nil
}

func (e *engine) source(ctx context.Context, r *Run, a *pipeline.Action) (map[string]string, error) {
	res, err := e.sources.Fetch(ctx, SourceRequest{
		Owner:      a.Source.Owner,
		Repository: a.Source.Repository,
		Branch:     a.Source.Branch,
		Credential: a.Source.Credential,
		Dest:       e.artifactDir(r, a.Output),
	})
	if err != nil {
		return nil, err
	}
	r.setArtifact(a.Output, res.Dir)
	return res.Variables, nil
}

func (e *engine) build(ctx context.Context, r *Run, a *pipeline.Action) (map[string]string, error) {
	env, err := e.environment(ctx, r, a)
	if err != nil {
		return nil, err
	}
	inputs := make([]NamedInput, 0, len(a.Inputs()))
	for _, name := range a.Inputs() {
		dir, ok := r.artifact(name)
		if !ok {
			return nil, apperrors.Internal("run action", fmt.Errorf("artifact %q has not been produced", name))
		}
		inputs = append(inputs, NamedInput{Name: name, Dir: dir})
	}

	req := BuildRequest{
		RunID:       r.id,
		Action:      a.ID,
		Project:     *a.Build,
		Input:       inputs[0],
		ExtraInputs: inputs[1:],
		Environment: env,
	}
	if a.Output != "" {
		req.OutputDir = e.artifactDir(r, a.Output)
	}

	res, err := e.builds.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.Output != "" {
		dir := res.OutputDir
		if dir == "" {
			dir = req.OutputDir
		}
		r.setArtifact(a.Output, dir)
	}
	return res.Variables, nil
}

// environment resolves the action's bindings. Parameters, secrets and
// imports are only read here, never at assembly time.
func (e *engine) environment(ctx context.Context, r *Run, a *pipeline.Action) (map[string]string, error) {
	env := make(map[string]string, len(a.Environment))
	for name, b := range a.Environment {
		var (
			v   string
			err error
		)
		switch b.Type {
		case pipeline.BindPlaintext:
			v = b.Value
		case pipeline.BindVariable:
			var ok bool
			if v, ok = r.variable(*b.Variable); !ok {
				err = apperrors.Collaborator("resolve "+name, fmt.Errorf("variable %s was not exported", b.Variable))
			}
		case pipeline.BindParameter:
			v, err = e.parameters().Get(ctx, b.Path)
		case pipeline.BindSecret:
			v, err = e.parameters().Secret(ctx, b.Path, b.Field)
		case pipeline.BindImport:
			v, err = e.parameters().Get(ctx, ImportPathPrefix+b.Value)
		default:
			err = apperrors.Internal("resolve "+name, fmt.Errorf("unknown binding type %q", b.Type))
		}
		if err != nil {
			return nil, err
		}
		env[name] = v
	}
	return env, nil
}

func (e *engine) parameters() ParameterStore {
	if e.params == nil {
		return missingParams{}
	}
	return e.params
}

type missingParams struct{}

func (missingParams) Get(_ context.Context, path string) (string, error) {
	return "", apperrors.Configuration(apperrors.Location{Field: "params"}, "no parameter store configured for "+path)
}

func (missingParams) Secret(_ context.Context, path, _ string) (string, error) {
	return "", apperrors.Configuration(apperrors.Location{Field: "params"}, "no parameter store configured for "+path)
}

func (e *engine) approval(ctx context.Context, r *Run, a *pipeline.Action, logger *slog.Logger) error {
	g := gate.New(string(a.ID), a.Approval.Channel)
	r.openGate(a.ID, g)
	r.update(a.ID, func(rec *ActionRecord) { rec.State = ActionAwaitingApproval })
	e.persist(ctx, r)
	if e.metrics != nil {
		e.metrics.RecordGateOpened(ctx)
	}
	logger.InfoContext(ctx, "Awaiting approval", "gate", a.ID, "channel", a.Approval.Channel)
	e.publishTo(ctx, r, approvalChannels(r.def, a, pipeline.EventApprovalRequested), Event{
		Type:    pipeline.EventApprovalRequested,
		Stage:   a.Stage,
		Action:  a.Name,
		Message: a.Approval.AdditionalInformation,
	})

	state, err := g.Wait(ctx)
	if err != nil {
		return err
	}

	rec := g.Record()
	finished := e.now()
	t := pipeline.EventApprovalApproved
	next := ActionApproved
	if state == gate.Rejected {
		t, next = pipeline.EventApprovalRejected, ActionRejected
	}
	r.update(a.ID, func(ar *ActionRecord) {
		ar.State = next
		ar.FinishedAt = &finished
	})
	e.persist(ctx, r)
	logger.InfoContext(ctx, "Approval decided", "gate", a.ID, "state", state, "by", rec.DecidedBy)
	e.publishTo(ctx, r, approvalChannels(r.def, a, t), Event{
		Type:    t,
		Stage:   a.Stage,
		Action:  a.Name,
		By:      rec.DecidedBy,
		Message: rec.Comment,
	})

	if state == gate.Rejected {
		return errRejected
	}
	return nil
}

// approvalChannels is the gate's own channel plus any rule subscribed to t.
func approvalChannels(def *pipeline.Definition, a *pipeline.Action, t pipeline.EventType) []string {
	channels := def.ChannelsFor(t)
	if c := a.Approval.Channel; c != "" && !slices.Contains(channels, c) {
		channels = append([]string{c}, channels...)
	}
	return channels
}

func (e *engine) artifactDir(r *Run, name string) string {
	return filepath.Join(e.workDir, r.id, "artifacts", name)
}

func (e *engine) publish(ctx context.Context, r *Run, ev Event) {
	e.publishTo(ctx, r, r.def.ChannelsFor(ev.Type), ev)
}

// publishTo delivers ev to every channel. Failures are logged only.
func (e *engine) publishTo(ctx context.Context, r *Run, channels []string, ev Event) {
	if e.notifier == nil || len(channels) == 0 {
		return
	}
	ev.RunID = r.id
	ev.Pipeline = r.def.Name
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	for _, ch := range channels {
		if err := e.notifier.Notify(ctx, ch, ev); err != nil {
			e.logger.WarnContext(ctx, "Notification not delivered", "runId", r.id, "channel", ch, "type", ev.Type, "error", err)
		}
	}
}

func (e *engine) persist(ctx context.Context, r *Run) {
	if err := e.store.Save(context.WithoutCancel(ctx), r.Snapshot()); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist run", "runId", r.id, "error", err)
	}
}

func (e *engine) prepareWorkDir(r *Run) error {
	if err := os.MkdirAll(filepath.Join(e.workDir, r.id, "artifacts"), 0o755); err != nil {
		return apperrors.Internal("create run directory", err)
	}
	return nil
}

func (e *engine) removeWorkDir(r *Run) {
	if err := os.RemoveAll(filepath.Join(e.workDir, r.id)); err != nil {
		e.logger.Warn("Failed to remove run directory", "runId", r.id, "error", err)
	}
}

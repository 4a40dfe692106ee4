// Package run executes assembled pipeline definitions locally: stages in
// order, barrier groups concurrently, approval gates waiting on external
// decisions.
package run

import (
	"sync"
	"time"

	"cdpipeline/internal/gate"
	"cdpipeline/internal/pipeline"
)

// Status is the outcome of a run. Running is the only non-terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s Status) IsTerminal() bool {
	return s != StatusRunning && s != ""
}

// ActionState is the position of one action within a run.
type ActionState string

const (
	ActionPending          ActionState = "pending"
	ActionRunning          ActionState = "running"
	ActionSucceeded        ActionState = "succeeded"
	ActionFailed           ActionState = "failed"
	ActionSkipped          ActionState = "skipped"
	ActionAwaitingApproval ActionState = "awaiting_approval"
	ActionApproved         ActionState = "approved"
	ActionRejected         ActionState = "rejected"
)

func (s ActionState) done() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionSkipped, ActionApproved, ActionRejected:
		return true
	}
	return false
}

func (s ActionState) completed() bool {
	return s == ActionSucceeded || s == ActionApproved
}

// ActionRecord is the run-time state of one action.
type ActionRecord struct {
	ID         pipeline.ActionID   `json:"id"`
	Kind       pipeline.ActionKind `json:"kind"`
	State      ActionState         `json:"state"`
	Variables  map[string]string   `json:"variables,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
	Gate       *gate.Record        `json:"gate,omitempty"`
}

// Snapshot is a point-in-time, self-contained view of a run.
type Snapshot struct {
	ID         string               `json:"id"`
	Pipeline   string               `json:"pipeline"`
	Status     Status               `json:"status"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
	Actions    []ActionRecord       `json:"actions"`
	Definition *pipeline.Definition `json:"definition"`
}

// errInterrupted is the recorded error of runs closed out by Recover.
const errInterrupted = "interrupted: service restarted before the run finished"

// interrupt marks a persisted, unfinished run as cancelled.
func (s *Snapshot) interrupt(now time.Time) {
	s.Status = StatusCancelled
	s.Error = errInterrupted
	s.FinishedAt = &now
	for i := range s.Actions {
		if !s.Actions[i].State.done() {
			s.Actions[i].State = ActionSkipped
		}
	}
}

// Action returns the record of the given action.
func (s *Snapshot) Action(id pipeline.ActionID) (ActionRecord, bool) {
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionRecord{}, false
}

// Eligible returns the actions that may run now: the unfinished actions of
// the lowest incomplete barrier group of the first incomplete stage. It is
// empty once the run has finished or any action failed or was rejected.
func (s *Snapshot) Eligible() []pipeline.ActionID {
	if s.Status.IsTerminal() || s.Definition == nil {
		return nil
	}
	states := make(map[pipeline.ActionID]ActionState, len(s.Actions))
	for _, a := range s.Actions {
		if a.State == ActionFailed || a.State == ActionRejected {
			return nil
		}
		states[a.ID] = a.State
	}

	for _, stage := range s.Definition.Stages {
		for _, group := range stage.Barriers() {
			var open []pipeline.ActionID
			for _, a := range group {
				if !states[a.ID].completed() {
					open = append(open, a.ID)
				}
			}
			if len(open) > 0 {
				return open
			}
		}
	}
	return nil
}

// Run is the live, mutable state of one execution.
type Run struct {
	mu         sync.RWMutex
	id         string
	def        *pipeline.Definition
	status     Status
	err        string
	createdAt  time.Time
	finishedAt *time.Time
	order      []pipeline.ActionID
	actions    map[pipeline.ActionID]*ActionRecord
	gates      map[pipeline.ActionID]*gate.Gate
	artifacts  map[string]string // artifact name -> directory

	cancel func()
	done   chan struct{}
}

func newRun(id string, def *pipeline.Definition, now time.Time) *Run {
	r := &Run{
		id:        id,
		def:       def,
		status:    StatusRunning,
		createdAt: now,
		actions:   make(map[pipeline.ActionID]*ActionRecord),
		gates:     make(map[pipeline.ActionID]*gate.Gate),
		artifacts: make(map[string]string),
		done:      make(chan struct{}),
	}
	for _, stage := range def.Stages {
		for _, a := range stage.Actions {
			r.order = append(r.order, a.ID)
			r.actions[a.ID] = &ActionRecord{ID: a.ID, Kind: a.Kind, State: ActionPending}
		}
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed after the run reached a terminal status and its final
// snapshot was stored.
func (r *Run) Done() <-chan struct{} { return r.done }

// Snapshot copies the run state.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:         r.id,
		Pipeline:   r.def.Name,
		Status:     r.status,
		Error:      r.err,
		CreatedAt:  r.createdAt,
		FinishedAt: r.finishedAt,
		Actions:    make([]ActionRecord, 0, len(r.order)),
		Definition: r.def,
	}
	for _, id := range r.order {
		rec := *r.actions[id]
		if len(rec.Variables) > 0 {
			vars := make(map[string]string, len(rec.Variables))
			for k, v := range rec.Variables {
				vars[k] = v
			}
			rec.Variables = vars
		}
		if g, ok := r.gates[id]; ok {
			gr := g.Record()
			rec.Gate = &gr
		}
		s.Actions = append(s.Actions, rec)
	}
	return s
}

func (r *Run) update(id pipeline.ActionID, fn func(*ActionRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.actions[id])
}

func (r *Run) state(id pipeline.ActionID) ActionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions[id].State
}

func (r *Run) variable(ref pipeline.VariableRef) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.actions[ref.Action]
	if !ok {
		return "", false
	}
	v, ok := rec.Variables[ref.Name]
	return v, ok
}

func (r *Run) setArtifact(name, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[name] = dir
}

func (r *Run) artifact(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir, ok := r.artifacts[name]
	return dir, ok
}

func (r *Run) openGate(id pipeline.ActionID, g *gate.Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[id] = g
}

func (r *Run) gate(id pipeline.ActionID) (*gate.Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[id]
	return g, ok
}

// finish sets the terminal status and marks every unfinished action skipped.
func (r *Run) finish(status Status, errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return
	}
	r.status = status
	r.err = errMsg
	r.finishedAt = &now
	for _, rec := range r.actions {
		if !rec.State.done() {
			rec.State = ActionSkipped
		}
	}
}

// close releases Done waiters once the final state is persisted and
// announced.
func (r *Run) close() {
	close(r.done)
}

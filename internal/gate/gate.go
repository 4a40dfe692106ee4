// Package gate implements the manual approval state machine of a pipeline run.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdpipeline/internal/apperrors"
)

// State is the gate position. Pending is initial; Approved and Rejected are terminal.
type State string

const (
	Pending  State = "pending"
	Approved State = "approved"
	Rejected State = "rejected"
)

// IsTerminal reports whether no further decision is accepted.
func (s State) IsTerminal() bool {
	return s == Approved || s == Rejected
}

// Decision is an external human verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Reject:
		return Decision(s), nil
	case "":
		return "", apperrors.Validation("decision", "decision is required")
	default:
		return "", apperrors.Validation("decision", fmt.Sprintf("unknown decision %q, expected approve or reject", s))
	}
}

func (d Decision) target() State {
	if d == Approve {
		return Approved
	}
	return Rejected
}

// Record is a point-in-time view of a gate.
type Record struct {
	ID        string     `json:"id"`
	Channel   string     `json:"channel,omitempty"`
	State     State      `json:"state"`
	DecidedBy string     `json:"decidedBy,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

// Gate blocks promotion until one decision arrives. No timeout is enforced.
type Gate struct {
	mu   sync.Mutex
	rec  Record
	done chan struct{}
	now  func() time.Time
}

// New creates a pending gate bound to id.
func New(id, channel string) *Gate {
	return &Gate{
		rec:  Record{ID: id, Channel: channel, State: Pending},
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Decide applies a decision. A gate accepts exactly one decision; later ones
// fail with a conflict error and leave the state unchanged.
func (g *Gate) Decide(d Decision, by, comment string) (Record, error) {
	if _, err := ParseDecision(string(d)); err != nil {
		return Record{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rec.State.IsTerminal() {
		return g.rec, apperrors.Conflict("gate", fmt.Sprintf("gate %s already %s", g.rec.ID, g.rec.State))
	}

	at := g.now().UTC()
	g.rec.State = d.target()
	g.rec.DecidedBy = by
	g.rec.Comment = comment
	g.rec.DecidedAt = &at
	close(g.done)
	return g.rec, nil
}

// Wait blocks until the gate is decided or ctx is done.
func (g *Gate) Wait(ctx context.Context) (State, error) {
	select {
	case <-g.done:
		return g.State(), nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Done is closed once the gate reaches a terminal state.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec.State
}

// Record returns a copy of the gate record.
func (g *Gate) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec
}

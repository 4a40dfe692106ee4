// Package pipeline defines the stage/action/artifact graph of a delivery
// pipeline and the builder that validates it.
//
// A Definition is pure data: building one performs no external calls and
// evaluates no environment bindings. Execution engines consume it and honour
// its ordering contract:
//
//   - stages run strictly in order
//   - actions in a stage sharing a run order form a barrier group and may run
//     concurrently
//   - a higher run order group starts only after every lower group finished
//   - artifacts are immutable once produced
package pipeline

import (
	"slices"
	"strings"
)

// DefaultRunOrder is applied to actions declared without a run order.
const DefaultRunOrder = 1

// ActionKind discriminates the action variants.
type ActionKind string

const (
	KindSource   ActionKind = "source"
	KindBuild    ActionKind = "build"
	KindApproval ActionKind = "approval"
)

// ActionID identifies an action across the whole pipeline as "<stage>/<action>".
type ActionID string

// idSeparator joins stage and action in an ActionID. Names may not contain it.
const idSeparator = "/"

// NewActionID builds the pipeline-wide identifier of an action.
func NewActionID(stage, action string) ActionID {
	return ActionID(stage + idSeparator + action)
}

func (id ActionID) String() string { return string(id) }

// Stage returns the stage part of the identifier.
func (id ActionID) Stage() string {
	stage, _, _ := strings.Cut(string(id), idSeparator)
	return stage
}

// Name returns the action part of the identifier.
func (id ActionID) Name() string {
	_, name, _ := strings.Cut(string(id), idSeparator)
	return name
}

// Trigger controls whether a source change starts the pipeline.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerNone    Trigger = "none"
)

// Source action variables exposed to later bindings.
const (
	VarCommitID       = "CommitId"
	VarBranchName     = "BranchName"
	VarRepositoryName = "RepositoryName"
)

// SourceVariables lists the variables every source action exposes.
var SourceVariables = []string{VarBranchName, VarCommitID, VarRepositoryName}

// SecretRef points to a secret value resolved at execution time.
type SecretRef struct {
	Path  string `json:"path"`
	Field string `json:"field,omitempty"`
}

// SourceConfig is the external source location fetched by a source action.
type SourceConfig struct {
	Owner      string    `json:"owner"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Credential SecretRef `json:"credential"`
	Trigger    Trigger   `json:"trigger"`
}

// BuildProject is the opaque build step an executor runs for a build action.
type BuildProject struct {
	Name     string   `json:"name"`
	Image    string   `json:"image"`
	Commands []string `json:"commands,omitempty"`
	// ExportedVariables lists variables the build publishes for later actions.
	ExportedVariables []string `json:"exportedVariables,omitempty"`
}

// ApprovalConfig configures a manual approval gate.
type ApprovalConfig struct {
	Channel               string `json:"channel,omitempty"`
	AdditionalInformation string `json:"additionalInformation,omitempty"`
}

// Action is one validated node of the graph.
type Action struct {
	ID          ActionID              `json:"id"`
	Stage       string                `json:"stage"`
	Name        string                `json:"name"`
	Kind        ActionKind            `json:"kind"`
	RunOrder    int                   `json:"runOrder"`
	Input       string                `json:"input,omitempty"`
	ExtraInputs []string              `json:"extraInputs,omitempty"`
	Output      string                `json:"output,omitempty"`
	Environment map[string]EnvBinding `json:"environment,omitempty"`
	Source      *SourceConfig         `json:"source,omitempty"`
	Build       *BuildProject         `json:"build,omitempty"`
	Approval    *ApprovalConfig       `json:"approval,omitempty"`
}

// Inputs returns the primary input followed by the extra inputs.
func (a *Action) Inputs() []string {
	if a.Input == "" {
		return nil
	}
	return append([]string{a.Input}, a.ExtraInputs...)
}

// IsGate reports whether the action is an approval gate.
func (a *Action) IsGate() bool {
	return a.Kind == KindApproval
}

// Variables returns the names of the variables the action exposes.
func (a *Action) Variables() []string {
	switch a.Kind {
	case KindSource:
		return SourceVariables
	case KindBuild:
		if a.Build != nil {
			return a.Build.ExportedVariables
		}
	}
	return nil
}

// Stage is an ordered pipeline position. Actions are sorted by run order.
type Stage struct {
	Name    string    `json:"name"`
	Actions []*Action `json:"actions"`
}

// Barriers groups the stage's actions by run order, lowest first.
func (s *Stage) Barriers() [][]*Action {
	var groups [][]*Action
	for i, a := range s.Actions {
		if i == 0 || a.RunOrder != s.Actions[i-1].RunOrder {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], a)
	}
	return groups
}

// Gate returns the stage's approval gate, or nil when it has none.
func (s *Stage) Gate() *Action {
	for _, a := range s.Actions {
		if a.IsGate() {
			return a
		}
	}
	return nil
}

// Artifact is a named opaque blob produced by exactly one action.
type Artifact struct {
	Name      string     `json:"name"`
	Producer  ActionID   `json:"producer"`
	Consumers []ActionID `json:"consumers,omitempty"`
}

// EventType names a pipeline or approval event a notification rule reacts to.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline.started"
	EventPipelineSucceeded EventType = "pipeline.succeeded"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventPipelineRejected  EventType = "pipeline.rejected"
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalApproved  EventType = "approval.approved"
	EventApprovalRejected  EventType = "approval.rejected"
)

// PipelineEvents are the pipeline state change events.
var PipelineEvents = []EventType{
	EventPipelineStarted, EventPipelineSucceeded, EventPipelineFailed, EventPipelineRejected,
}

// ApprovalEvents are the approval gate events.
var ApprovalEvents = []EventType{
	EventApprovalRequested, EventApprovalApproved, EventApprovalRejected,
}

// NotificationRule routes events to a channel reference.
type NotificationRule struct {
	Channel string      `json:"channel"`
	Events  []EventType `json:"events"`
}

// Matches reports whether the rule covers the event type.
func (r NotificationRule) Matches(t EventType) bool {
	return slices.Contains(r.Events, t)
}

// Definition is the validated, immutable pipeline graph.
type Definition struct {
	Name          string               `json:"name"`
	Stages        []*Stage             `json:"stages"`
	Artifacts     map[string]*Artifact `json:"artifacts"`
	Notifications []NotificationRule   `json:"notifications,omitempty"`
}

// Stage returns the stage with the given name.
func (d *Definition) Stage(name string) *Stage {
	for _, s := range d.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Action returns the action with the given identifier.
func (d *Definition) Action(id ActionID) *Action {
	s := d.Stage(id.Stage())
	if s == nil {
		return nil
	}
	for _, a := range s.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Gates returns every approval gate in pipeline order.
func (d *Definition) Gates() []*Action {
	var gates []*Action
	for _, s := range d.Stages {
		if g := s.Gate(); g != nil {
			gates = append(gates, g)
		}
	}
	return gates
}

// ChannelsFor returns the channels subscribed to an event type, in rule order
// and without duplicates.
func (d *Definition) ChannelsFor(t EventType) []string {
	var channels []string
	for _, r := range d.Notifications {
		if r.Matches(t) && !slices.Contains(channels, r.Channel) {
			channels = append(channels, r.Channel)
		}
	}
	return channels
}

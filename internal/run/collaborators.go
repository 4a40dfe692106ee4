package run

import (
	"context"
	"time"

	"cdpipeline/internal/pipeline"
)

// SourceRequest asks a provider to materialise one source location into Dest.
type SourceRequest struct {
	Owner      string
	Repository string
	Branch     string
	Credential pipeline.SecretRef
	Dest       string
}

// SourceResult is a fetched source artifact and the variables it exposes
// (CommitId, BranchName, RepositoryName).
type SourceResult struct {
	Dir       string
	Variables map[string]string
}

// SourceProvider fetches source code for source actions.
type SourceProvider interface {
	Fetch(ctx context.Context, req SourceRequest) (*SourceResult, error)
}

// NamedInput is an artifact directory handed to a build.
type NamedInput struct {
	Name string
	Dir  string
}

// BuildRequest is everything an executor needs to run one build action.
// Environment values are fully resolved.
type BuildRequest struct {
	RunID       string
	Action      pipeline.ActionID
	Project     pipeline.BuildProject
	Input       NamedInput
	ExtraInputs []NamedInput
	// OutputDir is empty when the action declares no output artifact.
	OutputDir   string
	Environment map[string]string
}

// BuildResult is the outcome of a build action. Variables holds the values
// the build exported, filtered to the project's declared variables.
type BuildResult struct {
	OutputDir string
	Variables map[string]string
	ExitCode  int
}

// BuildExecutor runs build actions.
type BuildExecutor interface {
	Execute(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// ParameterStore resolves parameter and secret bindings at execution time.
type ParameterStore interface {
	Get(ctx context.Context, path string) (string, error)
	Secret(ctx context.Context, path, field string) (string, error)
}

// Event is a pipeline or approval state change delivered to channels.
type Event struct {
	Type     pipeline.EventType `json:"type"`
	RunID    string             `json:"runId"`
	Pipeline string             `json:"pipeline"`
	Stage    string             `json:"stage,omitempty"`
	Action   string             `json:"action,omitempty"`
	Status   Status             `json:"status,omitempty"`
	Message  string             `json:"message,omitempty"`
	By       string             `json:"by,omitempty"`
	Time     time.Time          `json:"time"`
}

// Notifier delivers events to a channel reference. Delivery failures are
// never fatal to a run.
type Notifier interface {
	Notify(ctx context.Context, channel string, ev Event) error
}

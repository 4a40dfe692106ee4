// Package deployment decides whether the standalone single-environment
// deployment is assembled and derives its metadata.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
)

const (
	DefaultStage            = "dev"
	DefaultFallbackCodePath = "../app/src"
)

// RevisionLookup resolves a revision identifier from a code location.
type RevisionLookup interface {
	Revision(ctx context.Context, codePath string) (string, error)
}

// LookupFunc adapts a function to RevisionLookup.
type LookupFunc func(ctx context.Context, codePath string) (string, error)

func (f LookupFunc) Revision(ctx context.Context, codePath string) (string, error) {
	return f(ctx, codePath)
}

// Input is the declarative deployment configuration.
type Input struct {
	Service     string
	Stage       string
	StackName   string
	Description string
	// CodePath is the explicit code location. When set, Revision is used as is.
	CodePath string
	// FallbackCodePath is used when CodePath is empty. Choosing it triggers a
	// revision lookup.
	FallbackCodePath string
	Revision         string
	// Project prefixes the release identifier. Defaults to Service.
	Project string
	// Imports maps environment variable names to exported values of other stacks.
	Imports map[string]string
	Owner   string
	Contact string
}

// Definition is the standalone deployment node.
type Definition struct {
	StackName   string                         `json:"stackName"`
	Description string                         `json:"description,omitempty"`
	Service     string                         `json:"service"`
	Environment string                         `json:"environment"`
	CodePath    string                         `json:"codePath"`
	Revision    string                         `json:"revision,omitempty"`
	Release     string                         `json:"release,omitempty"`
	Bindings    map[string]pipeline.EnvBinding `json:"bindings"`
	Tags        map[string]string              `json:"tags,omitempty"`
}

// ApplyFallback fills an empty code location from the fallback default. It
// reports whether the fallback was taken; only then is a lookup required.
// Any supplied revision is discarded on the fallback path.
func ApplyFallback(in Input) (Input, bool) {
	if in.CodePath != "" || in.FallbackCodePath == "" {
		return in, false
	}
	in.CodePath = in.FallbackCodePath
	in.Revision = ""
	return in, true
}

// Resolve returns the deployment definition, or nil without error when no
// code location is available.
func Resolve(ctx context.Context, in Input, lookup RevisionLookup) (*Definition, error) {
	in, fellBack := ApplyFallback(in)
	if in.CodePath == "" {
		slog.Debug("standalone deployment skipped, no code location", "service", in.Service)
		return nil, nil
	}

	if fellBack {
		if lookup == nil {
			return nil, apperrors.Configuration(apperrors.Location{Field: "deployment.fallbackCodePath"},
				"fallback code location requires a revision lookup")
		}
		rev, err := lookup.Revision(ctx, in.CodePath)
		if err != nil {
			if !errors.Is(err, apperrors.ErrCollaborator) {
				err = apperrors.Collaborator("revision lookup "+in.CodePath, err)
			}
			return nil, err
		}
		in.Revision = rev
	}
	return Build(in)
}

// Build derives the definition from an input whose code location is final.
func Build(in Input) (*Definition, error) {
	if in.Service == "" {
		return nil, apperrors.Configuration(apperrors.Location{Field: "deployment.service"}, "service name is required")
	}
	if in.CodePath == "" {
		return nil, apperrors.Configuration(apperrors.Location{Field: "deployment.codePath"}, "code location is required")
	}

	stage := in.Stage
	if stage == "" {
		stage = DefaultStage
	}
	stackName := in.StackName
	if stackName == "" {
		stackName = fmt.Sprintf("%s-%s", in.Service, stage)
	}
	project := in.Project
	if project == "" {
		project = in.Service
	}

	d := &Definition{
		StackName:   stackName,
		Description: in.Description,
		Service:     in.Service,
		Environment: stage,
		CodePath:    in.CodePath,
		Revision:    in.Revision,
		Release:     Release(project, in.Revision),
		Bindings: map[string]pipeline.EnvBinding{
			"SENTRY_DSN":         pipeline.FromParameter(ParameterPath(in.Service, stage, "sentry_dsn")),
			"SENTRY_ENVIRONMENT": pipeline.Plaintext(stage),
		},
		Tags: map[string]string{},
	}
	if d.Release != "" {
		d.Bindings["SENTRY_RELEASE"] = pipeline.Plaintext(d.Release)
	}
	for name, export := range in.Imports {
		d.Bindings[name] = pipeline.FromImport(export)
	}
	if in.Owner != "" {
		d.Tags["Owner"] = in.Owner
	}
	if in.Contact != "" {
		d.Tags["Contact"] = in.Contact
	}
	d.Tags["Stage"] = stage
	return d, nil
}

// Release composes "<project>@<revision>". An unknown revision yields "".
func Release(project, revision string) string {
	if revision == "" {
		return ""
	}
	return project + "@" + revision
}

// ParameterPath is the parameter store location of a per-stage service value.
func ParameterPath(service, stage, name string) string {
	return fmt.Sprintf("/all/%s/%s/%s", service, stage, name)
}

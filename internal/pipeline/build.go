package pipeline

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"

	"cdpipeline/internal/apperrors"
)

// ActionSpec declares one action of a stage.
type ActionSpec struct {
	Name        string                `json:"name" yaml:"name"`
	Kind        ActionKind            `json:"kind" yaml:"kind"`
	RunOrder    int                   `json:"runOrder,omitempty" yaml:"runOrder"`
	Input       string                `json:"input,omitempty" yaml:"input"`
	ExtraInputs []string              `json:"extraInputs,omitempty" yaml:"extraInputs"`
	Output      string                `json:"output,omitempty" yaml:"output"`
	Environment map[string]EnvBinding `json:"environment,omitempty" yaml:"environment"`
	Source      *SourceConfig         `json:"source,omitempty" yaml:"source"`
	Build       *BuildProject         `json:"build,omitempty" yaml:"build"`
	Approval    *ApprovalConfig       `json:"approval,omitempty" yaml:"approval"`
}

// StageSpec declares one stage and its actions in declaration order.
type StageSpec struct {
	Name    string       `json:"name" yaml:"name"`
	Actions []ActionSpec `json:"actions" yaml:"actions"`
}

// Build validates the ordered stage specs and returns the wired definition.
// On error no definition is returned.
func Build(name string, specs []StageSpec, rules ...NotificationRule) (*Definition, error) {
	if len(specs) == 0 {
		return nil, apperrors.Configuration(apperrors.Location{}, "at least one stage is required")
	}

	b := &builder{
		registry: NewArtifactRegistry(),
		stageIdx: make(map[string]int, len(specs)),
		actions:  make(map[ActionID]*Action),
	}

	for i, spec := range specs {
		stage, err := b.declareStage(i, spec)
		if err != nil {
			return nil, err
		}
		b.stages = append(b.stages, stage)
	}

	// Producers are registered for the whole graph before any consumer is
	// resolved, so duplicates surface regardless of stage order.
	for _, stage := range b.stages {
		for _, a := range stage.Actions {
			if a.Output == "" {
				continue
			}
			if err := b.registry.Register(a.Output, a.ID); err != nil {
				return nil, err
			}
		}
	}

	for _, stage := range b.stages {
		for _, a := range stage.Actions {
			if err := b.resolveInputs(a); err != nil {
				return nil, err
			}
			if err := b.resolveBindings(a); err != nil {
				return nil, err
			}
		}
	}

	for _, r := range rules {
		if r.Channel == "" {
			return nil, apperrors.Configuration(apperrors.Location{Field: "notifications"}, "notification rule requires a channel")
		}
		if len(r.Events) == 0 {
			return nil, apperrors.Configuration(apperrors.Location{Field: "notifications"},
				fmt.Sprintf("notification rule for channel %q has no events", r.Channel))
		}
	}

	return &Definition{
		Name:          name,
		Stages:        b.stages,
		Artifacts:     b.registry.snapshot(),
		Notifications: slices.Clone(rules),
	}, nil
}

// Artifact names become directory names in the build workspace and suffixes
// of SRC_DIR_<name> environment variables.
var artifactName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// reservedArtifacts are workspace entries executors create themselves.
var reservedArtifacts = []string{"src", "output"}

type builder struct {
	registry *ArtifactRegistry
	stages   []*Stage
	stageIdx map[string]int
	actions  map[ActionID]*Action
}

func (b *builder) declareStage(idx int, spec StageSpec) (*Stage, error) {
	if spec.Name == "" {
		return nil, apperrors.Configuration(apperrors.Location{Field: fmt.Sprintf("stages[%d].name", idx)}, "stage name is required")
	}
	if strings.Contains(spec.Name, idSeparator) {
		return nil, apperrors.Configuration(apperrors.Location{Stage: spec.Name, Field: fmt.Sprintf("stages[%d].name", idx)},
			fmt.Sprintf("stage name must not contain %q", idSeparator))
	}
	if _, dup := b.stageIdx[spec.Name]; dup {
		return nil, apperrors.Configuration(apperrors.Location{Stage: spec.Name}, "duplicate stage name")
	}
	if len(spec.Actions) == 0 {
		return nil, apperrors.Configuration(apperrors.Location{Stage: spec.Name}, "stage has no actions")
	}
	b.stageIdx[spec.Name] = idx

	stage := &Stage{Name: spec.Name}
	gates := 0
	for i, as := range spec.Actions {
		a, err := b.declareAction(spec.Name, i, as)
		if err != nil {
			return nil, err
		}
		if a.IsGate() {
			gates++
			if gates > 1 {
				return nil, apperrors.Configuration(apperrors.Location{Stage: spec.Name, Action: a.Name}, "a stage holds at most one approval gate")
			}
		}
		stage.Actions = append(stage.Actions, a)
	}
	sort.SliceStable(stage.Actions, func(i, j int) bool {
		return stage.Actions[i].RunOrder < stage.Actions[j].RunOrder
	})
	return stage, nil
}

func (b *builder) declareAction(stage string, idx int, spec ActionSpec) (*Action, error) {
	loc := apperrors.Location{Stage: stage, Action: spec.Name}
	if spec.Name == "" {
		loc.Field = fmt.Sprintf("actions[%d].name", idx)
		return nil, apperrors.Configuration(loc, "action name is required")
	}
	if strings.Contains(spec.Name, idSeparator) {
		loc.Field = fmt.Sprintf("actions[%d].name", idx)
		return nil, apperrors.Configuration(loc, fmt.Sprintf("action name must not contain %q", idSeparator))
	}
	id := NewActionID(stage, spec.Name)
	if _, dup := b.actions[id]; dup {
		return nil, apperrors.Configuration(loc, "duplicate action name in stage")
	}

	runOrder := spec.RunOrder
	switch {
	case runOrder < 0:
		loc.Field = "runOrder"
		return nil, apperrors.Configuration(loc, fmt.Sprintf("run order must be positive, got %d", runOrder))
	case runOrder == 0:
		runOrder = DefaultRunOrder
	}

	a := &Action{
		ID:          id,
		Stage:       stage,
		Name:        spec.Name,
		Kind:        spec.Kind,
		RunOrder:    runOrder,
		Input:       spec.Input,
		ExtraInputs: slices.Clone(spec.ExtraInputs),
		Output:      spec.Output,
		Environment: maps.Clone(spec.Environment),
		Source:      clonePtr(spec.Source),
		Build:       cloneBuild(spec.Build),
		Approval:    clonePtr(spec.Approval),
	}
	if err := checkKind(a); err != nil {
		return nil, err
	}
	b.actions[id] = a
	return a, nil
}

// checkKind enforces the per-kind required fields.
func checkKind(a *Action) error {
	loc := apperrors.Location{Stage: a.Stage, Action: a.Name}
	fail := func(field, msg string) error {
		loc.Field = field
		return apperrors.Configuration(loc, msg)
	}

	if a.Input == "" && len(a.ExtraInputs) > 0 {
		return fail("input", "extra inputs require a primary input")
	}

	switch a.Kind {
	case KindSource:
		if a.Source == nil {
			return fail("source", "source action requires a source location")
		}
		if a.Source.Owner == "" || a.Source.Repository == "" || a.Source.Branch == "" {
			return fail("source", "source location requires owner, repository and branch")
		}
		switch a.Source.Trigger {
		case "":
			a.Source.Trigger = TriggerWebhook
		case TriggerWebhook, TriggerNone:
		default:
			return fail("source.trigger", fmt.Sprintf("unknown trigger %q", a.Source.Trigger))
		}
		if a.Output == "" {
			return fail("output", "source action requires an output artifact")
		}
		if a.Input != "" {
			return fail("input", "source action takes no input artifacts")
		}
	case KindBuild:
		if a.Build == nil || a.Build.Image == "" {
			return fail("build.image", "build action requires a build image")
		}
		if a.Input == "" {
			return fail("input", "build action requires a primary input artifact")
		}
	case KindApproval:
		if a.Input != "" || a.Output != "" {
			return fail("input", "approval gate carries no artifacts")
		}
		if len(a.Environment) > 0 {
			return fail("environment", "approval gate takes no environment bindings")
		}
		if a.Approval == nil {
			a.Approval = &ApprovalConfig{}
		}
	case "":
		return fail("kind", "action kind is required")
	default:
		return fail("kind", fmt.Sprintf("unknown action kind %q", a.Kind))
	}

	if a.Output != "" {
		if !artifactName.MatchString(a.Output) {
			return fail("output", fmt.Sprintf("artifact name %q may only contain letters, digits and underscores", a.Output))
		}
		if slices.Contains(reservedArtifacts, a.Output) {
			return fail("output", fmt.Sprintf("artifact name %q is reserved by the build workspace", a.Output))
		}
	}
	return nil
}

// precedes reports whether producer runs strictly before consumer: in an
// earlier stage, or in the same stage with a lower run order.
func (b *builder) precedes(producer, consumer *Action) bool {
	ps, cs := b.stageIdx[producer.Stage], b.stageIdx[consumer.Stage]
	if ps != cs {
		return ps < cs
	}
	return producer.RunOrder < consumer.RunOrder
}

func (b *builder) resolveInputs(a *Action) error {
	seen := make(map[string]bool, len(a.ExtraInputs)+1)
	for _, name := range a.Inputs() {
		if seen[name] {
			return apperrors.Configuration(apperrors.Location{Stage: a.Stage, Action: a.Name, Artifact: name},
				"input artifact declared more than once")
		}
		seen[name] = true

		art, ok := b.registry.Lookup(name)
		if !ok || !b.precedes(b.actions[art.Producer], a) {
			return apperrors.UnresolvedArtifact(a.Stage, a.Name, name)
		}
		b.registry.consume(name, a.ID)
	}
	return nil
}

func (b *builder) resolveBindings(a *Action) error {
	for _, key := range sortedKeys(a.Environment) {
		binding := a.Environment[key]
		loc := apperrors.Location{Stage: a.Stage, Action: a.Name, Field: "environment." + key}
		if msg := binding.validate(); msg != "" {
			return apperrors.Configuration(loc, msg)
		}
		if binding.Type != BindVariable {
			continue
		}
		ref := binding.Variable
		producer, ok := b.actions[ref.Action]
		if !ok {
			return apperrors.Configuration(loc, fmt.Sprintf("variable %s references unknown action", ref))
		}
		if !b.precedes(producer, a) {
			return apperrors.Configuration(loc, fmt.Sprintf("variable %s is not produced before this action", ref))
		}
		if !slices.Contains(producer.Variables(), ref.Name) {
			return apperrors.Configuration(loc, fmt.Sprintf("action %s does not expose variable %q", ref.Action, ref.Name))
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneBuild(p *BuildProject) *BuildProject {
	c := clonePtr(p)
	if c != nil {
		c.Commands = slices.Clone(c.Commands)
		c.ExportedVariables = slices.Clone(c.ExportedVariables)
	}
	return c
}

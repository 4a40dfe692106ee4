// Package assembler turns declarative delivery settings into a fully wired
// pipeline definition and, when a code location is available, the standalone
// deployment definition.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"cdpipeline/internal/deployment"
	"cdpipeline/internal/observability"
	"cdpipeline/internal/pipeline"
)

// Fixed stage, action and artifact names of the assembled pipeline.
const (
	StageSource = "Source"

	ActionSourceApp   = "SourceAppCode"
	ActionSourceInfra = "SourceInfraCode"
	ActionDeploy      = "Build_and_Deploy"
	ActionSmokeTests  = "SmokeTests"

	ArtifactAppCode   = "AppCode"
	ArtifactInfraCode = "InfraCode"

	RunOrderDeploy   = 1
	RunOrderSmoke    = 98
	RunOrderApproval = 99

	approvalInformation = "Approve or Reject this change after testing"
)

// SourceProps locates the application and blueprint repositories.
type SourceProps struct {
	GitOwner             string
	TokenPath            string
	TokenField           string
	ServiceRepository    string
	ServiceBranch        string
	BlueprintsRepository string
	BlueprintsBranch     string
}

// NotificationProps holds notification targets.
type NotificationProps struct {
	EmailReceivers []string
	// ApprovalChannel enables the approval gates when non-empty.
	ApprovalChannel string
}

// BuildProps describes the deploy and smoke test build projects.
type BuildProps struct {
	DeployImage     string
	DeployCommands  []string
	QAImage         string
	QACommands      []string
	SentryTokenPath string
	SentryOrg       string
	SentryProject   string
}

// Props is the complete declarative input of one assembly.
type Props struct {
	Name    string
	Service string
	// Owner and Contact tag every build project. They are explicit inputs
	// rather than values read from the process environment.
	Owner         string
	Contact       string
	Source        SourceProps
	Notifications NotificationProps
	Build         BuildProps
	// Environments are deployment stages in promotion order.
	Environments []string
	Deployment   deployment.Input
}

// PropsFromConfig maps the configuration document onto assembly props.
func PropsFromConfig(cfg *config.Config) Props {
	return Props{
		Name:    cfg.Project.Name,
		Service: cfg.Project.Service,
		Owner:   cfg.Project.Owner,
		Contact: cfg.Project.Contact,
		Source: SourceProps{
			GitOwner:             cfg.Source.GitOwner,
			TokenPath:            cfg.Source.TokenPath,
			TokenField:           cfg.Source.TokenField,
			ServiceRepository:    cfg.Source.ServiceRepository,
			ServiceBranch:        cfg.Source.ServiceBranch,
			BlueprintsRepository: cfg.Source.BlueprintsRepository,
			BlueprintsBranch:     cfg.Source.BlueprintsBranch,
		},
		Notifications: NotificationProps{
			EmailReceivers:  cfg.Notifications.EmailReceivers,
			ApprovalChannel: cfg.Notifications.ApprovalChannel,
		},
		Build: BuildProps{
			DeployImage:     cfg.Build.DeployImage,
			DeployCommands:  cfg.Build.DeployCommands,
			QAImage:         cfg.Build.QAImage,
			QACommands:      cfg.Build.QACommands,
			SentryTokenPath: cfg.Build.SentryTokenPath,
			SentryOrg:       cfg.Build.SentryOrg,
			SentryProject:   cfg.Build.SentryProject,
		},
		Environments: cfg.Environments,
		Deployment: deployment.Input{
			Service:          cfg.Project.Service,
			Stage:            cfg.Deployment.Stage,
			StackName:        cfg.Deployment.StackName,
			Description:      cfg.Deployment.Description,
			CodePath:         cfg.Deployment.CodePath,
			FallbackCodePath: cfg.Deployment.FallbackCodePath,
			Revision:         cfg.Deployment.Revision,
			Project:          cfg.Build.SentryProject,
			Imports:          cfg.Deployment.Imports,
			Owner:            cfg.Project.Owner,
			Contact:          cfg.Project.Contact,
		},
	}
}

// Result is the output of a full assembly. Deployment is nil when no code
// location was available.
type Result struct {
	Pipeline   *pipeline.Definition   `json:"pipeline"`
	Deployment *deployment.Definition `json:"deployment,omitempty"`
}

// Assembler builds pipeline definitions. It is safe for concurrent use.
type Assembler struct {
	lookup  deployment.RevisionLookup
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates an assembler. lookup resolves revisions on the deployment
// fallback path; metrics may be nil.
func New(lookup deployment.RevisionLookup, metrics *observability.Metrics) *Assembler {
	return &Assembler{
		lookup:  lookup,
		metrics: metrics,
		logger:  slog.With("component", "assembler"),
	}
}

// Assemble builds the pipeline definition and the optional standalone
// deployment. Any error aborts the whole assembly.
func (a *Assembler) Assemble(ctx context.Context, props Props) (*Result, error) {
	def, err := a.Pipeline(ctx, props)
	if err != nil {
		return nil, err
	}

	in := props.Deployment
	if in.Service == "" {
		in.Service = props.Service
	}
	dep, err := deployment.Resolve(ctx, in, a.lookup)
	if err != nil {
		return nil, err
	}
	if dep != nil {
		a.logger.DebugContext(ctx, "standalone deployment included",
			"stack", dep.StackName, "release", dep.Release)
	}
	return &Result{Pipeline: def, Deployment: dep}, nil
}

// Pipeline builds only the pipeline definition. It performs no external calls.
func (a *Assembler) Pipeline(ctx context.Context, props Props) (*pipeline.Definition, error) {
	start := time.Now()
	def, err := build(props)
	if a.metrics != nil {
		a.metrics.RecordAssembly(ctx, props.name(), err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		a.logger.DebugContext(ctx, "assembly failed", "pipeline", props.name(), "error", err)
		return nil, err
	}
	a.logger.DebugContext(ctx, "pipeline assembled",
		"pipeline", def.Name,
		"stages", len(def.Stages),
		"gates", len(def.Gates()))
	return def, nil
}

func build(props Props) (*pipeline.Definition, error) {
	specs, err := StageSpecs(props)
	if err != nil {
		return nil, err
	}
	return pipeline.Build(props.name(), specs, NotificationRules(props.Notifications)...)
}

func (p Props) name() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Service
}

// StageSpecs lays out the Source stage followed by one deploy stage per
// environment. Every deploy stage except the last ends with an approval gate
// when an approval channel is configured.
func StageSpecs(props Props) ([]pipeline.StageSpec, error) {
	if props.Service == "" {
		return nil, apperrors.Configuration(apperrors.Location{Field: "project.service"}, "service name is required")
	}
	if len(props.Environments) == 0 {
		return nil, apperrors.Configuration(apperrors.Location{Field: "environments"}, "at least one environment is required")
	}

	specs := []pipeline.StageSpec{sourceStage(props.Source)}
	for i, env := range props.Environments {
		if env == "" {
			return nil, apperrors.Configuration(apperrors.Location{Field: fmt.Sprintf("environments[%d]", i)}, "environment name is required")
		}
		stage := pipeline.StageSpec{
			Name: DeployStageName(env),
			Actions: []pipeline.ActionSpec{
				deployAction(props, env),
				smokeTestAction(props, env),
			},
		}
		last := i == len(props.Environments)-1
		if gate, ok := approvalAction(props.Notifications, env); ok && !last {
			stage.Actions = append(stage.Actions, gate)
		}
		specs = append(specs, stage)
	}
	return specs, nil
}

// NotificationRules routes pipeline events to the email receivers and
// approval events to the approval channel.
func NotificationRules(n NotificationProps) []pipeline.NotificationRule {
	var rules []pipeline.NotificationRule
	for _, receiver := range n.EmailReceivers {
		receiver = strings.TrimSpace(receiver)
		if receiver == "" {
			continue
		}
		rules = append(rules, pipeline.NotificationRule{Channel: receiver, Events: pipeline.PipelineEvents})
	}
	if n.ApprovalChannel != "" {
		rules = append(rules, pipeline.NotificationRule{Channel: n.ApprovalChannel, Events: pipeline.ApprovalEvents})
	}
	return rules
}

// DeployStageName returns "DeployTo<Env>" for an environment name.
func DeployStageName(env string) string {
	return "DeployTo" + title(env)
}

// ApprovalActionName returns the gate name for an environment.
func ApprovalActionName(env string) string {
	return "ManualApprovalOf" + title(env) + "Environment"
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sourceStage(src SourceProps) pipeline.StageSpec {
	credential := pipeline.SecretRef{Path: src.TokenPath, Field: src.TokenField}
	return pipeline.StageSpec{
		Name: StageSource,
		Actions: []pipeline.ActionSpec{
			{
				Name:   ActionSourceApp,
				Kind:   pipeline.KindSource,
				Output: ArtifactAppCode,
				Source: &pipeline.SourceConfig{
					Owner:      src.GitOwner,
					Repository: src.ServiceRepository,
					Branch:     src.ServiceBranch,
					Credential: credential,
					Trigger:    pipeline.TriggerWebhook,
				},
			},
			{
				Name:   ActionSourceInfra,
				Kind:   pipeline.KindSource,
				Output: ArtifactInfraCode,
				Source: &pipeline.SourceConfig{
					Owner:      src.GitOwner,
					Repository: src.BlueprintsRepository,
					Branch:     src.BlueprintsBranch,
					Credential: credential,
					Trigger:    pipeline.TriggerNone,
				},
			},
		},
	}
}

func deployAction(props Props, env string) pipeline.ActionSpec {
	bindings := map[string]pipeline.EnvBinding{
		"VERSION": pipeline.FromVariable(pipeline.NewActionID(StageSource, ActionSourceApp), pipeline.VarCommitID),
		"STAGE":   pipeline.Plaintext(env),
	}
	if props.Owner != "" {
		bindings["OWNER"] = pipeline.Plaintext(props.Owner)
	}
	if props.Contact != "" {
		bindings["CONTACT"] = pipeline.Plaintext(props.Contact)
	}
	if props.Build.SentryTokenPath != "" {
		bindings["SENTRY_AUTH_TOKEN"] = pipeline.FromSecret(props.Build.SentryTokenPath, "")
	}
	if props.Build.SentryOrg != "" {
		bindings["SENTRY_ORG"] = pipeline.Plaintext(props.Build.SentryOrg)
	}
	if props.Build.SentryProject != "" {
		bindings["SENTRY_PROJECT"] = pipeline.Plaintext(props.Build.SentryProject)
	}

	return pipeline.ActionSpec{
		Name:        ActionDeploy,
		Kind:        pipeline.KindBuild,
		RunOrder:    RunOrderDeploy,
		Input:       ArtifactAppCode,
		ExtraInputs: []string{ArtifactInfraCode},
		Environment: bindings,
		Build: &pipeline.BuildProject{
			Name:     fmt.Sprintf("%s-%s-deploy", props.Service, env),
			Image:    props.Build.DeployImage,
			Commands: props.Build.DeployCommands,
		},
	}
}

func smokeTestAction(props Props, env string) pipeline.ActionSpec {
	return pipeline.ActionSpec{
		Name:     ActionSmokeTests,
		Kind:     pipeline.KindBuild,
		RunOrder: RunOrderSmoke,
		Input:    ArtifactAppCode,
		Environment: map[string]pipeline.EnvBinding{
			"API_URL": pipeline.FromParameter(deployment.ParameterPath(props.Service, env, "api-url")),
		},
		Build: &pipeline.BuildProject{
			Name:     fmt.Sprintf("%s-%s-qa", props.Service, env),
			Image:    props.Build.QAImage,
			Commands: props.Build.QACommands,
		},
	}
}

// approvalAction returns the gate for env. It reports false when no approval
// channel is configured, in which case no gate node exists at all.
func approvalAction(n NotificationProps, env string) (pipeline.ActionSpec, bool) {
	if n.ApprovalChannel == "" {
		return pipeline.ActionSpec{}, false
	}
	return pipeline.ActionSpec{
		Name:     ApprovalActionName(env),
		Kind:     pipeline.KindApproval,
		RunOrder: RunOrderApproval,
		Approval: &pipeline.ApprovalConfig{
			Channel:               n.ApprovalChannel,
			AdditionalInformation: approvalInformation,
		},
	}, true
}

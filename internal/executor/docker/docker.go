// Package docker implements run.BuildExecutor using the Docker API.
// Each build action runs in a throwaway container on the host daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/joho/godotenv"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/run"
)

// Paths inside the build container.
const (
	WorkspaceDir = "/workspace"
	SourceDir    = WorkspaceDir + "/src"
	OutputDir    = WorkspaceDir + "/output"
	controlDir   = WorkspaceDir + "/.pipeline"
	exportFile   = controlDir + "/exported.env"
)

const managedBy = "cdpipeline"

// Executor runs build actions as Docker containers.
type Executor struct {
	client     *client.Client
	workRoot   string
	extraHosts []string
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]string // container ID by action key
}

// Config holds configuration for the Docker executor.
type Config struct {
	WorkRoot   string   // Host directory for per-build control files (default os.TempDir())
	ExtraHosts []string // Extra /etc/hosts entries for build containers
}

// NewExecutor creates a Docker executor using the environment's daemon settings.
func NewExecutor(cfg Config) (*Executor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	workRoot := cfg.WorkRoot
	if workRoot == "" {
		workRoot = os.TempDir()
	}

	return &Executor{
		client:     dockerClient,
		workRoot:   workRoot,
		extraHosts: cfg.ExtraHosts,
		logger:     slog.With("component", "executor.docker"),
		active:     make(map[string]string),
	}, nil
}

// Execute runs the build's commands in its image and waits for completion.
// A non-zero exit code is returned as a collaborator error alongside the result.
func (e *Executor) Execute(ctx context.Context, req run.BuildRequest) (*run.BuildResult, error) {
	op := fmt.Sprintf("build %s", req.Action)
	logger := e.logger.With("runId", req.RunID, "action", req.Action.String(), "image", req.Project.Image)

	if err := e.pullImageIfNeeded(ctx, req.Project.Image); err != nil {
		return nil, apperrors.Collaborator(op, fmt.Errorf("pull image %s: %w", req.Project.Image, err))
	}

	control, err := os.MkdirTemp(e.workRoot, "cdp-build-")
	if err != nil {
		return nil, apperrors.Internal("create build control directory", err)
	}
	defer os.RemoveAll(control)

	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return nil, apperrors.Internal("create build output directory", err)
		}
	}

	containerID, err := e.createBuildContainer(ctx, req, control)
	if err != nil {
		return nil, apperrors.Collaborator(op, fmt.Errorf("create container: %w", err))
	}
	key := req.RunID + "/" + req.Action.String()
	e.track(key, containerID)
	defer func() {
		e.untrack(key)
		// Removal must survive a cancelled run context.
		_ = e.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
	}()

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Collaborator(op, fmt.Errorf("start container: %w", err))
	}
	logger.Info("Build started", "containerId", containerID)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		e.streamLogs(ctx, logger, containerID)
	}()

	exitCode, err := e.waitForExit(ctx, containerID)
	<-logsDone
	if err != nil {
		return nil, apperrors.Collaborator(op, fmt.Errorf("wait for container: %w", err))
	}

	result := &run.BuildResult{OutputDir: req.OutputDir, ExitCode: exitCode}
	if exitCode != 0 {
		logger.Warn("Build failed", "exitCode", exitCode)
		return result, apperrors.Collaborator(op, fmt.Errorf("build exited with code %d", exitCode))
	}

	vars, err := readExported(filepath.Join(control, filepath.Base(exportFile)), req.Project.ExportedVariables)
	if err != nil {
		return result, apperrors.Collaborator(op, err)
	}
	result.Variables = vars
	logger.Info("Build succeeded", "exported", len(vars))
	return result, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (e *Executor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close removes any containers still running and releases the client.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for _, id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}
	return e.client.Close()
}

func (e *Executor) track(key, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[key] = id
}

func (e *Executor) untrack(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, key)
}

func (e *Executor) createBuildContainer(ctx context.Context, req run.BuildRequest, control string) (string, error) {
	containerConfig := &container.Config{
		Image:      req.Project.Image,
		Cmd:        []string{"/bin/sh", "-c", Script(req.Project.Commands, req.Project.ExportedVariables)},
		Env:        Environment(req),
		WorkingDir: SourceDir,
		Labels: map[string]string{
			"run.id":     req.RunID,
			"action.id":  req.Action.String(),
			"managed-by": managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:     Mounts(req, control),
		ExtraHosts: e.extraHosts,
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, ContainerName(req))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Environment returns the container environment: the resolved bindings plus
// the workspace locations, sorted by name.
func Environment(req run.BuildRequest) []string {
	env := make(map[string]string, len(req.Environment)+len(req.ExtraInputs)+2)
	for k, v := range req.Environment {
		env[k] = v
	}
	env["SRC_DIR"] = SourceDir
	env["PIPELINE_EXPORT_FILE"] = exportFile
	for _, in := range req.ExtraInputs {
		env["SRC_DIR_"+in.Name] = WorkspaceDir + "/" + in.Name
	}
	if req.OutputDir != "" {
		env["OUTPUT_DIR"] = OutputDir
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Mounts binds the primary input, the extra inputs, the output directory and
// the control directory into the workspace.
func Mounts(req run.BuildRequest, control string) []mount.Mount {
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: req.Input.Dir, Target: SourceDir}}
	for _, in := range req.ExtraInputs {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: in.Dir, Target: WorkspaceDir + "/" + in.Name, ReadOnly: true})
	}
	if req.OutputDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: req.OutputDir, Target: OutputDir})
	}
	return append(mounts, mount.Mount{Type: mount.TypeBind, Source: control, Target: controlDir})
}

// Script joins the build commands so the first failure stops the build, then
// writes the exported variables to the export file.
func Script(commands, exported []string) string {
	lines := []string{"set -e"}
	lines = append(lines, commands...)
	for _, name := range exported {
		lines = append(lines, fmt.Sprintf(`printf '%%s=%%s\n' %s "${%s}" >> %s`, name, name, exportFile))
	}
	return strings.Join(lines, "\n")
}

// ContainerName is unique per run and action and valid as a Docker name.
func ContainerName(req run.BuildRequest) string {
	name := fmt.Sprintf("cdp-%s-%s-%s", req.RunID, req.Action.Stage(), req.Action.Name())
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}

func readExported(path string, declared []string) (map[string]string, error) {
	if len(declared) == 0 {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read exported variables: %w", err)
	}
	out := make(map[string]string, len(declared))
	for _, name := range declared {
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func (e *Executor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := e.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Executor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// streamLogs forwards the container's multiplexed output to the logger.
func (e *Executor) streamLogs(ctx context.Context, logger *slog.Logger, containerID string) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	for stream, line := range frames(logs) {
		logger.Debug(line, "stream", stream)
	}
}

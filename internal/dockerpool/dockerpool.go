// Package dockerpool is the optional containerized test-execution
// collaborator. When a project sets containerTestRuntime, the
// PhaseExecutor runs a task's testCommand inside a short-lived
// container instead of on the host, isolating the test run from
// whatever the agent's own process left behind. The official Docker
// client hides behind a narrow interface so it can be faked in tests
// without a daemon.
package dockerpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"opensprint/internal/model"
)

// APIClient is the subset of the Docker SDK this package depends on.
type APIClient interface {
	Ping(ctx context.Context) (bool, error)
	ImageList(ctx context.Context) ([]string, error)
	ImagePull(ctx context.Context, ref string) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerExec(ctx context.Context, id string, cmd []string) (io.Reader, error)
	ContainerStop(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
}

// Pool runs one task's test command inside a fresh container per call,
// implementing runner.TestRunner.
type Pool struct {
	api   APIClient
	image string
}

// New wraps the real Docker daemon client. image is the container image
// a testCommand runs inside; it is pulled on first use if absent.
func New(image string) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerpool: create docker client: %w", err)
	}
	return &Pool{api: &realClient{cli: cli}, image: image}, nil
}

// NewWithClient is used by tests to inject a fake APIClient.
func NewWithClient(api APIClient, image string) *Pool {
	return &Pool{api: api, image: image}
}

// CheckDaemon verifies the Docker daemon is reachable before any
// container-backed work is attempted.
func (p *Pool) CheckDaemon(ctx context.Context) error {
	if _, err := p.api.Ping(ctx); err != nil {
		return fmt.Errorf("dockerpool: daemon unreachable: %w", err)
	}
	return nil
}

// RunTests runs testCommand inside a fresh container with workDir
// bind-mounted at /workspace, and classifies the container's combined
// output into a model.TestResults summary. It implements
// runner.TestRunner.
func (p *Pool) RunTests(ctx context.Context, workDir, testCommand string) (model.TestResults, error) {
	id, err := p.startContainer(ctx, workDir)
	if err != nil {
		return model.TestResults{}, err
	}
	defer func() { _ = p.api.ContainerStop(context.Background(), id); _ = p.api.ContainerRemove(context.Background(), id) }()

	r, err := p.api.ContainerExec(ctx, id, []string{"/bin/sh", "-lc", testCommand})
	if err != nil {
		return model.TestResults{}, fmt.Errorf("dockerpool: exec test command: %w", err)
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return parseTestOutput(buf.String()), nil
}

func (p *Pool) startContainer(ctx context.Context, workDir string) (string, error) {
	name := "opensprint-test-" + uuid.NewString()
	cfg := &container.Config{
		Image:      p.image,
		Tty:        true,
		OpenStdin:  true,
		WorkingDir: "/workspace",
		Cmd:        []string{"/bin/sh"},
	}
	hostCfg := &container.HostConfig{Binds: []string{workDir + ":/workspace"}}

	id, err := p.api.ContainerCreate(ctx, cfg, hostCfg, name)
	if err != nil {
		if existing, pullErr := p.ensureImage(ctx); pullErr != nil || !existing {
			return "", fmt.Errorf("dockerpool: create container: %w", err)
		}
		id, err = p.api.ContainerCreate(ctx, cfg, hostCfg, name)
		if err != nil {
			return "", fmt.Errorf("dockerpool: create container after pull: %w", err)
		}
	}
	if err := p.api.ContainerStart(ctx, id); err != nil {
		return "", fmt.Errorf("dockerpool: start container: %w", err)
	}
	return id, nil
}

// ensureImage pulls p.image if the local image list doesn't already
// report it present.
func (p *Pool) ensureImage(ctx context.Context) (bool, error) {
	tags, err := p.api.ImageList(ctx)
	if err == nil {
		for _, t := range tags {
			if t == p.image {
				return true, nil
			}
		}
	}
	rc, err := p.api.ImagePull(ctx, p.image)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return true, nil
}

// parseTestOutput uses the first "passed=N failed=N total=N" summary
// line it finds. Without one it falls back to a single generic result,
// since container output alone carries no exit-code signal once
// demultiplexed from Exec: a failure if the output contains "fail"
// (case-insensitive), otherwise a pass.
func parseTestOutput(out string) model.TestResults {
	for _, line := range strings.Split(out, "\n") {
		var passed, failed, total int
		if n, _ := fmt.Sscanf(strings.TrimSpace(line), "passed=%d failed=%d total=%d", &passed, &failed, &total); n == 3 {
			return model.TestResults{Passed: passed, Failed: failed, Total: total}
		}
	}
	if strings.Contains(strings.ToLower(out), "fail") {
		return model.TestResults{Passed: 0, Failed: 1, Total: 1}
	}
	return model.TestResults{Passed: 1, Failed: 0, Total: 1}
}

// realClient adapts the official *client.Client to APIClient.
type realClient struct {
	cli *client.Client
}

func (r *realClient) Ping(ctx context.Context) (bool, error) {
	_, err := r.cli.Ping(ctx)
	return err == nil, err
}

func (r *realClient) ImageList(ctx context.Context) ([]string, error) {
	imgs, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, img := range imgs {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

func (r *realClient) ImagePull(ctx context.Context, ref string) (io.ReadCloser, error) {
	return r.cli.ImagePull(ctx, ref, image.PullOptions{})
}

func (r *realClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *realClient) ContainerStart(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *realClient) ContainerExec(ctx context.Context, id string, cmd []string) (io.Reader, error) {
	execConfig := container.ExecOptions{Cmd: cmd, AttachStdout: true, AttachStderr: true}
	respID, err := r.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, err
	}
	attach, err := r.cli.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var out, errb bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errb, attach.Reader); err != nil {
		return nil, err
	}
	return io.MultiReader(&out, &errb), nil
}

func (r *realClient) ContainerStop(ctx context.Context, id string) error {
	return r.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (r *realClient) ContainerRemove(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

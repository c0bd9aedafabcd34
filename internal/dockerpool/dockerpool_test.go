package dockerpool

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"

	"opensprint/internal/model"
)

type fakeAPI struct {
	pingErr   error
	images    []string
	execOut   string
	createErr error
}

func (f *fakeAPI) Ping(ctx context.Context) (bool, error) { return f.pingErr == nil, f.pingErr }
func (f *fakeAPI) ImageList(ctx context.Context) ([]string, error) { return f.images, nil }
func (f *fakeAPI) ImagePull(ctx context.Context, ref string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "container-1", nil
}
func (f *fakeAPI) ContainerStart(ctx context.Context, id string) error { return nil }
func (f *fakeAPI) ContainerExec(ctx context.Context, id string, cmd []string) (io.Reader, error) {
	return strings.NewReader(f.execOut), nil
}
func (f *fakeAPI) ContainerStop(ctx context.Context, id string) error   { return nil }
func (f *fakeAPI) ContainerRemove(ctx context.Context, id string) error { return nil }

func TestPool_RunTests_ParsesSummaryLine(t *testing.T) {
	api := &fakeAPI{images: []string{"node:20"}, execOut: "running suite\npassed=4 failed=1 total=5\n"}
	p := NewWithClient(api, "node:20")

	got, err := p.RunTests(context.Background(), "/repo", "npm test")
	require.NoError(t, err)
	require.Equal(t, 4, got.Passed)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, 5, got.Total)
}

func TestPool_RunTests_FallsBackWithoutSummaryLine(t *testing.T) {
	api := &fakeAPI{images: []string{"node:20"}, execOut: "everything looks fine"}
	p := NewWithClient(api, "node:20")

	got, err := p.RunTests(context.Background(), "/repo", "npm test")
	require.NoError(t, err)
	require.Equal(t, model.TestResults{Passed: 1, Failed: 0, Total: 1}, got)
}

func TestPool_CheckDaemon(t *testing.T) {
	p := NewWithClient(&fakeAPI{}, "node:20")
	require.NoError(t, p.CheckDaemon(context.Background()))

	p = NewWithClient(&fakeAPI{pingErr: io.ErrClosedPipe}, "node:20")
	require.Error(t, p.CheckDaemon(context.Background()))
}

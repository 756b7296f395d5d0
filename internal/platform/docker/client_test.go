package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/dontdude/coliru/internal/domain"
)

type fakeDockerAPI struct {
	mu        sync.Mutex
	pulls     []string
	configs   []*container.Config
	hosts     []*container.HostConfig
	copied    map[string][]byte
	removed   []string
	logs      []byte
	exitCode  int64
	createErr error
	pullErr   error
}

func newFakeDockerAPI() *fakeDockerAPI {
	return &fakeDockerAPI{copied: make(map[string][]byte)}
}

func (f *fakeDockerAPI) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.configs = append(f.configs, config)
	f.hosts = append(f.hosts, hostConfig)
	return container.CreateResponse{ID: fmt.Sprintf("container-%d", len(f.configs))}, nil
}

func (f *fakeDockerAPI) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.copied[dstPath+"/"+hdr.Name] = data
		f.mu.Unlock()
	}
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDockerAPI) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	f.mu.Lock()
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	f.mu.Unlock()
	return statusCh, errCh
}

func (f *fakeDockerAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDockerAPI) setLogs(stdout, stderr string) {
	var buf bytes.Buffer
	if stderr != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
		_, _ = w.Write([]byte(stderr))
	}
	if stdout != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		_, _ = w.Write([]byte(stdout))
	}
	f.mu.Lock()
	f.logs = buf.Bytes()
	f.mu.Unlock()
}

func newTestClient(api *fakeDockerAPI) *Client {
	return newClient(api, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func wait(t *testing.T, comp *domain.Compilation) []domain.Update {
	t.Helper()
	var got []domain.Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-comp.Updates():
			if !ok {
				return got
			}
			got = append(got, u)
		case <-timeout:
			t.Fatal("compilation did not resolve")
		}
	}
}

func TestCompileRunsToolchainCommand(t *testing.T) {
	api := newFakeDockerAPI()
	api.setLogs("test string", "")
	c := newTestClient(api)

	opts := domain.Options{LinkLibraries: []string{"pthread"}, Includes: []string{"iostream"}}
	got := wait(t, c.Compile(context.Background(), "int main() { return 0; }", opts))

	assert.DeepEqual(t, got, []domain.Update{
		{State: domain.StateConnecting},
		{State: domain.StateRunning},
		{State: domain.StateFinished, Output: "test string"},
	})

	assert.Equal(t, len(api.configs), 1)
	cfg := api.configs[0]
	assert.Equal(t, cfg.Image, DefaultImage)
	assert.Equal(t, cfg.WorkingDir, DefaultWorkdir)
	assert.Assert(t, cfg.NetworkDisabled)
	assert.DeepEqual(t, []string(cfg.Cmd), []string{"sh", "-c", "g++ -std=c++11 -O2 -Wall -pedantic -pthread main.cpp -lpthread && ./a.out"})
	assert.Equal(t, api.hosts[0].Resources.Memory, int64(DefaultMemory))

	assert.Equal(t, string(api.copied["/tmp/main.cpp"]), "#include <iostream>\nint main() { return 0; }")
	assert.DeepEqual(t, api.removed, []string{"container-1"})
}

func TestCompileErrorOutputIsFinished(t *testing.T) {
	api := newFakeDockerAPI()
	api.exitCode = 1
	api.setLogs("", "main.cpp:1:14: error: 'burp' was not declared in this scope\n")
	c := newTestClient(api)

	got := wait(t, c.Compile(context.Background(), "int main() { burp; }", domain.Options{}))

	final := got[len(got)-1]
	assert.Equal(t, final.State, domain.StateFinished)
	assert.Check(t, is.Contains(final.Output, "error:"))
}

func TestCompileCombinesStreams(t *testing.T) {
	api := newFakeDockerAPI()
	api.setLogs("partial", "terminate called after throwing an instance of 'int'\n")
	c := newTestClient(api)

	got := wait(t, c.Compile(context.Background(), "int main() { throw 0; }", domain.Options{}))

	final := got[len(got)-1]
	assert.Equal(t, final.Output, "terminate called after throwing an instance of 'int'\npartial")
}

func TestCompileDockerFailureIsError(t *testing.T) {
	api := newFakeDockerAPI()
	api.createErr = errors.New("daemon unavailable")
	c := newTestClient(api)

	got := wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))

	final := got[len(got)-1]
	assert.Equal(t, final.State, domain.StateError)
	assert.Check(t, is.Contains(final.Output, "daemon unavailable"))
	assert.Equal(t, len(api.removed), 0)
}

func TestImagePulledOnce(t *testing.T) {
	api := newFakeDockerAPI()
	c := newTestClient(api)

	wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))
	wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))

	assert.DeepEqual(t, api.pulls, []string{DefaultImage})
}

func TestImagePullFailureIsError(t *testing.T) {
	api := newFakeDockerAPI()
	api.pullErr = errors.New("no such image")
	c := newTestClient(api)

	got := wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))

	final := got[len(got)-1]
	assert.Equal(t, final.State, domain.StateError)
	assert.Check(t, is.Contains(final.Output, "pull image gcc:latest"))
}

func TestImagePullRetriedAfterFailure(t *testing.T) {
	api := newFakeDockerAPI()
	api.pullErr = errors.New("registry timeout")
	c := newTestClient(api)

	first := wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))
	assert.Equal(t, first[len(first)-1].State, domain.StateError)

	api.mu.Lock()
	api.pullErr = nil
	api.mu.Unlock()
	api.setLogs("ok", "")

	second := wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))
	assert.DeepEqual(t, second[len(second)-1], domain.Update{State: domain.StateFinished, Output: "ok"})

	wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))
	assert.Equal(t, len(api.pulls), 2)
}

func TestImagePullSurvivesJobCancellation(t *testing.T) {
	api := newFakeDockerAPI()
	api.setLogs("ok", "")
	c := newTestClient(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wait(t, c.Compile(ctx, "int main() { return 0; }", domain.Options{}))

	got := wait(t, c.Compile(context.Background(), "int main() { return 0; }", domain.Options{}))
	assert.DeepEqual(t, got[len(got)-1], domain.Update{State: domain.StateFinished, Output: "ok"})
	assert.DeepEqual(t, api.pulls, []string{DefaultImage})
}

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/snippet"
	"github.com/dontdude/coliru/internal/toolchain"
)

// Defaults for the local compile container.
const (
	DefaultImage   = "gcc:latest"
	DefaultWorkdir = "/tmp"
	DefaultMemory  = 512 * 1024 * 1024 // 512MB
)

// PullTimeout bounds a single image pull.
const PullTimeout = 10 * time.Minute

// dockerAPI is the subset of the Docker SDK client the backend uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config configures the local compile backend.
type Config struct {
	// Image must provide g++ and sh. Default: DefaultImage.
	Image string
	// Workdir is where main.cpp is written. Default: DefaultWorkdir.
	Workdir string
	// MemoryBytes is the container memory cap. Default: DefaultMemory.
	MemoryBytes int64
	// Toolchain renders the shell command. Default: toolchain.Default.
	Toolchain *toolchain.Toolchain
	Logger    *slog.Logger
}

// Client compiles and runs source inside an ephemeral Docker container,
// using the same command the remote compile service receives.
type Client struct {
	cli       dockerAPI
	image     string
	workdir   string
	memory    int64
	toolchain toolchain.Toolchain
	logger    *slog.Logger

	pullMu sync.Mutex
	pulled bool
}

// Check if Client implements domain.Compiler
var _ domain.Compiler = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// If the Docker daemon is unreachable, the function panics to prevent the worker from starting in a broken state
// (Fail-Fast).
func NewClient(cfg Config) *Client {
	c, err := Dial(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Dial connects to the Docker daemon from the environment and pings it.
func Dial(cfg Config) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create Docker client", "error", err)
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err = cli.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Docker Daemon", "error", err)
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully")
	return newClient(cli, cfg), nil
}

func newClient(cli dockerAPI, cfg Config) *Client {
	c := &Client{
		cli:       cli,
		image:     cfg.Image,
		workdir:   cfg.Workdir,
		memory:    cfg.MemoryBytes,
		toolchain: toolchain.Default,
		logger:    cfg.Logger,
	}
	if c.image == "" {
		c.image = DefaultImage
	}
	if c.workdir == "" {
		c.workdir = DefaultWorkdir
	}
	if c.memory <= 0 {
		c.memory = DefaultMemory
	}
	if cfg.Toolchain != nil {
		c.toolchain = *cfg.Toolchain
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Compile runs source in a fresh container and returns immediately.
// Compile errors and crashes are program output, so they resolve as finished.
// Only Docker API failures resolve as error.
func (c *Client) Compile(ctx context.Context, source string, opts domain.Options) *domain.Compilation {
	comp := domain.NewCompilation()
	go c.run(ctx, snippet.WithIncludes(source, opts.Includes), c.toolchain.Command(opts.LinkLibraries), comp)
	return comp
}

func (c *Client) run(ctx context.Context, source, command string, comp *domain.Compilation) {
	comp.Report(domain.StateConnecting, "")

	output, err := c.execute(ctx, source, command, func() {
		comp.Report(domain.StateRunning, "")
	})
	if err != nil {
		c.logger.Error("Container compile failed", "image", c.image, "error", err)
		comp.Resolve(domain.StateError, err.Error())
		return
	}
	comp.Resolve(domain.StateFinished, output)
}

func (c *Client) execute(ctx context.Context, source, command string, started func()) (string, error) {
	// 1. Pull Image (once per client)
	if err := c.ensureImage(ctx); err != nil {
		return "", err
	}

	// 2. Create Container with Limits
	c.logger.Debug("Creating container", "image", c.image)
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:           c.image,
		Cmd:             []string{"sh", "-c", command},
		WorkingDir:      c.workdir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     c.memory,
			MemorySwap: c.memory,
		},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if err := c.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("Failed to remove container", "containerID", resp.ID, "error", err)
		}
	}()

	// 3. Copy the translation unit in
	archive, err := makeArchive(c.toolchain.SourceFile, []byte(source))
	if err != nil {
		return "", err
	}
	if err := c.cli.CopyToContainer(ctx, resp.ID, c.workdir, archive, container.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return "", fmt.Errorf("copy source: %w", err)
	}

	// 4. Start and wait
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	started()

	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return "", fmt.Errorf("container error: %s", status.Error.Message)
		}
		c.logger.Debug("Container exited", "containerID", resp.ID, "status", status.StatusCode)
	case err := <-errCh:
		return "", fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return "", fmt.Errorf("wait for container: %w", ctx.Err())
	}

	// 5. Collect combined output
	return c.combinedLogs(ctx, resp.ID)
}

// ensureImage pulls the image once per client. A failed pull is retried by the next job.
// The pull is detached from the job's cancellation and bounded by PullTimeout instead.
func (c *Client) ensureImage(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PullTimeout)
	defer cancel()

	c.logger.Info("Pulling image", "image", c.image)
	reader, err := c.cli.ImagePull(pullCtx, c.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", c.image, err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", c.image, err)
	}
	c.pulled = true
	return nil
}

// combinedLogs interleaves stdout and stderr the way the remote service reports them.
func (c *Client) combinedLogs(ctx context.Context, containerID string) (string, error) {
	logs, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("fetch logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return buf.String(), nil
}

func makeArchive(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("write tar contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return &buf, nil
}

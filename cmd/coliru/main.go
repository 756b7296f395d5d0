package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dontdude/coliru/internal/config"
	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/platform/coliru"
	"github.com/dontdude/coliru/internal/platform/docker"
	"github.com/dontdude/coliru/internal/platform/queue"
	"github.com/dontdude/coliru/internal/snippet"
)

// errRunFailed marks a compile that resolved with the error state.
var errRunFailed = errors.New("compile request failed")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coliru",
		Short:        "Compile and run C++ snippets on a remote compile service",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newSubmitCmd())
	return root
}

type compileFlags struct {
	links    []string
	includes []string
}

func (f *compileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.links, "link", "l", nil, "extra link library (repeatable)")
	cmd.Flags().StringSliceVarP(&f.includes, "include", "i", nil, "implicit #include header (repeatable)")
}

func (f *compileFlags) options() domain.Options {
	return domain.Options{LinkLibraries: f.links, Includes: f.includes}
}

func newRunCmd() *cobra.Command {
	var (
		flags   compileFlags
		url     string
		backend string
		image   string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Compile and run a file (or stdin) and print its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readSource(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if image == "" {
				image = cfg.DockerImage
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			compiler, err := newCompiler(backend, url, image, logger)
			if err != nil {
				return err
			}

			comp := compiler.Compile(cmd.Context(), snippet.MakeRunnable(source), flags.options())
			var final domain.Update
			for u := range comp.Updates() {
				if verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", u.State)
				}
				final = u
			}

			fmt.Fprint(cmd.OutOrStdout(), final.Output)
			if final.State == domain.StateError {
				return errRunFailed
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&url, "url", coliru.DefaultEndpoint, "compile service endpoint")
	cmd.Flags().StringVar(&backend, "backend", config.BackendColiru, "compiler backend: coliru or docker")
	cmd.Flags().StringVar(&image, "image", "", "container image for the docker backend (default $DOCKER_IMAGE)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print progress states to stderr")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		flags compileFlags
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Queue a file (or stdin) for the worker pool and print the job id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readSource(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.RedisAddr
			}

			redisQ := queue.NewRedisQueue(addr, cfg.QueueStream, cfg.QueueGroup, cfg.UpdatesChannel)
			defer redisQ.Close()

			job := domain.Job{
				ID:      uuid.New().String(),
				Source:  source,
				Options: flags.options(),
			}
			if err := redisQ.Publish(cmd.Context(), job); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "redis", "", "Redis address (default $REDIS_ADDR)")
	return cmd
}

// dialDocker is replaced in tests.
var dialDocker = docker.Dial

func newCompiler(backend, url, image string, logger *slog.Logger) (domain.Compiler, error) {
	switch backend {
	case config.BackendColiru:
		return coliru.New(coliru.Config{Endpoint: url, Logger: logger}), nil
	case config.BackendDocker:
		c, err := dialDocker(docker.Config{Image: image, Logger: logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, backend)
	}
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

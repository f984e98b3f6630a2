// Package process starts and signals worker processes.
package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/mattjoyce/workfarm/internal/config"
)

//go:generate mockgen -destination=mocks/mock_process.go -package=mocks github.com/mattjoyce/workfarm/internal/process Spawner,Process

// Options describes how to start one worker process.
type Options struct {
	Path string
	Args []string
	Dir  string
	// Env is the complete environment. Nil inherits the parent environment.
	Env []string
	// Silent forwards the child's stderr to Logger at debug level instead of
	// inheriting the parent's stderr.
	Silent bool
	Logger *slog.Logger
}

// ExitStatus describes how a process ended. Code is -1 when killed by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a running child with a bidirectional byte channel on stdin/stdout.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. Stdout must be drained first.
	Wait() (ExitStatus, error)
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (Process, error)
}

// OptionsFromConfig builds spawn options for a farm's module.
func OptionsFromConfig(f config.Farm, logger *slog.Logger) Options {
	opts := Options{
		Dir:    f.Fork.Dir,
		Silent: f.Fork.Stdio == config.StdioSilent,
		Logger: logger,
	}

	if f.Fork.ExecPath != "" {
		opts.Path = f.Fork.ExecPath
		opts.Args = append(opts.Args, f.Fork.ExecArgs...)
		opts.Args = append(opts.Args, f.Module)
	} else {
		opts.Path = f.Module
	}
	opts.Args = append(opts.Args, f.Fork.Args...)

	if len(f.Fork.Env) > 0 {
		opts.Env = mergeEnv(os.Environ(), f.Fork.Env)
	}
	return opts
}

// mergeEnv overlays extra onto base, later keys winning, in a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

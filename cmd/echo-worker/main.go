// Command echo-worker is a minimal workfarm module. Point farm.module at its
// binary to try a farm out or to smoke-test a deployment.
package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/workfarm/internal/executor"
)

func main() {
	executor.Main(module())
}

func module() executor.Module {
	return executor.Module{
		Default: echo,
		Methods: map[string]executor.Func{
			"echo":  echo,
			"upper": upper,
			"sleep": sleep,
			"pid": func(context.Context, executor.Args) (any, error) {
				return os.Getpid(), nil
			},
			"fail": func(_ context.Context, args executor.Args) (any, error) {
				msg := "failed on request"
				if args.Len() > 0 {
					if err := args.Decode(0, &msg); err != nil {
						return nil, err
					}
				}
				return nil, executor.WithStack(errors.New(msg))
			},
		},
	}
}

// echo returns its first argument, or every argument when there are several.
func echo(_ context.Context, args executor.Args) (any, error) {
	out := make([]any, args.Len())
	for i := range out {
		if err := args.Decode(i, &out[i]); err != nil {
			return nil, err
		}
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func upper(_ context.Context, args executor.Args) (any, error) {
	var s string
	if err := args.Decode(0, &s); err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

// sleep waits for the given number of milliseconds and returns the worker pid.
func sleep(ctx context.Context, args executor.Args) (any, error) {
	var ms int
	if err := args.Decode(0, &ms); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return os.Getpid(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

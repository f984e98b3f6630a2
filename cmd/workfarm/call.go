package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/log"
)

func newCallCmd() *cobra.Command {
	var (
		method    string
		broadcast bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call [ARG...]",
		Short: "Start a farm, run one call and print its result",
		Long: `call starts a farm from the config file, runs one call (or one call per
worker with --broadcast), prints the result as JSON and kills the farm.
Each ARG is parsed as JSON and falls back to a plain string.`,
		RunE: func(cmd *cobra.Command, argv []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel)

			f, err := farm.New(cfg.Farm)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Farm.KillTimeout+10*time.Second)
				defer cancel()
				_ = f.Kill(ctx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			args := parseCallArgs(argv)
			enc := json.NewEncoder(cmd.OutOrStdout())
			if !broadcast {
				res, err := f.RunMethod(ctx, method, args...)
				if err != nil {
					return err
				}
				v, err := res.Value()
				if err != nil {
					return fmt.Errorf("decode result: %w", err)
				}
				return enc.Encode(v)
			}

			outcomes, err := f.BroadcastMethod(ctx, method, args...)
			if err != nil {
				return err
			}
			ok, failed := outcomes.Partition()
			for _, o := range ok {
				v, err := o.Result.Value()
				if err != nil {
					return fmt.Errorf("decode result from worker %d: %w", o.WorkerID, err)
				}
				if err := enc.Encode(map[string]any{"worker_id": o.WorkerID, "result": v}); err != nil {
					return err
				}
			}
			for _, o := range failed {
				if err := enc.Encode(map[string]any{"worker_id": o.WorkerID, "error": o.Err.Error()}); err != nil {
					return err
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d workers failed", len(failed), len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "module method to call (default: the module's default function)")
	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "call every worker once")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the result")
	return cmd
}

func parseCallArgs(argv []string) []any {
	args := make([]any, 0, len(argv))
	for _, a := range argv {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		args = append(args, v)
	}
	return args
}

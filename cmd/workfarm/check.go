package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/doctor"
)

var errInvalidConfig = errors.New("configuration invalid")

func newCheckCmd() *cobra.Command {
	var (
		jsonOut      bool
		probe        bool
		probeTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and worker module",
		Long: `check reports every configuration problem at once. With --probe it also
starts one worker and waits for the module to load.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}

			res := doctor.New(cfg).Validate()
			if probe && res.Valid {
				if err := doctor.Probe(cmd.Context(), cfg.Farm, probeTimeout); err != nil {
					res.Errors = append(res.Errors, doctor.Issue{Category: "probe", Field: "farm.module", Message: err.Error()})
					res.Valid = false
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(res))
			}
			if !res.Valid {
				return errInvalidConfig
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	cmd.Flags().BoolVar(&probe, "probe", false, "start one worker and wait for the module to load")
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 10*time.Second, "how long --probe waits for the module")
	return cmd
}

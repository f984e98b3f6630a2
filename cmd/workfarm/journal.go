package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/journal"
	"github.com/mattjoyce/workfarm/internal/storage"
)

func newJournalCmd() *cobra.Command {
	var (
		dbPath  string
		farmID  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query recorded call outcomes and worker exits",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "journal database (default: journal.path from the config)")
	cmd.PersistentFlags().StringVar(&farmID, "farm", "", "only show this farm")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")

	open := func(ctx context.Context) (*journal.Journal, func(), error) {
		path := dbPath
		if path == "" {
			cfg, err := config.Read(configPath)
			if err != nil {
				return nil, nil, err
			}
			if !cfg.Journal.Enabled {
				return nil, nil, errors.New("journal is not enabled in the config; pass --db")
			}
			path = cfg.Journal.Path
		}
		db, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return journal.New(db), func() { _ = db.Close() }, nil
	}

	var (
		outcome string
		method  string
		limit   int
	)
	calls := &cobra.Command{
		Use:   "calls",
		Short: "List settled calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			recs, err := j.Calls(cmd.Context(), journal.Filter{FarmID: farmID, Outcome: outcome, Method: method, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			return writeCalls(cmd.OutOrStdout(), recs)
		},
	}
	calls.Flags().StringVar(&outcome, "outcome", "", "resolved or rejected")
	calls.Flags().StringVar(&method, "method", "", "only show this method")
	calls.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show outcome totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			s, err := j.Summarize(cmd.Context(), farmID)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved: %d\nrejected: %d\nretries:  %d\nmean:     %s\n",
				s.Resolved, s.Rejected, s.Retries, s.MeanDuration.Round(time.Microsecond))
			return nil
		},
	}

	exits := &cobra.Command{
		Use:   "exits",
		Short: "List worker exits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			recs, err := j.WorkerExits(cmd.Context(), farmID, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXITED\tFARM\tWORKER\tPID\tCODE\tSIGNAL")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
					r.ExitedAt.Local().Format(time.DateTime), short(r.FarmID), r.WorkerID, r.Pid, r.ExitCode, r.Signal)
			}
			return tw.Flush()
		},
	}
	exits.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	cmd.AddCommand(calls, summary, exits)
	return cmd
}

func writeCalls(w io.Writer, recs []journal.CallRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SETTLED\tFARM\tCALL\tWORKER\tMETHOD\tOUTCOME\tRETRIES\tDURATION\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.SettledAt.Local().Format(time.DateTime), short(r.FarmID), r.CallID, r.WorkerID,
			orDefault(r.Method), r.Outcome, r.Retries, r.Duration.Round(time.Millisecond), r.Error)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDefault(method string) string {
	if method == "" {
		return "(default)"
	}
	return method
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/tablesync/internal/engine"
	"github.com/harunnryd/tablesync/internal/monitor"
	"github.com/harunnryd/tablesync/internal/status"

	"github.com/spf13/cobra"
)

var fieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Compute and inspect derived fields",
	Long:  `Request computations of derived fields, query their status, and watch them until they resolve.`,
}

var fieldCalculateCmd = &cobra.Command{
	Use:   "calculate <record-id> <field-id>...",
	Short: "Compute derived fields of a record concurrently",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID, fieldIDs := args[0], args[1:]

		return executeWithEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			force := eng.DefaultForce()
			if cmd.Flags().Changed("force") {
				force, _ = cmd.Flags().GetBool("force")
			}

			res, err := eng.Dispatch(ctx, recordID, fieldIDs, force)
			if err != nil {
				return err
			}

			rows := dispatchRows(res, eng.Store())
			if err := printOutput(cmd.OutOrStdout(), outputFormat(cmd), rows, func() string { return renderFieldTable(rows) }); err != nil {
				return err
			}
			if failed := res.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d field(s) failed", len(failed), len(res.Keys))
			}
			return nil
		})
	},
}

var fieldStatusCmd = &cobra.Command{
	Use:   "status <record-id> <field-id>...",
	Short: "Query the current status of derived fields",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID, fieldIDs := args[0], args[1:]

		return executeWithEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			rows := make([]fieldRow, 0, len(fieldIDs))
			for _, fieldID := range fieldIDs {
				key := status.Key(recordID, fieldID)
				observed, err := eng.QueryStatus(ctx, key)
				if err != nil {
					rows = append(rows, newFieldRow(key, status.Errored(err.Error())))
					continue
				}
				st := status.Status{State: observed.State, Error: observed.ErrorMessage, CachedAt: observed.CachedAt}
				if observed.HasValue {
					st.Value = observed.Value
				}
				rows = append(rows, newFieldRow(key, st))
			}
			return printOutput(cmd.OutOrStdout(), outputFormat(cmd), rows, func() string { return renderFieldTable(rows) })
		})
	},
}

var fieldWatchCmd = &cobra.Command{
	Use:   "watch <record-id> <field-id>...",
	Short: "Poll derived fields until each one resolves",
	Long:  `Starts one monitor session per field, prints every status change and exits once all fields are cached or errored.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID, fieldIDs := args[0], args[1:]
		interval, _ := cmd.Flags().GetDuration("interval")

		return executeWithEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			out := cmd.ErrOrStderr()
			unsubscribe := eng.Store().Subscribe(recordID, func(key status.FieldKey, st status.Status) {
				line := fmt.Sprintf("%s  %-12s %s", time.Now().Format(time.TimeOnly), st.State, key.FieldID)
				if st.State == status.StateCached {
					line += " = " + formatValue(st.Value)
				}
				if st.Error != "" {
					line += ": " + st.Error
				}
				fmt.Fprintln(out, line)
			})
			defer unsubscribe()

			sessions := make([]*monitor.Session, 0, len(fieldIDs))
			for _, fieldID := range fieldIDs {
				s, err := eng.Watch(status.Key(recordID, fieldID), interval)
				if err != nil {
					return err
				}
				sessions = append(sessions, s)
			}

			for _, s := range sessions {
				if err := s.Wait(ctx); err != nil {
					return fmt.Errorf("watch interrupted: %w", err)
				}
			}

			rows := recordRows(recordID, eng.Store())
			return printOutput(cmd.OutOrStdout(), outputFormat(cmd), rows, func() string { return renderFieldTable(rows) })
		})
	},
}

func init() {
	fieldCalculateCmd.Flags().Bool("force", true, "recompute even when a cached value exists")
	fieldWatchCmd.Flags().Duration("interval", 0, "poll interval (default from monitor.poll_interval)")

	fieldCmd.AddCommand(fieldCalculateCmd)
	fieldCmd.AddCommand(fieldStatusCmd)
	fieldCmd.AddCommand(fieldWatchCmd)
	rootCmd.AddCommand(fieldCmd)
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/engine"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Edit records and refresh their derived fields",
}

type recordUpdateOutput struct {
	Record           compute.Record `json:"record" yaml:"record"`
	RecomputedFields []string       `json:"recomputed_fields" yaml:"recomputed_fields"`
	Fields           []fieldRow     `json:"fields" yaml:"fields"`
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <record-id> --set field=value...",
	Short: "Edit a record and refresh the derived fields that depend on it",
	Long: `Sends the edit to the table service. Derived fields recomputed with the
edit are cached immediately; every other field named with --derived is
dispatched afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID := args[0]
		assignments, _ := cmd.Flags().GetStringArray("set")
		derived, _ := cmd.Flags().GetStringSlice("derived")

		values, err := parseAssignments(assignments)
		if err != nil {
			return err
		}

		return executeWithEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			res, err := eng.EditAndRefresh(ctx, recordID, values, derived)
			if err != nil {
				return err
			}

			out := recordUpdateOutput{
				Record:           res.Updated.Record,
				RecomputedFields: res.Updated.RecomputedFields,
				Fields:           recordRows(recordID, eng.Store()),
			}
			err = printOutput(cmd.OutOrStdout(), outputFormat(cmd), out, func() string {
				summary := fmt.Sprintf("Updated %s; recomputed: %s", recordID, strings.Join(res.Updated.RecomputedFields, ", "))
				if len(out.Fields) == 0 {
					return summary
				}
				return summary + "\n" + renderFieldTable(out.Fields)
			})
			if err != nil {
				return err
			}
			if res.Dispatch != nil && !res.Dispatch.AllSucceeded {
				return fmt.Errorf("%d derived field(s) failed to refresh", len(res.Dispatch.Failed()))
			}
			return nil
		})
	},
}

var recordRefreshCmd = &cobra.Command{
	Use:   "refresh <record-id>...",
	Short: "Ask the table service to recompute every derived field of records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			res, err := eng.RefreshRecords(ctx, args)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), outputFormat(cmd), res, func() string {
				msg := fmt.Sprintf("Refreshed %d record(s)", res.RefreshedCount)
				if res.Message != "" {
					msg += ": " + res.Message
				}
				return msg
			})
		})
	},
}

// parseAssignments turns field=value pairs into an edit. Values are read as
// YAML scalars, so 30 is a number, true a bool and anything else a string.
func parseAssignments(assignments []string) (map[string]any, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("at least one --set field=value is required")
	}

	values := make(map[string]any, len(assignments))
	for _, a := range assignments {
		field, raw, ok := strings.Cut(a, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid assignment %q (want field=value)", a)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || isCollection(value) {
			value = raw
		}
		values[field] = value
	}
	return values, nil
}

func isCollection(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func init() {
	recordUpdateCmd.Flags().StringArray("set", nil, "field=value to write (repeatable)")
	recordUpdateCmd.Flags().StringSlice("derived", nil, "derived fields to refresh after the edit")

	recordCmd.AddCommand(recordUpdateCmd)
	recordCmd.AddCommand(recordRefreshCmd)
	rootCmd.AddCommand(recordCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/tablesync/internal/scheduler"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled refresh jobs",
	Long: `List and edit the cron jobs the daemon uses to refresh derived fields.
Editing needs the state directory lock, so stop the daemon first or use its
/v1/jobs endpoints.`,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List refresh jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobStore(func(jobs *scheduler.Store) error {
			list, err := jobs.LoadJobs()
			if err != nil {
				return err
			}
			if len(list) == 0 && outputFormat(cmd) == "table" {
				fmt.Fprintln(cmd.OutOrStdout(), "No refresh jobs scheduled.")
				return nil
			}
			return printOutput(cmd.OutOrStdout(), outputFormat(cmd), list, func() string {
				return renderJobTable(list) + fmt.Sprintf("\nTotal: %d job(s)", len(list))
			})
		})
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <cron> <record-id>...",
	Short: "Add a refresh job",
	Long: `Adds a job that refreshes records on a cron schedule ("*/15 * * * *" or
"@every 1h"). With --fields only those derived fields are recomputed;
otherwise every derived field of the records is batch-refreshed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		description, _ := cmd.Flags().GetString("description")
		fields, _ := cmd.Flags().GetStringSlice("fields")
		force, _ := cmd.Flags().GetBool("force")

		job := &scheduler.Job{
			ID:          id,
			Schedule:    args[0],
			Description: description,
			RecordIDs:   args[1:],
			FieldIDs:    fields,
			Force:       force,
		}

		return withJobStore(func(jobs *scheduler.Store) error {
			stored, err := jobs.Add(job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s scheduled, next run %s\n", stored.ID, stored.NextRun.Local().Format("2006-01-02 15:04:05"))
			return nil
		})
	},
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a refresh job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobStore(func(jobs *scheduler.Store) error {
			if err := jobs.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s removed.\n", args[0])
			return nil
		})
	},
}

// jobsFile is the YAML document accepted by schedule import.
type jobsFile struct {
	Jobs []scheduler.Job `yaml:"jobs"`
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add or replace refresh jobs from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := readJobsFile(args[0])
		if err != nil {
			return err
		}

		return withJobStore(func(jobs *scheduler.Store) error {
			imported, err := importJobs(jobs, defs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d job(s).\n", imported)
			return nil
		})
	},
}

func readJobsFile(path string) ([]scheduler.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s defines no jobs", path)
	}
	return file.Jobs, nil
}

// importJobs validates every definition before storing any of them.
func importJobs(jobs *scheduler.Store, defs []scheduler.Job) (int, error) {
	for i := range defs {
		if err := scheduler.Validate(&defs[i]); err != nil {
			return 0, fmt.Errorf("job %d (%s): %w", i+1, defs[i].ID, err)
		}
	}
	for i := range defs {
		if _, err := jobs.Add(&defs[i]); err != nil {
			return i, err
		}
	}
	return len(defs), nil
}

func init() {
	scheduleAddCmd.Flags().String("id", "", "job ID (generated when empty; an existing ID is replaced)")
	scheduleAddCmd.Flags().String("description", "", "free-form description")
	scheduleAddCmd.Flags().StringSlice("fields", nil, "derived fields to recompute (default: batch-refresh whole records)")
	scheduleAddCmd.Flags().Bool("force", true, "recompute even when a cached value exists")

	scheduleCmd.AddCommand(scheduleLsCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRmCmd)
	scheduleCmd.AddCommand(scheduleImportCmd)
	rootCmd.AddCommand(scheduleCmd)
}

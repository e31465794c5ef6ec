package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/spf13/cobra"
)

const defaultStaleAge = 10 * time.Minute

func SweepCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark pending jobs older than --max-age as failed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			if maxAge <= 0 {
				return fmt.Errorf("--max-age must be positive")
			}

			n, err := env.Jobs.MarkStaleAsFailed(cmd.Context(), maxAge)
			if err != nil {
				return fmt.Errorf("sweeping stale jobs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d stale job(s) as failed\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("max-age", defaultStaleAge, "Age after which a pending job is considered stale")
	return cmd
}

func PollCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Refresh recent pending jobs from upstream and relay their files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			minAge, _ := cmd.Flags().GetDuration("min-age")
			if minAge > maxAge {
				return fmt.Errorf("--min-age (%s) must not exceed --max-age (%s)", minAge, maxAge)
			}

			n, err := env.Poller.PollRecentPending(cmd.Context(), maxAge, minAge)
			if err != nil {
				return fmt.Errorf("polling pending jobs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d pending job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("max-age", 5*time.Minute, "Only poll jobs created within this window")
	cmd.Flags().Duration("min-age", 5*time.Second, "Skip jobs younger than this")
	return cmd
}

func ListCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")

			var jobs []*models.Job
			if status != "" {
				s := models.Status(status)
				if !s.Valid() {
					return fmt.Errorf("invalid --status %q: must be one of pending, processing, completed, failed", status)
				}
				var err error
				if jobs, err = env.Jobs.ListByStatus(cmd.Context(), s); err != nil {
					return fmt.Errorf("listing jobs: %w", err)
				}
			} else {
				p, err := env.Jobs.ListPaginated(cmd.Context(), store.PageRequest{Page: page, PageSize: pageSize})
				if err != nil {
					return fmt.Errorf("listing jobs: %w", err)
				}
				jobs = p.Jobs
				defer fmt.Fprintf(cmd.OutOrStdout(), "Page %d of %d (%d total)\n", p.Page, p.TotalPages, p.Total)
			}

			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tJOB ID\tSTATUS\tFILES\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.JobID, j.Status, len(j.Metadata.Files), j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("page-size", store.DefaultPageSize, "Jobs per page")
	return cmd
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func FilesCmd(env *Env) *cobra.Command {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect or remove a job's relayed files",
	}

	listCmd := &cobra.Command{
		Use:   "list [job-id]",
		Short: "List the files stored for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := env.Files.List(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("listing files: %w", err)
			}
			if len(files) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No files stored for job %s\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILENAME\tSIZE\tTYPE\tMODIFIED")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.Filename, f.Size, f.MimeType, f.ModifiedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [job-id]",
		Short: "Delete every file stored for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := env.Files.DeleteAll(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("deleting files: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("no files found for job %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d file(s) for job %s\n", n, args[0])
			return nil
		},
	}

	filesCmd.AddCommand(listCmd)
	filesCmd.AddCommand(deleteCmd)
	return filesCmd
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/jobrelay/internal/upstream"
	"github.com/spf13/cobra"
)

func SubmitCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [video]",
		Short: "Upload a video to the analysis service and print its job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			quality, _ := cmd.Flags().GetString("quality")
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
			}

			video, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading video: %w", err)
			}

			details, err := env.Upstream.Submit(cmd.Context(), video, upstream.SubmitOptions{
				Format:  format,
				Quality: quality,
			})
			if err != nil {
				return fmt.Errorf("submitting video: %w", err)
			}

			jobID := details.JobID
			if jobID == "" {
				jobID = details.ID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as job %s\n", filepath.Base(args[0]), jobID)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Container format (defaults to the file extension)")
	cmd.Flags().String("quality", "high", "Processing quality")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/blob"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/internal/upstream"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/spf13/cobra"
)

// JobStore is the subset of the repository the CLI uses.
type JobStore interface {
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error)
	ListPaginated(ctx context.Context, req store.PageRequest) (*store.Page, error)
	MarkStaleAsFailed(ctx context.Context, maxAge time.Duration) (int, error)
}

type Poller interface {
	PollRecentPending(ctx context.Context, maxAge, minAge time.Duration) (int, error)
}

type FileStore interface {
	List(ctx context.Context, jobID string) ([]blob.FileInfo, error)
	DeleteAll(ctx context.Context, jobID string) (int, error)
}

type Submitter interface {
	Submit(ctx context.Context, video []byte, opts upstream.SubmitOptions) (*upstream.JobDetails, error)
}

// Env is what a command runs against.
type Env struct {
	Jobs     JobStore
	Poller   Poller
	Files    FileStore
	Upstream Submitter
}

// Opener builds an Env. The returned func releases it.
type Opener func(ctx context.Context) (*Env, func(), error)

// NewRootCmd assembles the command tree. Backends are opened once, before
// the first subcommand runs.
func NewRootCmd(open Opener, out io.Writer) *cobra.Command {
	env := &Env{}
	closeEnv := func() {}

	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Operate the jobrelay job store and bucket",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, closer, err := open(cmd.Context())
			if err != nil {
				return fmt.Errorf("connecting backends: %w", err)
			}
			*env = *e
			closeEnv = closer
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			closeEnv()
		},
	}
	root.SetOut(out)

	root.AddCommand(SweepCmd(env))
	root.AddCommand(PollCmd(env))
	root.AddCommand(ListCmd(env))
	root.AddCommand(FilesCmd(env))
	root.AddCommand(SubmitCmd(env))
	return root
}

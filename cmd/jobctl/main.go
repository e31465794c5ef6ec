// Package main is jobctl, the operator CLI for jobrelay. It talks to the
// same backends as the server, configured from the same environment.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/jobrelay/internal/app"
	"github.com/kiranshivaraju/jobrelay/internal/config"
)

func main() {
	slog.SetDefault(app.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL")))

	root := NewRootCmd(openEnv, os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openEnv(ctx context.Context) (*Env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return &Env{
		Jobs:     a.Repo,
		Poller:   a.Service,
		Files:    a.Blobs,
		Upstream: a.Upstream,
	}, a.Close, nil
}

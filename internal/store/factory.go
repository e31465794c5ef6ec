package store

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/jobrelay/internal/config"
)

// Open constructs the document backend named by cfg.Store.Backend.
// Called once at process startup; the caller owns Close.
func Open(ctx context.Context, cfg *config.Config) (DocumentStore, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if err := RunMigrations(cfg.Database.URL, cfg.Store.MigrationsDir); err != nil {
			return nil, err
		}
		pool, err := Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		return NewDynamoStore(client, cfg.Dynamo.Table), nil
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.Store.SQLitePath)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown document store %q: must be one of postgres, dynamodb, sqlite, memory", cfg.Store.Backend)
	}
}

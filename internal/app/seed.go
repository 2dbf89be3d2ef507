package app

import (
	"context"
	"fmt"
	"log/slog"

	"sqllab/internal/db/repository"
	"sqllab/internal/domain"
)

// ExampleDatabaseName is the database registered on an empty development
// metastore.
const ExampleDatabaseName = "examples"

// seedExampleDatabase registers an in-memory DuckDB database so a fresh
// development install has something to query. Idempotent: it does nothing
// once any database is registered.
func seedExampleDatabase(ctx context.Context, repo *repository.DatabaseRepo, logger *slog.Logger) error {
	existing, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	d, err := repo.Create(ctx, &domain.Database{
		Name:           ExampleDatabaseName,
		Engine:         domain.EngineDuckDB,
		URI:            "duckdb://:memory:",
		AllowRunAsync:  true,
		AllowCTAS:      true,
		AllowCVAS:      true,
		ExposeInSQLLab: true,
	})
	if err != nil {
		return fmt.Errorf("create %s database: %w", ExampleDatabaseName, err)
	}
	logger.Info("registered example database", "database_id", d.ID, "engine", d.Engine)
	return nil
}

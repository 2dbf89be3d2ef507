package domain

import "time"

// Engine families understood by the dialect and engine packages.
const (
	EngineDuckDB     = "duckdb"
	EngineSQLite     = "sqlite"
	EnginePostgreSQL = "postgresql"
	EngineMySQL      = "mysql"
	EnginePresto     = "presto"
	EngineTrino      = "trino"
)

// Database is a registered engine connection that SQL Lab can query.
type Database struct {
	ID              int64
	Name            string
	Engine          string
	URI             string
	ForceCTASSchema string
	AllowRunAsync   bool
	AllowCTAS       bool
	AllowCVAS       bool
	AllowDML        bool
	ExposeInSQLLab  bool
	Extra           map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

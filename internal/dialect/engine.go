package dialect

import (
	"strings"

	"sqllab/internal/domain"
)

// LimitMethod is how an engine applies the negotiated row limit.
type LimitMethod string

// Limit methods.
const (
	// LimitFetchMany leaves the SQL untouched and stops reading after limit rows.
	LimitFetchMany LimitMethod = "fetch_many"
	// LimitWrapSQL wraps the statement in SELECT * FROM (...) LIMIT n.
	LimitWrapSQL LimitMethod = "wrap_sql"
)

// Spec carries the per-engine knobs of the execution pipeline.
type Spec struct {
	Engine      string
	LimitMethod LimitMethod
}

var specs = map[string]Spec{
	domain.EngineDuckDB:     {Engine: domain.EngineDuckDB, LimitMethod: LimitFetchMany},
	domain.EngineSQLite:     {Engine: domain.EngineSQLite, LimitMethod: LimitFetchMany},
	domain.EnginePostgreSQL: {Engine: domain.EnginePostgreSQL, LimitMethod: LimitFetchMany},
	domain.EngineMySQL:      {Engine: domain.EngineMySQL, LimitMethod: LimitFetchMany},
	domain.EnginePresto:     {Engine: domain.EnginePresto, LimitMethod: LimitWrapSQL},
	domain.EngineTrino:      {Engine: domain.EngineTrino, LimitMethod: LimitWrapSQL},
}

// SpecFor returns the engine spec, falling back to fetch-many defaults for
// unknown engines.
func SpecFor(engine string) Spec {
	if s, ok := specs[strings.ToLower(engine)]; ok {
		return s
	}
	return Spec{Engine: engine, LimitMethod: LimitFetchMany}
}

// DisallowedFunctions returns the configured function names for engine.
// Keys of the map are matched case-insensitively.
func DisallowedFunctions(engine string, configured map[string][]string) []string {
	for k, v := range configured {
		if strings.EqualFold(k, engine) {
			return v
		}
	}
	return nil
}

// SelectSchemaSQL returns the statement that makes schema the default for
// the session, or "" when the engine has no such statement. Trino takes the
// schema as a request header instead.
func SelectSchemaSQL(engine, schema string) string {
	if schema == "" {
		return ""
	}
	switch strings.ToLower(engine) {
	case domain.EngineDuckDB, domain.EngineMySQL:
		return "USE " + quoteIdent(engine, schema)
	case domain.EnginePostgreSQL:
		return "SET search_path TO " + quoteIdent(engine, schema)
	}
	return ""
}

func quoteIdent(engine, name string) string {
	if strings.EqualFold(engine, domain.EngineMySQL) {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}


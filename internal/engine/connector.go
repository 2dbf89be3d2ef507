package engine

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"sqllab/internal/domain"
)

// Connector caches one connection pool per registered database.
type Connector struct {
	mu      sync.RWMutex
	pools   map[int64]*pool
	maxOpen int
	open    func(driver, dsn string) (*sql.DB, error)
}

type pool struct {
	uri string
	db  *sql.DB
}

// NewConnector creates a Connector. maxOpen caps each pool; zero leaves the
// driver default.
func NewConnector(maxOpen int) *Connector {
	return &Connector{
		pools:   make(map[int64]*pool),
		maxOpen: maxOpen,
		open:    sql.Open,
	}
}

// DB returns the pool for d, opening it on first use. A changed URI
// replaces the cached pool.
func (c *Connector) DB(d *domain.Database) (*sql.DB, error) {
	c.mu.RLock()
	if p, ok := c.pools[d.ID]; ok && p.uri == d.URI {
		c.mu.RUnlock()
		return p.db, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[d.ID]; ok {
		if p.uri == d.URI {
			return p.db, nil
		}
		_ = p.db.Close()
		delete(c.pools, d.ID)
	}

	driver, dsn, err := DriverDSN(d.Engine, d.URI)
	if err != nil {
		return nil, err
	}
	db, err := c.open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database %d: %w", d.Engine, d.ID, err)
	}
	if c.maxOpen > 0 {
		db.SetMaxOpenConns(c.maxOpen)
	}
	c.pools[d.ID] = &pool{uri: d.URI, db: db}
	return db, nil
}

// Close closes every cached pool.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, p := range c.pools {
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.pools, id)
	}
	return firstErr
}

// DriverDSN maps an engine family and stored URI to a database/sql driver
// name and DSN.
func DriverDSN(engine, uri string) (driver, dsn string, err error) {
	switch strings.ToLower(engine) {
	case domain.EngineDuckDB:
		path := trimScheme(uri, "duckdb")
		if path == ":memory:" {
			path = ""
		}
		return "duckdb", path, nil
	case domain.EngineSQLite:
		path := trimScheme(uri, "sqlite")
		if path == "" {
			path = ":memory:"
		}
		return "sqlite3", path, nil
	case domain.EnginePostgreSQL:
		if scheme, rest, ok := strings.Cut(uri, "://"); ok && strings.HasPrefix(scheme, "postgres") {
			return "pgx", "postgres://" + rest, nil
		}
		return "pgx", uri, nil
	case domain.EngineMySQL:
		dsn, err := mysqlDSN(uri)
		return "mysql", dsn, err
	case domain.EnginePresto, domain.EngineTrino:
		dsn, err := trinoDSN(uri)
		return "trino", dsn, err
	default:
		return "", "", fmt.Errorf("no driver for engine %q", engine)
	}
}

// trimScheme strips "<scheme>://" and "<scheme>+<driver>://" prefixes. A
// leading slash after the scheme is kept only for absolute paths
// ("sqlite:////abs/path").
func trimScheme(uri, scheme string) string {
	s, rest, ok := strings.Cut(uri, "://")
	if !ok || !(s == scheme || strings.HasPrefix(s, scheme+"+")) {
		return uri
	}
	if strings.HasPrefix(rest, "/") {
		rest = rest[1:]
	}
	return rest
}

// mysqlDSN converts a mysql:// URL into the driver's DSN format. Values that
// are already driver DSNs pass through.
func mysqlDSN(uri string) (string, error) {
	s, _, ok := strings.Cut(uri, "://")
	if !ok || !(s == "mysql" || strings.HasPrefix(s, "mysql+")) {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse mysql uri: %w", err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}
	return cfg.FormatDSN(), nil
}

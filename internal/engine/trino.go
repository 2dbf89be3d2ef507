package engine

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/trinodb/trino-go-client/trino"
)

const (
	trinoProgressCallback       = "X-Trino-Progress-Callback"
	trinoProgressCallbackPeriod = "X-Trino-Progress-Callback-Period"
	trinoSchemaHeader           = "X-Trino-Schema"

	trinoProgressPeriod = 250 * time.Millisecond
)

// trinoServer splits a presto:// or trino:// URI into the coordinator base
// URL and the catalog and schema carried in its path. Parameters other than
// "protocol" are passed on as session properties.
func trinoServer(uri string) (server string, cfg *trino.Config, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, fmt.Errorf("parse trino uri: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	base, _, _ := strings.Cut(scheme, "+")
	switch base {
	case "presto", "trino":
	case "http", "https":
		scheme = base
	default:
		return "", nil, fmt.Errorf("parse trino uri: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("parse trino uri: missing host")
	}

	q := u.Query()
	protocol := q.Get("protocol")
	q.Del("protocol")
	switch {
	case scheme == "http" || scheme == "https":
		protocol = scheme
	case protocol == "" && u.Port() == "443":
		protocol = "https"
	case protocol == "":
		protocol = "http"
	}

	user := u.User.Username()
	if user == "" {
		user = "sqllab"
	}
	serverURL := url.URL{Scheme: protocol, Host: u.Host}
	server = serverURL.String()
	serverURL.User = url.User(user)
	if pw, ok := u.User.Password(); ok {
		serverURL.User = url.UserPassword(user, pw)
	}

	cfg = &trino.Config{ServerURI: serverURL.String(), Source: "sqllab"}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[0] != "" {
		cfg.Catalog = parts[0]
	}
	if len(parts) > 1 {
		cfg.Schema = parts[1]
	}
	if len(q) > 0 {
		cfg.SessionProperties = make(map[string]string, len(q))
		for k := range q {
			cfg.SessionProperties[k] = q.Get(k)
		}
	}
	return server, cfg, nil
}

func trinoDSN(uri string) (string, error) {
	_, cfg, err := trinoServer(uri)
	if err != nil {
		return "", err
	}
	dsn, err := cfg.FormatDSN()
	if err != nil {
		return "", fmt.Errorf("format trino dsn: %w", err)
	}
	return dsn, nil
}

// trinoTracker records the id of the latest query the coordinator reported
// and renders its UI link.
type trinoTracker struct {
	server string

	mu      sync.Mutex
	queryID string
}

var _ trino.ProgressUpdater = (*trinoTracker)(nil)

func newTrinoTracker(uri string) *trinoTracker {
	server, _, err := trinoServer(uri)
	if err != nil {
		return nil
	}
	return &trinoTracker{server: server}
}

// Update implements trino.ProgressUpdater.
func (t *trinoTracker) Update(info trino.QueryProgressInfo) {
	if info.QueryId == "" {
		return
	}
	t.mu.Lock()
	t.queryID = info.QueryId
	t.mu.Unlock()
}

// TrackingURL returns the coordinator UI page of the latest query, or "".
func (t *trinoTracker) TrackingURL() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queryID == "" {
		return ""
	}
	return t.server + "/ui/query.html?" + t.queryID
}

// args are the per-statement named arguments: the progress callback, and
// the schema header when the request selects one.
func (t *trinoTracker) args(schema string) []any {
	if t == nil {
		return nil
	}
	args := []any{
		sql.Named(trinoProgressCallback, t),
		sql.Named(trinoProgressCallbackPeriod, trinoProgressPeriod),
	}
	if schema != "" {
		args = append(args, sql.Named(trinoSchemaHeader, schema))
	}
	return args
}

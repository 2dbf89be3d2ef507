package engine

import (
	"database/sql"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trinodb/trino-go-client/trino"

	"sqllab/internal/domain"
)

func TestTrinoServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		wantServer  string
		wantUser    string
		wantCatalog string
		wantSchema  string
	}{
		{name: "presto with catalog and schema", uri: "presto://analyst@coord:8080/hive/web", wantServer: "http://coord:8080", wantUser: "analyst", wantCatalog: "hive", wantSchema: "web"},
		{name: "trino catalog only", uri: "trino://coord:8080/iceberg", wantServer: "http://coord:8080", wantUser: "sqllab", wantCatalog: "iceberg"},
		{name: "tls port", uri: "trino://bot@coord:443/tpch/tiny", wantServer: "https://coord:443", wantUser: "bot", wantCatalog: "tpch", wantSchema: "tiny"},
		{name: "explicit protocol", uri: "presto://coord:8443/hive?protocol=https", wantServer: "https://coord:8443", wantUser: "sqllab", wantCatalog: "hive"},
		{name: "plain http url", uri: "http://etl@coord:8080", wantServer: "http://coord:8080", wantUser: "etl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, cfg, err := trinoServer(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.wantServer, server)
			assert.Equal(t, tt.wantCatalog, cfg.Catalog)
			assert.Equal(t, tt.wantSchema, cfg.Schema)

			u, err := url.Parse(cfg.ServerURI)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, u.User.Username())
			assert.Nil(t, cfg.SessionProperties)
		})
	}
}

func TestTrinoServer_SessionPropertiesAndErrors(t *testing.T) {
	t.Parallel()

	_, cfg, err := trinoServer("trino://coord:8080/hive?query_max_run_time=1h&protocol=http")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"query_max_run_time": "1h"}, cfg.SessionProperties)

	_, _, err = trinoServer("hive://coord:10000")
	assert.Error(t, err)
	_, _, err = trinoServer("trino:///hive")
	assert.Error(t, err)
}

func TestDriverDSN_Trino(t *testing.T) {
	t.Parallel()

	for _, engine := range []string{domain.EnginePresto, domain.EngineTrino} {
		driver, dsn, err := DriverDSN(engine, "presto://analyst@coord:8080/hive/web")
		require.NoError(t, err)
		assert.Equal(t, "trino", driver)

		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Equal(t, "coord:8080", u.Host)
		assert.Equal(t, "analyst", u.User.Username())
		assert.Equal(t, "hive", u.Query().Get("catalog"))
		assert.Equal(t, "web", u.Query().Get("schema"))
	}
}

func TestTrinoTracker(t *testing.T) {
	t.Parallel()

	tracker := newTrinoTracker("trino://coord:8080/hive")
	require.NotNil(t, tracker)
	assert.Empty(t, tracker.TrackingURL(), "no query reported yet")

	tracker.Update(trino.QueryProgressInfo{QueryId: "20261018_120000_00001_abcde"})
	tracker.Update(trino.QueryProgressInfo{})
	assert.Equal(t, "http://coord:8080/ui/query.html?20261018_120000_00001_abcde", tracker.TrackingURL())

	tracker.Update(trino.QueryProgressInfo{QueryId: "20261018_120001_00002_abcde"})
	assert.Equal(t, "http://coord:8080/ui/query.html?20261018_120001_00002_abcde", tracker.TrackingURL())
}

func TestTrinoTracker_Args(t *testing.T) {
	t.Parallel()

	tracker := newTrinoTracker("trino://coord:8080/hive")
	args := tracker.args("web")
	require.Len(t, args, 3)
	assert.Equal(t, sql.Named(trinoProgressCallback, tracker), args[0])
	assert.Equal(t, sql.Named(trinoProgressCallbackPeriod, trinoProgressPeriod), args[1])
	assert.Equal(t, sql.Named(trinoSchemaHeader, "web"), args[2])
	assert.Len(t, tracker.args(""), 2)

	var none *trinoTracker
	assert.Nil(t, none.args("web"))
	assert.Empty(t, none.TrackingURL())
	assert.Nil(t, trackerFor(&domain.Database{Engine: domain.EngineSQLite}))
	assert.NotNil(t, trackerFor(&domain.Database{Engine: "Presto", URI: "presto://coord:8080"}))
}

func TestTracked_FillsEngineErrorURL(t *testing.T) {
	t.Parallel()

	tracker := newTrinoTracker("trino://coord:8080")
	tracker.Update(trino.QueryProgressInfo{QueryId: "q1"})

	err := tracked(engineError(assert.AnError), tracker)
	var ee *domain.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "http://coord:8080/ui/query.html?q1", ee.TrackingURL)

	err = tracked(engineError(assert.AnError), nil)
	require.ErrorAs(t, err, &ee)
	assert.Empty(t, ee.TrackingURL)
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YashengChen/crawlerkit"
)

const sampleConfig = `
mongo:
  uri: ${TEST_MONGO_URI}
  database: crawl
sql:
  driver: pgx
  host: db
  database: crawl
  options:
    sslmode: disable
  tables:
    - name: articles
      columns:
        - {name: Id, type: integer, primary_key: true, auto_increment: true}
        - {name: url, type: string, unique: true}
solr:
  url: http://localhost:8983/solr/articles
  timeout: 5s
snapshot:
  type: filesystem
  bucket: /data/snapshots
  escape_non_ascii: true
redis:
  addr: localhost:6379
  namespace: ptt
  ttl: 24h
tor:
  address: 127.0.0.1:9151
log:
  level: debug
  progress: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawlerkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://mongo:27017")

	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.NotNil(t, cfg.Mongo)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, "crawl", cfg.Mongo.Database)

	require.NotNil(t, cfg.SQL)
	assert.Equal(t, crawlerkit.DriverPgx, cfg.SQL.Driver)
	assert.Equal(t, "disable", cfg.SQL.Options["sslmode"])
	schema := cfg.schema()
	require.Len(t, schema.Tables, 1)
	assert.NoError(t, schema.Validate())
	assert.Equal(t, crawlerkit.ColumnString, schema.Tables[0].Columns[1].Type)

	require.NotNil(t, cfg.Solr)
	assert.Equal(t, 5*time.Second, cfg.Solr.Timeout)

	assert.True(t, cfg.snapshotConfig().EscapeNonASCII)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "127.0.0.1:9151", cfg.Tor.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Progress)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Mongo)
	assert.Nil(t, cfg.SQL)
	assert.Empty(t, cfg.schema().Tables)
	assert.Equal(t, crawlerkit.SnapshotConfig{Type: crawlerkit.SnapshotFilesystem, Bucket: "."}, cfg.snapshotConfig())
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "mongo: [unclosed"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "sql:\n  tables:\n    - name: t\n      columns:\n        - {name: a, type: blob}\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CRAWLERKIT_MONGO_URI", "mongodb://env")
	t.Setenv("CRAWLERKIT_MONGO_DATABASE", "envdb")
	t.Setenv("CRAWLERKIT_SQL_URL", "postgres://env/crawl")
	t.Setenv("CRAWLERKIT_SOLR_URL", "http://solr/core")
	t.Setenv("CRAWLERKIT_SNAPSHOT_DIR", "/tmp/snap")
	t.Setenv("CRAWLERKIT_SNAPSHOT_KEY", "a2V5")
	t.Setenv("CRAWLERKIT_TOR_PASSWORD", "secret")
	t.Setenv("CRAWLERKIT_LOG_LEVEL", "warn")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "mongodb://env", cfg.Mongo.URI)
	assert.Equal(t, "envdb", cfg.Mongo.Database)
	assert.Equal(t, crawlerkit.DriverPostgres, cfg.SQL.Driver)
	assert.Equal(t, "postgres://env/crawl", cfg.SQL.URL)
	assert.Equal(t, "http://solr/core", cfg.Solr.URL)
	assert.Equal(t, "/tmp/snap", cfg.snapshotConfig().Bucket)
	assert.Equal(t, "a2V5", cfg.snapshotConfig().EncryptionKey)
	assert.Equal(t, "secret", cfg.Tor.Password)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("site=ptt, page=1,page=2 ,ok=true")
	require.NoError(t, err)
	assert.Equal(t, "ok = true and page in [1 2] and site = ptt", f.String())
	assert.True(t, f.Matches(crawlerkit.Record{"site": "ptt", "page": int64(2), "ok": true}))

	f, err = parseFilter("")
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())

	_, err = parseFilter("site")
	assert.Error(t, err)
	_, err = parseFilter("=x")
	assert.Error(t, err)
}

func TestTypedValue(t *testing.T) {
	assert.Equal(t, int64(42), typedValue("42"))
	assert.Equal(t, true, typedValue("true"))
	assert.Equal(t, "ptt", typedValue("ptt"))
	assert.Equal(t, "1.5", typedValue("1.5"))
}

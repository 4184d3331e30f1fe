package crawlerkit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(level)
	return NewZapLogger(zap.New(core)), recorded
}

func bulkSummary(t *testing.T, recorded *observer.ObservedLogs) map[string]interface{} {
	t.Helper()
	entries := recorded.FilterMessage("bulk write finished").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	return entries[0].ContextMap()
}

func TestZapLogger_DocumentStoreBulkSummary(t *testing.T) {
	logger, recorded := newObservedLogger(zapcore.DebugLevel)
	store, _ := newTestDocumentStore(t)
	store.SetLogger(logger.Named("mongo"))
	ctx := context.Background()

	_, err := store.Create(ctx, "articles", articles(3))
	require.NoError(t, err)
	recorded.TakeAll()

	records := append(articles(2), Record{"_id": "fresh", "title": "new"})
	report, err := store.Create(ctx, "articles", records)
	require.NoError(t, err)
	require.Equal(t, 2, report.Duplicate)

	fields := bulkSummary(t, recorded)
	assert.Equal(t, backendMongo, fields["backend"])
	assert.Equal(t, "create", fields["operation"])
	assert.Equal(t, "articles", fields["target"])
	assert.EqualValues(t, 3, fields["total"])
	assert.EqualValues(t, 1, fields["success"])
	assert.EqualValues(t, 2, fields["duplicate"])
	assert.EqualValues(t, 0, fields["error"])
	assert.IsType(t, time.Duration(0), fields["duration"])

	dups := recorded.FilterMessage("duplicate record skipped").All()
	assert.Len(t, dups, 2)
	for _, e := range dups {
		assert.Equal(t, "mongo", e.LoggerName)
	}
}

func TestZapLogger_RelationalStoreBulkSummary(t *testing.T) {
	logger, recorded := newObservedLogger(zapcore.InfoLevel)
	store, mock := newMockStore(t, postgresDialect{driver: "postgres"})
	store.SetLogger(logger)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "articles" ("url") VALUES ($1) RETURNING "Id"`)).
		WithArgs("https://x/1").
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(int64(1)))
	mock.ExpectQuery(q(`INSERT INTO "articles" ("url") VALUES ($1) RETURNING "Id"`)).
		WithArgs("https://x/2").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), "articles", []Record{{"url": "https://x/1"}, {"url": "https://x/2"}})
	require.Error(t, err)

	fields := bulkSummary(t, recorded)
	assert.Equal(t, "postgres", fields["backend"])
	assert.Equal(t, "create", fields["operation"])
	assert.Equal(t, "articles", fields["target"])
	assert.EqualValues(t, 2, fields["total"])
	assert.EqualValues(t, 0, fields["success"])
	assert.EqualValues(t, 0, fields["duplicate"])
	assert.EqualValues(t, 1, fields["error"])
	assert.Contains(t, fields, "duration")

	rolledBack := recorded.FilterMessage("batch rolled back").All()
	require.Len(t, rolledBack, 1)
	assert.EqualValues(t, 1, rolledBack[0].ContextMap()["row"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestZapLogger_With(t *testing.T) {
	logger, recorded := newObservedLogger(zapcore.InfoLevel)

	logger.With("target", "articles").Debug("dropped below level")
	logger.With("target", "articles").Warn("slow batch", "rows", 100)

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{"target": "articles", "rows": int64(100)}, entries[0].ContextMap())
}

func TestNewZapLoggerFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.log")
	logger, err := NewZapLoggerFromConfig(LogConfig{Level: "warn", OutputPaths: []string{path}})
	require.NoError(t, err)
	logger.Info("not written")
	logger.Warn("written", "site", "ptt")
	require.NoError(t, logger.Sync())

	dev, err := NewZapLoggerFromConfig(LogConfig{Development: true, OutputPaths: []string{path}})
	require.NoError(t, err)
	assert.NotNil(t, dev)

	_, err = NewZapLoggerFromConfig(LogConfig{Level: "chatty"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

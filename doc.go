// Package crawlerkit persists crawled records into MongoDB, a SQL database
// (PostgreSQL or SQL Server) and Solr through one tolerant CRUD surface,
// and keeps crawl snapshots on the filesystem, S3, MinIO or GCS.
//
// # Overview
//
// A crawl produces loosely structured records. crawlerkit stores them
// without letting one bad record abort a batch:
//
//   - DocumentStore writes each record independently and reports a
//     per-record outcome (success, duplicate or error)
//   - RelationalStore writes a batch in a single transaction and rolls
//     the whole batch back on the first failure
//   - SearchIndex posts documents to a Solr core and commits
//   - Snapshot reads and writes JSON record files and MessagePack blobs
//   - SeenSet remembers record fingerprints across runs
//
// Every adapter classifies native driver errors into the same ErrorKind
// taxonomy, so callers can branch on IsDuplicateKey or IsConnection
// whatever the backend.
//
// # Quick Start
//
//	logger, _ := crawlerkit.NewZapLoggerFromConfig(crawlerkit.LogConfig{Level: "info"})
//	store, err := crawlerkit.NewDocumentStore(ctx, crawlerkit.DefaultMongoConfig("crawl"), logger)
//	if err != nil {
//		return err
//	}
//	defer store.Close(ctx)
//
//	report, err := store.Upsert(ctx, "articles", records, "url")
//	if err != nil {
//		// connection lost; report still counts what was attempted
//	}
//	logger.Info(report.Summary())
//
// Relational tables are declared before use:
//
//	schema := crawlerkit.Schema{Tables: []crawlerkit.Table{{
//		Name: "articles",
//		Columns: []crawlerkit.Column{
//			{Name: "Id", Type: crawlerkit.ColumnInteger, PrimaryKey: true, AutoIncrement: true},
//			{Name: "url", Type: crawlerkit.ColumnString, Unique: true, NotNull: true},
//			{Name: "title", Type: crawlerkit.ColumnText},
//		},
//	}}}
//	sqlStore, _ := crawlerkit.NewRelationalStore(cfg, logger)
//	_ = sqlStore.InitSchema(ctx, schema)
//	_, err = sqlStore.Create(ctx, "articles", records) // Id written back on success
//
// # Observability
//
// Adapters accept a Logger (NoOpLogger, StdLogger or ZapLogger), a Metrics
// sink (NoOpMetrics, InMemoryMetrics or PrometheusMetrics) and an Observer
// that is told about every bulk call and every record outcome. The
// ProgressObserver draws a terminal progress bar from those events.
//
// # Shared snapshots
//
// Several crawlers can append to one snapshot store. Snapshot.SetLocker
// with a DistributedLock serialises writes per key through Redis, and
// SnapshotConfig.EncryptionKey keeps objects AES-256-GCM encrypted at
// rest. A SearchIndex can be given a CircuitBreaker so a core that is
// down fails fast.
//
// # Subpackages
//
// crawlerkit/tor rotates the Tor exit through the control port.
// crawlerkit/mail sends crawl reports over SMTP. cmd/crawlerkit wires all
// of it into a command line tool.
package crawlerkit

package crawlerkit

import (
	"context"
	"strings"
	"time"
)

const backendMongo = "mongo"

// RetrieveMode selects how many records Retrieve returns.
type RetrieveMode int

const (
	RetrieveAll RetrieveMode = iota
	RetrieveOne
)

// UpdateResult reports the effect of a merge update.
// A matched record whose fields already held the patched values counts as
// matched but not modified.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	Upserted   int64
	UpsertedID interface{}
}

// documentBackend is the native surface the DocumentStore drives.
// Errors come back unclassified.
type documentBackend interface {
	InsertOne(ctx context.Context, target string, rec Record) (interface{}, error)
	UpdateMany(ctx context.Context, target string, filter Filter, patch Record, upsert bool) (UpdateResult, error)
	Find(ctx context.Context, target string, filter Filter, limit int64) ([]Record, error)
	DeleteOne(ctx context.Context, target string, filter Filter) (int64, error)
	TargetExists(ctx context.Context, target string) (bool, error)
	DropTarget(ctx context.Context, target string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Classify(err error) ErrorKind
}

// DocumentStore is the tolerant CRUD adapter over a document database.
// Bulk writes attempt every record independently and report per-record
// outcomes; only a connection failure stops a bulk write early.
type DocumentStore struct {
	instrumentation
	backend documentBackend
	workers int
}

// NewDocumentStore connects to MongoDB and verifies the connection.
// Connection and authentication failures are returned as ConnectionError.
func NewDocumentStore(ctx context.Context, cfg MongoConfig, logger Logger) (*DocumentStore, error) {
	backend, err := dialMongo(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := newDocumentStore(backend, logger)
	store.logger.Info("document store connected", "database", cfg.Database)
	return store, nil
}

func newDocumentStore(backend documentBackend, logger Logger) *DocumentStore {
	return &DocumentStore{
		instrumentation: newInstrumentation(backendMongo, logger),
		backend:         backend,
		workers:         DefaultWorkers,
	}
}

// SetWorkers sets how many records a bulk write attempts concurrently.
func (s *DocumentStore) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.workers = n
}

// Classify maps a native driver error to the shared taxonomy.
func (s *DocumentStore) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	return s.backend.Classify(err)
}

func (s *DocumentStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return classified(s.Classify(err), backendMongo, op, err)
}

func validateTarget(backend, op, target string) error {
	if strings.TrimSpace(target) == "" {
		return validationError(backend, op, "target name is required")
	}
	return nil
}

func validateRecords(backend, op string, records []Record) error {
	for i, rec := range records {
		if rec == nil {
			return validationError(backend, op, "record %d is nil", i)
		}
	}
	return nil
}

// Create inserts each record independently. A generated _id is written
// back into the record. Duplicates and per-record failures are counted,
// not returned; the error is non-nil only for invalid arguments or a
// connection failure.
func (s *DocumentStore) Create(ctx context.Context, target string, records []Record) (BulkReport, error) {
	const op = "create"
	if err := validateTarget(backendMongo, op, target); err != nil {
		return BulkReport{}, err
	}
	if err := validateRecords(backendMongo, op, records); err != nil {
		return BulkReport{}, err
	}

	return s.runTolerant(ctx, op, target, DefaultUpsertKey, records, s.workers, func(ctx context.Context, rec Record) WriteOutcome {
		id, err := s.backend.InsertOne(ctx, target, rec)
		if err != nil {
			return failedOutcome(rec.Identity(DefaultUpsertKey), s.wrap(op, err))
		}
		if _, has := rec[DefaultUpsertKey]; !has && id != nil {
			rec[DefaultUpsertKey] = id
		}
		return successOutcome(rec.Identity(DefaultUpsertKey))
	})
}

// Update merges patch into every record matching filter. With upsert and
// no match, a record equal to patch is inserted.
func (s *DocumentStore) Update(ctx context.Context, target string, patch Record, filter Filter, upsert bool) (UpdateResult, error) {
	const op = "update"
	if err := validateTarget(backendMongo, op, target); err != nil {
		return UpdateResult{}, err
	}
	if len(patch) == 0 {
		return UpdateResult{}, validationError(backendMongo, op, "patch must contain at least one field")
	}
	if err := filter.Validate(); err != nil {
		return UpdateResult{}, validationError(backendMongo, op, "%v", err)
	}

	start := time.Now()
	res, err := s.backend.UpdateMany(ctx, target, filter, patch, upsert)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "target", target, "filter", filter.String())
		return UpdateResult{}, err
	}

	s.logger.Debug("update applied",
		"target", target,
		"filter", filter.String(),
		"matched", res.Matched,
		"modified", res.Modified,
		"upserted", res.Upserted,
	)
	return res, nil
}

// Upsert merges each record into the record sharing its keyField value,
// inserting it when none exists. keyField defaults to "_id".
//
// A record that matched but changed nothing is reported as a duplicate
// (a no-op), so re-applying the same records yields Success 0.
func (s *DocumentStore) Upsert(ctx context.Context, target string, records []Record, keyField string) (BulkReport, error) {
	const op = "upsert"
	if keyField == "" {
		keyField = DefaultUpsertKey
	}
	if err := validateTarget(backendMongo, op, target); err != nil {
		return BulkReport{}, err
	}
	if err := validateRecords(backendMongo, op, records); err != nil {
		return BulkReport{}, err
	}
	for i, rec := range records {
		if _, ok := rec[keyField]; !ok {
			return BulkReport{}, validationError(backendMongo, op, "record %d has no %q field", i, keyField)
		}
	}

	return s.runTolerant(ctx, op, target, keyField, records, s.workers, func(ctx context.Context, rec Record) WriteOutcome {
		key := rec[keyField]
		res, err := s.backend.UpdateMany(ctx, target, Eq(keyField, key), rec, true)
		if err != nil {
			return failedOutcome(key, s.wrap(op, err))
		}
		out := WriteOutcome{
			Tag:      OutcomeSuccess,
			Identity: key,
			Matched:  res.Matched,
			Modified: res.Modified,
			Upserted: res.Upserted,
		}
		if res.Upserted == 0 && res.Modified == 0 {
			out.Tag = OutcomeDuplicate
		}
		return out
	})
}

// Retrieve returns the records matching filter. RetrieveOne returns at
// most one record; an empty slice means no match.
func (s *DocumentStore) Retrieve(ctx context.Context, target string, filter Filter, mode RetrieveMode) ([]Record, error) {
	const op = "retrieve"
	if err := validateTarget(backendMongo, op, target); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, validationError(backendMongo, op, "%v", err)
	}

	var limit int64
	if mode == RetrieveOne {
		limit = 1
	}

	start := time.Now()
	records, err := s.backend.Find(ctx, target, filter, limit)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "target", target, "filter", filter.String())
		return nil, err
	}

	s.metrics.Histogram(MetricRetrieveResults, float64(len(records)), s.tags(op)...)
	s.logger.Debug("retrieved records", "target", target, "filter", filter.String(), "count", len(records))
	return records, nil
}

// Delete removes at most one record matching filter and returns how many
// were removed.
func (s *DocumentStore) Delete(ctx context.Context, target string, filter Filter) (int64, error) {
	const op = "delete"
	if err := validateTarget(backendMongo, op, target); err != nil {
		return 0, err
	}
	if err := filter.Validate(); err != nil {
		return 0, validationError(backendMongo, op, "%v", err)
	}

	start := time.Now()
	n, err := s.backend.DeleteOne(ctx, target, filter)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "target", target, "filter", filter.String())
		return 0, err
	}

	s.logger.Debug("deleted records", "target", target, "filter", filter.String(), "count", n)
	return n, nil
}

// DropTarget drops the named collection. It returns true only when the
// collection existed and is gone afterwards; failures are logged.
func (s *DocumentStore) DropTarget(ctx context.Context, target string) bool {
	const op = "drop"
	if strings.TrimSpace(target) == "" {
		return false
	}

	exists, err := s.backend.TargetExists(ctx, target)
	if err != nil {
		s.fail(op, s.wrap(op, err), "target", target)
		return false
	}
	if !exists {
		s.logger.Warn("drop skipped, target does not exist", "target", target)
		return false
	}

	if err := s.backend.DropTarget(ctx, target); err != nil {
		s.fail(op, s.wrap(op, err), "target", target)
		return false
	}

	stillThere, err := s.backend.TargetExists(ctx, target)
	if err != nil {
		s.fail(op, s.wrap(op, err), "target", target)
		return false
	}
	if stillThere {
		s.logger.Error("drop did not remove target", "target", target)
		return false
	}

	s.logger.Info("target dropped", "target", target)
	return true
}

// CheckConnection pings the server; it never returns an error.
func (s *DocumentStore) CheckConnection(ctx context.Context) bool {
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Warn("document store ping failed", "error", err)
		return false
	}
	return true
}

// Close releases the client.
func (s *DocumentStore) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}

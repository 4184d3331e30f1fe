package crawlerkit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// RelationalStore is the transactional adapter over a SQL database with an
// explicitly declared table mapping. A bulk create either persists every
// row or none.
type RelationalStore struct {
	instrumentation
	cfg     SQLConfig
	dialect dialect
	db      *sql.DB

	// openAdmin connects to the server's maintenance database for InitSchema.
	openAdmin func() (*sql.DB, error)

	mu     sync.RWMutex
	tables map[string]Table
}

// NewRelationalStore prepares the connection pool. No connection is made
// until the first call.
func NewRelationalStore(cfg SQLConfig, logger Logger) (*RelationalStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "Driver", "reason": err.Error()})
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, classified(KindConnection, cfg.Driver, "open", err)
	}
	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, DefaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, DefaultMaxIdleConns))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultConnMaxLifetime
	}
	db.SetConnMaxLifetime(lifetime)

	store := newRelationalStore(db, d, cfg, logger)
	store.openAdmin = func() (*sql.DB, error) {
		return sql.Open(d.driverName(), d.buildDSN(cfg, d.adminDatabase()))
	}
	return store, nil
}

func newRelationalStore(db *sql.DB, d dialect, cfg SQLConfig, logger Logger) *RelationalStore {
	return &RelationalStore{
		instrumentation: newInstrumentation(cfg.Driver, logger),
		cfg:             cfg,
		dialect:         d,
		db:              db,
		tables:          make(map[string]Table),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Classify maps a native driver error to the shared taxonomy.
func (s *RelationalStore) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	return s.dialect.classify(err)
}

func (s *RelationalStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return classified(s.Classify(err), s.backend, op, err)
}

// Register makes tables known without issuing any DDL, for databases
// whose schema is managed elsewhere.
func (s *RelationalStore) Register(schema Schema) error {
	if err := schema.Validate(); err != nil {
		return validationError(s.backend, "register", "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range schema.Tables {
		s.tables[t.Name] = t
	}
	return nil
}

func (s *RelationalStore) table(op, name string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return Table{}, validationError(s.backend, op, "table %q is not declared", name)
	}
	return t, nil
}

// InitSchema creates the configured database when it is missing, then
// every declared table that does not exist yet. It is safe to call again.
func (s *RelationalStore) InitSchema(ctx context.Context, schema Schema) error {
	const op = "init_schema"
	if err := schema.Validate(); err != nil {
		return validationError(s.backend, op, "%v", err)
	}

	start := time.Now()
	err := s.initSchema(ctx, schema)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err)
		return err
	}

	s.mu.Lock()
	for _, t := range schema.Tables {
		s.tables[t.Name] = t
	}
	s.mu.Unlock()

	s.logger.Info("schema initialised", "database", s.cfg.DatabaseName(), "tables", len(schema.Tables))
	return nil
}

func (s *RelationalStore) initSchema(ctx context.Context, schema Schema) error {
	const op = "init_schema"
	if err := s.ensureDatabase(ctx); err != nil {
		return err
	}
	for _, t := range schema.Tables {
		stmt := s.dialect.createTable(t)
		s.echo(stmt)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap(op, fmt.Errorf("create table %s: %w", t.Name, err))
		}
	}
	return nil
}

func (s *RelationalStore) ensureDatabase(ctx context.Context) error {
	const op = "init_schema"
	name := s.cfg.DatabaseName()
	if name == "" || s.openAdmin == nil {
		return nil
	}

	admin, err := s.openAdmin()
	if err != nil {
		return classified(KindConnection, s.backend, op, err)
	}
	defer admin.Close()

	var one int
	err = admin.QueryRowContext(ctx, s.dialect.databaseExistsQuery(), name).Scan(&one)
	switch {
	case err == nil:
		return nil
	case err != sql.ErrNoRows:
		return s.wrap(op, err)
	}

	stmt := s.dialect.createDatabase(name)
	s.echo(stmt)
	if _, err := admin.ExecContext(ctx, stmt); err != nil {
		return s.wrap(op, fmt.Errorf("create database %s: %w", name, err))
	}
	s.logger.Info("database created", "database", name)
	return nil
}

// withTx runs fn in a transaction that always ends: committed when fn
// succeeds, rolled back on error or panic.
func (s *RelationalStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "backend", s.backend, "operation", op, "error", rbErr)
		}
		return s.wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

func (s *RelationalStore) echo(stmt string, args ...interface{}) {
	if s.cfg.Echo {
		s.logger.Info("sql", "statement", stmt, "args", args)
	}
}

// Create inserts every record in one transaction and writes each generated
// primary key back into its record. On any row failure nothing persists,
// written-back keys are removed again and the classified error is
// returned with Success 0 and Error 1.
func (s *RelationalStore) Create(ctx context.Context, table string, records []Record) (BulkReport, error) {
	const op = "create"
	t, err := s.table(op, table)
	if err != nil {
		return BulkReport{}, err
	}
	if err := validateRecords(s.backend, op, records); err != nil {
		return BulkReport{}, err
	}
	for i, rec := range records {
		if err := t.checkRecord(rec); err != nil {
			return BulkReport{}, validationError(s.backend, op, "record %d: %v", i, err)
		}
	}

	start := time.Now()
	report := BulkReport{Operation: op, Target: table, Total: len(records)}
	s.observer.BulkStarted(op, table, len(records))
	s.metrics.Histogram(MetricBulkSize, float64(len(records)), s.tags(op)...)

	pk := t.PrimaryKey().Name
	var written []int
	failed := -1

	err = s.withTx(ctx, op, func(tx *sql.Tx) error {
		for i, rec := range records {
			failed = i
			columns, args, err := s.insertArgs(t, rec)
			if err != nil {
				return validationError(s.backend, op, "record %d: %v", i, err)
			}
			stmt, args, err := s.dialect.insert(t, columns, args)
			if err != nil {
				return validationError(s.backend, op, "record %d: %v", i, err)
			}
			s.echo(stmt, args...)

			var id interface{}
			if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
				return err
			}
			if _, has := rec[pk]; !has {
				rec[pk] = fromColumn(t.PrimaryKey(), id)
				written = append(written, i)
			}
		}
		failed = -1
		return nil
	})

	if err != nil {
		for _, i := range written {
			delete(records[i], pk)
		}
		var identity interface{}
		if failed >= 0 {
			identity = records[failed].Identity(pk)
		}
		out := failedOutcome(identity, err)
		out.Tag = OutcomeError
		report.Error = 1
		s.recordOutcome(op, table, out)
		s.logger.Error("batch rolled back",
			"backend", s.backend,
			"table", table,
			"row", failed,
			"kind", KindOf(err).String(),
			"error", err,
		)
		s.done(op, start, err)
		s.finishBulk(report, start)
		return report, err
	}

	for _, rec := range records {
		s.recordOutcome(op, table, successOutcome(rec.Identity(pk)))
	}
	report.Success = len(records)
	s.finishBulk(report, start)
	return report, nil
}

// insertArgs lists the record's fields in declared column order.
func (s *RelationalStore) insertArgs(t Table, rec Record) ([]string, []interface{}, error) {
	var columns []string
	var args []interface{}
	for _, c := range t.Columns {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		arg, err := toColumn(c, v)
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, c.Name)
		args = append(args, arg)
	}
	return columns, args, nil
}

// Retrieve returns the rows matching filter.
func (s *RelationalStore) Retrieve(ctx context.Context, table string, filter Filter) ([]Record, error) {
	const op = "retrieve"
	t, err := s.table(op, table)
	if err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, validationError(s.backend, op, "%v", err)
	}
	predicates, err := s.predicates(t, filter)
	if err != nil {
		return nil, validationError(s.backend, op, "%v", err)
	}

	columns := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		columns[i] = s.dialect.quote(c.Name)
	}
	query := s.dialect.statements().Select(columns...).From(s.dialect.quote(t.Name))
	for _, p := range predicates {
		query = query.Where(p)
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, validationError(s.backend, op, "%v", err)
	}
	s.echo(stmt, args...)

	start := time.Now()
	records, err := s.queryTable(ctx, t, stmt, args)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "table", table, "filter", filter.String())
		return nil, err
	}

	s.metrics.Histogram(MetricRetrieveResults, float64(len(records)), s.tags(op)...)
	s.logger.Debug("retrieved rows", "table", table, "filter", filter.String(), "count", len(records))
	return records, nil
}

func (s *RelationalStore) queryTable(ctx context.Context, t Table, stmt string, args []interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		values := make([]interface{}, len(t.Columns))
		ptrs := make([]interface{}, len(t.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(t.Columns))
		for i, c := range t.Columns {
			rec[c.Name] = fromColumn(c, values[i])
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// predicates turns each filter clause into an equality or IN predicate on
// the quoted column. An empty IN set matches nothing.
func (s *RelationalStore) predicates(t Table, filter Filter) ([]sq.Sqlizer, error) {
	var preds []sq.Sqlizer
	for _, c := range filter.Clauses() {
		col, ok := t.Column(c.Field)
		if !ok {
			return nil, fmt.Errorf("table %s has no column %q", t.Name, c.Field)
		}
		name := s.dialect.quote(col.Name)
		switch {
		case c.Op == OpInSet:
			values := make([]interface{}, len(c.Values))
			for i, v := range c.Values {
				arg, err := toColumn(col, v)
				if err != nil {
					return nil, err
				}
				values[i] = arg
			}
			preds = append(preds, sq.Eq{name: values})
		case c.Value == nil:
			preds = append(preds, sq.Eq{name: nil})
		default:
			arg, err := toColumn(col, c.Value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sq.Eq{name: arg})
		}
	}
	return preds, nil
}

// Update patches the row with the given primary key in its own
// transaction and returns the number of affected rows.
func (s *RelationalStore) Update(ctx context.Context, table string, id interface{}, patch Record) (int64, error) {
	const op = "update"
	t, err := s.table(op, table)
	if err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, validationError(s.backend, op, "patch must contain at least one field")
	}
	pk := t.PrimaryKey()
	if _, ok := patch[pk.Name]; ok {
		return 0, validationError(s.backend, op, "primary key %q cannot be patched", pk.Name)
	}
	if err := t.checkRecord(patch); err != nil {
		return 0, validationError(s.backend, op, "%v", err)
	}

	update := s.dialect.statements().Update(s.dialect.quote(t.Name))
	for _, c := range t.Columns {
		v, ok := patch[c.Name]
		if !ok {
			continue
		}
		arg, err := toColumn(c, v)
		if err != nil {
			return 0, validationError(s.backend, op, "%v", err)
		}
		update = update.Set(s.dialect.quote(c.Name), arg)
	}
	stmt, args, err := update.Where(sq.Eq{s.dialect.quote(pk.Name): id}).ToSql()
	if err != nil {
		return 0, validationError(s.backend, op, "%v", err)
	}

	return s.execInTx(ctx, op, table, stmt, args)
}

// Delete removes the row with the given primary key in its own
// transaction and returns the number of affected rows.
func (s *RelationalStore) Delete(ctx context.Context, table string, id interface{}) (int64, error) {
	const op = "delete"
	t, err := s.table(op, table)
	if err != nil {
		return 0, err
	}
	stmt, args, err := s.dialect.statements().
		Delete(s.dialect.quote(t.Name)).
		Where(sq.Eq{s.dialect.quote(t.PrimaryKey().Name): id}).
		ToSql()
	if err != nil {
		return 0, validationError(s.backend, op, "%v", err)
	}
	return s.execInTx(ctx, op, table, stmt, args)
}

func (s *RelationalStore) execInTx(ctx context.Context, op, table, stmt string, args []interface{}) (int64, error) {
	s.echo(stmt, args...)
	start := time.Now()

	var affected int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "table", table, "rolled_back", true)
		return 0, err
	}
	s.logger.Debug("rows affected", "operation", op, "table", table, "count", affected)
	return affected, nil
}

// RawQuery runs a single read statement and returns its rows keyed by
// result column name. Anything that could modify data is rejected before
// it reaches the server.
func (s *RelationalStore) RawQuery(ctx context.Context, sqlText string, args ...interface{}) ([]Record, error) {
	const op = "raw_query"
	if err := screenReadOnly(sqlText); err != nil {
		return nil, validationError(s.backend, op, "%v", err)
	}
	s.echo(sqlText, args...)

	start := time.Now()
	records, err := s.queryRaw(ctx, sqlText, args)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "statement", sqlText)
		return nil, err
	}
	s.metrics.Histogram(MetricRetrieveResults, float64(len(records)), s.tags(op)...)
	return records, nil
}

func (s *RelationalStore) queryRaw(ctx context.Context, sqlText string, args []interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := []Record{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(names))
		for i, name := range names {
			if b, ok := values[i].([]byte); ok {
				rec[name] = string(b)
				continue
			}
			rec[name] = values[i]
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DropTable drops the table if it exists. Failures are logged and
// reported as false.
func (s *RelationalStore) DropTable(ctx context.Context, table string) bool {
	const op = "drop"
	if table == "" {
		return false
	}
	stmt := "DROP TABLE IF EXISTS " + s.dialect.quote(table)
	s.echo(stmt)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.fail(op, s.wrap(op, err), "table", table)
		return false
	}

	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()
	s.logger.Info("table dropped", "table", table)
	return true
}

// CheckConnection runs SELECT 1; it never returns an error.
func (s *RelationalStore) CheckConnection(ctx context.Context) bool {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		s.logger.Warn("relational store ping failed", "error", err)
		return false
	}
	return true
}

// Close releases the pool.
func (s *RelationalStore) Close() error {
	return s.db.Close()
}

// toColumn prepares a record value for a column. JSON columns accept any
// value and store its encoding.
func toColumn(c Column, v interface{}) (interface{}, error) {
	if c.Type != ColumnJSON || v == nil {
		return v, nil
	}
	switch t := v.(type) {
	case string, []byte:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", c.Name, err)
	}
	return string(b), nil
}

// fromColumn converts a scanned value to the record representation.
func fromColumn(c Column, v interface{}) interface{} {
	b, isBytes := v.([]byte)
	if c.Type == ColumnJSON {
		var raw []byte
		switch t := v.(type) {
		case []byte:
			raw = t
		case string:
			raw = []byte(t)
		default:
			return v
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return string(raw)
		}
		if m, ok := decoded.(map[string]interface{}); ok {
			return Record(m)
		}
		return decoded
	}
	if isBytes {
		return string(b)
	}
	return v
}

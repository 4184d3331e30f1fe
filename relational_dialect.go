package crawlerkit

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/omeid/pgerror"
)

// dialect holds everything that differs between the supported SQL servers.
type dialect interface {
	// driverName is the database/sql driver registered for this dialect.
	driverName() string
	buildDSN(cfg SQLConfig, database string) string
	adminDatabase() string
	databaseExistsQuery() string
	createDatabase(name string) string
	createTable(t Table) string
	// insert returns an INSERT that yields the primary key as its only row.
	insert(t Table, columns []string, args []interface{}) (string, []interface{}, error)
	quote(ident string) string
	// statements builds DML with the dialect's placeholder format.
	statements() sq.StatementBuilderType
	classify(err error) ErrorKind
}

// insertInto lists the quoted columns and their values.
func insertInto(d dialect, t Table, columns []string, args []interface{}) sq.InsertBuilder {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.quote(c)
	}
	return d.statements().Insert(d.quote(t.Name)).Columns(quoted...).Values(args...)
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		return postgresDialect{driver: "postgres"}, nil
	case DriverPgx:
		return postgresDialect{driver: "pgx"}, nil
	case DriverSQLServer, "mssql":
		return sqlServerDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported sql driver %q", driver)
}

// postgresDialect serves both lib/pq and pgx; they share the URL format.
type postgresDialect struct {
	driver string
}

func (d postgresDialect) driverName() string { return d.driver }

func (postgresDialect) buildDSN(cfg SQLConfig, database string) string {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return cfg.URL
		}
		u.Path = "/" + database
		return u.String()
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	encodeOptions(q, cfg.Options)
	u.RawQuery = q.Encode()
	return u.String()
}

func (postgresDialect) adminDatabase() string { return "postgres" }

func (postgresDialect) databaseExistsQuery() string {
	return "SELECT 1 FROM pg_database WHERE datname = $1"
}

func (d postgresDialect) createDatabase(name string) string {
	return "CREATE DATABASE " + d.quote(name)
}

func (d postgresDialect) createTable(t Table) string {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		def := d.quote(c.Name) + " " + d.columnType(c)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs[i] = def + columnConstraints(c)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.quote(t.Name), strings.Join(defs, ", "))
}

func (postgresDialect) columnType(c Column) string {
	switch c.Type {
	case ColumnInteger:
		if c.AutoIncrement {
			return "SERIAL"
		}
		return "INTEGER"
	case ColumnBigInt:
		if c.AutoIncrement {
			return "BIGSERIAL"
		}
		return "BIGINT"
	case ColumnFloat:
		return "DOUBLE PRECISION"
	case ColumnBoolean:
		return "BOOLEAN"
	case ColumnString:
		return fmt.Sprintf("VARCHAR(%d)", columnSize(c))
	case ColumnTimestamp:
		return "TIMESTAMP"
	case ColumnJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) insert(t Table, columns []string, args []interface{}) (string, []interface{}, error) {
	pk := d.quote(t.PrimaryKey().Name)
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", d.quote(t.Name), pk), nil, nil
	}
	return insertInto(d, t, columns, args).Suffix("RETURNING " + pk).ToSql()
}

func (postgresDialect) quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func (postgresDialect) statements() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// classify handles both lib/pq and pgx server errors by SQLSTATE.
func (postgresDialect) classify(err error) ErrorKind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pgerror.UniqueViolation(pqErr) != nil:
			return KindDuplicateKey
		case pgerror.InvalidCatalogName(pqErr) != nil,
			pgerror.InvalidPassword(pqErr) != nil,
			pgerror.ConnectionException(pqErr) != nil,
			pgerror.ConnectionFailure(pqErr) != nil:
			return KindConnection
		}
		return classifySQLState(string(pqErr.Code))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindConnection
	}

	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	return KindUnknown
}

// classifySQLState maps a five-character SQLSTATE by code, then by class.
func classifySQLState(code string) ErrorKind {
	if code == "23505" {
		return KindDuplicateKey
	}
	if code == "3D000" {
		return KindConnection
	}
	if len(code) < 2 {
		return KindUnknown
	}
	switch code[:2] {
	case "08", "28", "57":
		return KindConnection
	}
	return KindQuery
}

type sqlServerDialect struct{}

func (sqlServerDialect) driverName() string { return "sqlserver" }

func (sqlServerDialect) buildDSN(cfg SQLConfig, database string) string {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return cfg.URL
		}
		q := u.Query()
		q.Set("database", database)
		u.RawQuery = q.Encode()
		return u.String()
	}

	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	u := url.URL{
		Scheme: "sqlserver",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	encodeOptions(q, cfg.Options)
	q.Set("database", database)
	u.RawQuery = q.Encode()
	return u.String()
}

func (sqlServerDialect) adminDatabase() string { return "master" }

func (sqlServerDialect) databaseExistsQuery() string {
	return "SELECT 1 FROM sys.databases WHERE name = @p1"
}

func (d sqlServerDialect) createDatabase(name string) string {
	return "CREATE DATABASE " + d.quote(name)
}

func (d sqlServerDialect) createTable(t Table) string {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		def := d.quote(c.Name) + " " + d.columnType(c)
		if c.AutoIncrement {
			def += " IDENTITY(1,1)"
		}
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs[i] = def + columnConstraints(c)
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(t.Name, "'", "''"), d.quote(t.Name), strings.Join(defs, ", "))
}

func (sqlServerDialect) columnType(c Column) string {
	switch c.Type {
	case ColumnInteger:
		return "INT"
	case ColumnBigInt:
		return "BIGINT"
	case ColumnFloat:
		return "FLOAT"
	case ColumnBoolean:
		return "BIT"
	case ColumnString:
		return fmt.Sprintf("NVARCHAR(%d)", columnSize(c))
	case ColumnTimestamp:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

// scopeIdentity reads back the IDENTITY value generated by the INSERT in
// the same batch; it is NULL when the caller supplied the key.
const scopeIdentity = "; SELECT CAST(SCOPE_IDENTITY() AS BIGINT)"

func (d sqlServerDialect) insert(t Table, columns []string, args []interface{}) (string, []interface{}, error) {
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES%s", d.quote(t.Name), scopeIdentity), nil, nil
	}
	return insertInto(d, t, columns, args).Suffix(scopeIdentity).ToSql()
}

func (sqlServerDialect) quote(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (sqlServerDialect) statements() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.AtP)
}

// SQL Server error numbers
const (
	mssqlUniqueConstraint = 2627
	mssqlUniqueIndex      = 2601
	mssqlLoginFailed      = 18456
	mssqlCannotOpenDB     = 4060
)

func (sqlServerDialect) classify(err error) ErrorKind {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case mssqlUniqueConstraint, mssqlUniqueIndex:
			return KindDuplicateKey
		case mssqlLoginFailed, mssqlCannotOpenDB:
			return KindConnection
		}
		// constraint, conversion and syntax errors alike
		return KindQuery
	}
	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	return KindUnknown
}

func columnSize(c Column) int {
	if c.Size > 0 {
		return c.Size
	}
	return 255
}

// columnConstraints renders the parts shared by both dialects.
func columnConstraints(c Column) string {
	var b strings.Builder
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.Unique && !c.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT " + c.Default)
	}
	return b.String()
}

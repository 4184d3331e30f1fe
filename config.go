package crawlerkit

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Configuration constants for the adapters
const (
	// Document store
	DefaultMongoPort    = 27017
	DefaultMongoTimeout = 10000 * time.Millisecond
	DefaultAuthSource   = "admin"
	DefaultUpsertKey    = "_id"

	// Search index
	DefaultSolrTimeout  = 10 * time.Second
	DefaultSolrPageSize = 100
	DefaultSolrIDField  = "id"

	// Relational store
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 30 * time.Minute

	// Bulk writes
	DefaultBatchSize = 100
	DefaultWorkers   = 1

	// Snapshot files
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
	DefaultJSONIndent      = 4
)

// MongoConfig holds document store connection parameters.
// URI, when set, takes precedence over the individual fields.
type MongoConfig struct {
	URI        string            `yaml:"uri"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	Database   string            `yaml:"database"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	AuthSource string            `yaml:"auth_source"`
	Timeout    time.Duration     `yaml:"timeout"`
	Options    map[string]string `yaml:"options"`
}

// DefaultMongoConfig returns a config for a local unauthenticated server
func DefaultMongoConfig(database string) MongoConfig {
	return MongoConfig{
		Host:       "localhost",
		Port:       DefaultMongoPort,
		Database:   database,
		AuthSource: DefaultAuthSource,
		Timeout:    DefaultMongoTimeout,
	}
}

// Validate checks if the MongoConfig is valid
func (c MongoConfig) Validate() error {
	if c.Database == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Database",
			"reason": "database name is required",
		})
	}
	if c.URI == "" && c.Host == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "URI/Host",
			"reason": "either URI or Host is required",
		})
	}
	if c.Port < 0 || c.Port > 65535 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Port",
			"value":  c.Port,
			"reason": "must be between 0 and 65535",
		})
	}
	if c.Timeout < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Timeout",
			"value":  c.Timeout,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// ConnectionURI assembles the mongodb:// URI.
func (c MongoConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	port := c.Port
	if port == 0 {
		port = DefaultMongoPort
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/",
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	for k, v := range c.Options {
		q.Set(k, v)
	}
	if c.Username != "" {
		authSource := c.AuthSource
		if authSource == "" {
			authSource = DefaultAuthSource
		}
		q.Set("authSource", authSource)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c MongoConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultMongoTimeout
	}
	return c.Timeout
}

// SQL drivers understood by SQLConfig.Driver
const (
	DriverPostgres  = "postgres"
	DriverPgx       = "pgx"
	DriverSQLServer = "sqlserver"
)

// SQLConfig holds relational store connection parameters.
// URL, when set, takes precedence over the individual fields.
type SQLConfig struct {
	Driver          string            `yaml:"driver"`
	URL             string            `yaml:"url"`
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	Database        string            `yaml:"database"`
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	Options         map[string]string `yaml:"options"`
	Echo            bool              `yaml:"echo"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
}

// Validate checks if the SQLConfig is valid
func (c SQLConfig) Validate() error {
	if _, err := dialectFor(c.Driver); err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Driver",
			"value":  c.Driver,
			"reason": "unknown driver, expected postgres, pgx or sqlserver",
		})
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "URL",
				"reason": err.Error(),
			})
		}
		return nil
	}
	if c.Host == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Host",
			"reason": "either URL or Host is required",
		})
	}
	if c.Database == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Database",
			"reason": "database name is required",
		})
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxOpenConns/MaxIdleConns",
			"reason": "must be non-negative",
		})
	}
	return nil
}

// DSN assembles the driver connection string for the configured database.
func (c SQLConfig) DSN() (string, error) {
	d, err := dialectFor(c.Driver)
	if err != nil {
		return "", err
	}
	if c.URL != "" && c.DatabaseName() == "" {
		return c.URL, nil
	}
	return d.buildDSN(c, c.DatabaseName()), nil
}

// DatabaseName returns the target database, reading it from URL when set.
// In sqlserver URLs the path names the instance, so only the database
// query parameter counts there.
func (c SQLConfig) DatabaseName() string {
	if c.URL == "" {
		return c.Database
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.Database
	}
	if db := u.Query().Get("database"); db != "" {
		return db
	}
	if c.Driver == DriverSQLServer || u.Scheme == "sqlserver" {
		return c.Database
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return p
	}
	return c.Database
}

// encodeOptions renders options in a stable order.
func encodeOptions(q url.Values, options map[string]string) {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, options[k])
	}
}

// SolrConfig holds search index connection parameters.
type SolrConfig struct {
	// URL of the core, e.g. http://localhost:8983/solr/articles/
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`

	// BreakerFailures opens a circuit breaker after that many consecutive
	// connection failures; zero disables it.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// Validate checks if the SolrConfig is valid
func (c SolrConfig) Validate() error {
	if c.URL == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "URL",
			"reason": "solr core URL is required",
		})
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "URL",
			"value":  c.URL,
			"reason": "must be an absolute http(s) URL",
		})
	}
	if c.PageSize < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "PageSize",
			"value":  c.PageSize,
			"reason": "must be non-negative",
		})
	}
	if c.BreakerFailures < 0 || c.BreakerReset < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BreakerFailures",
			"reason": "breaker settings must be non-negative",
		})
	}
	return nil
}

func (c SolrConfig) String() string {
	return fmt.Sprintf("solr(%s)", strings.TrimSuffix(c.URL, "/"))
}

package crawlerkit

import (
	"errors"
	"testing"
	"time"
)

func TestMongoConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  MongoConfig
		wantErr bool
	}{
		{"default config", DefaultMongoConfig("crawl"), false},
		{"uri only", MongoConfig{URI: "mongodb://db:27017", Database: "crawl"}, false},
		{"missing database", MongoConfig{Host: "localhost"}, true},
		{"missing host and uri", MongoConfig{Database: "crawl"}, true},
		{"port out of range", MongoConfig{Host: "h", Database: "crawl", Port: 70000}, true},
		{"negative timeout", MongoConfig{Host: "h", Database: "crawl", Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestMongoConfigConnectionURI(t *testing.T) {
	tests := []struct {
		name   string
		config MongoConfig
		want   string
	}{
		{"uri wins", MongoConfig{URI: "mongodb://other", Host: "h"}, "mongodb://other"},
		{"anonymous", MongoConfig{Host: "h"}, "mongodb://h:27017/"},
		{"credentials", MongoConfig{Host: "h", Port: 27018, Username: "crawler", Password: "p@ss"},
			"mongodb://crawler:p%40ss@h:27018/?authSource=admin"},
		{"auth source and options", MongoConfig{Host: "h", Username: "u", Password: "p", AuthSource: "crawl",
			Options: map[string]string{"replicaSet": "rs0"}},
			"mongodb://u:p@h:27017/?authSource=crawl&replicaSet=rs0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.ConnectionURI(); got != tt.want {
				t.Errorf("ConnectionURI() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMongoConfigTimeoutDefault(t *testing.T) {
	if got := (MongoConfig{}).timeout(); got != DefaultMongoTimeout {
		t.Errorf("timeout() = %v, want %v", got, DefaultMongoTimeout)
	}
	if got := (MongoConfig{Timeout: time.Second}).timeout(); got != time.Second {
		t.Errorf("timeout() = %v, want 1s", got)
	}
}

func TestSQLConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  SQLConfig
		wantErr bool
	}{
		{"postgres fields", SQLConfig{Driver: DriverPostgres, Host: "db", Database: "crawl"}, false},
		{"pgx url", SQLConfig{Driver: DriverPgx, URL: "postgres://db/crawl"}, false},
		{"sqlserver", SQLConfig{Driver: DriverSQLServer, Host: "mssql", Database: "crawl"}, false},
		{"unknown driver", SQLConfig{Driver: "sqlite", Host: "db", Database: "crawl"}, true},
		{"bad url", SQLConfig{Driver: DriverPostgres, URL: "postgres://db:port/x"}, true},
		{"missing host", SQLConfig{Driver: DriverPostgres, Database: "crawl"}, true},
		{"missing database", SQLConfig{Driver: DriverPostgres, Host: "db"}, true},
		{"negative pool", SQLConfig{Driver: DriverPostgres, Host: "db", Database: "crawl", MaxOpenConns: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSQLConfigDatabaseName(t *testing.T) {
	tests := []struct {
		config SQLConfig
		want   string
	}{
		{SQLConfig{Database: "crawl"}, "crawl"},
		{SQLConfig{URL: "postgres://db/fromurl", Database: "crawl"}, "fromurl"},
		{SQLConfig{URL: "sqlserver://db?database=mssqldb"}, "mssqldb"},
		{SQLConfig{URL: "postgres://db", Database: "fallback"}, "fallback"},
		{SQLConfig{Driver: DriverSQLServer, URL: "sqlserver://sa:pw@db.local/SQLEXPRESS"}, ""},
		{SQLConfig{Driver: DriverSQLServer, URL: "sqlserver://sa:pw@db.local/SQLEXPRESS", Database: "crawl"}, "crawl"},
		{SQLConfig{URL: "sqlserver://db.local/SQLEXPRESS?database=mssqldb"}, "mssqldb"},
	}
	for _, tt := range tests {
		if got := tt.config.DatabaseName(); got != tt.want {
			t.Errorf("DatabaseName(%+v) = %q, want %q", tt.config, got, tt.want)
		}
	}
}

func TestSolrConfig(t *testing.T) {
	valid := SolrConfig{URL: "http://localhost:8983/solr/articles/"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if got := valid.String(); got != "solr(http://localhost:8983/solr/articles)" {
		t.Errorf("String() = %s", got)
	}

	for _, bad := range []SolrConfig{{}, {URL: "/solr/articles"}, {URL: "http://h/solr/a", PageSize: -1}} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidConfig", bad, err)
		}
	}
}

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/YashengChen/crawlerkit"
	"github.com/YashengChen/crawlerkit/tor"
)

// fileConfig is the YAML layout read by --config. Every section is
// optional; commands fail only when a section they need is missing.
type fileConfig struct {
	Mongo    *crawlerkit.MongoConfig    `yaml:"mongo"`
	SQL      *sqlSection                `yaml:"sql"`
	Solr     *crawlerkit.SolrConfig     `yaml:"solr"`
	Snapshot *crawlerkit.SnapshotConfig `yaml:"snapshot"`
	Redis    *crawlerkit.RedisConfig    `yaml:"redis"`
	Tor      tor.Config                 `yaml:"tor"`
	Log      logSection                 `yaml:"log"`
}

type sqlSection struct {
	crawlerkit.SQLConfig `yaml:",inline"`
	Tables               []crawlerkit.Table `yaml:"tables"`
}

type logSection struct {
	crawlerkit.LogConfig `yaml:",inline"`
	Progress             bool `yaml:"progress"`
}

// loadConfig reads path, expanding ${VAR} references, then applies the
// CRAWLERKIT_* environment overrides. A missing file is an empty config.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *fileConfig) {
	if v := os.Getenv("CRAWLERKIT_MONGO_URI"); v != "" {
		if cfg.Mongo == nil {
			cfg.Mongo = &crawlerkit.MongoConfig{}
		}
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("CRAWLERKIT_MONGO_DATABASE"); v != "" && cfg.Mongo != nil {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("CRAWLERKIT_SQL_URL"); v != "" {
		if cfg.SQL == nil {
			cfg.SQL = &sqlSection{SQLConfig: crawlerkit.SQLConfig{Driver: crawlerkit.DriverPostgres}}
		}
		cfg.SQL.URL = v
	}
	if v := os.Getenv("CRAWLERKIT_SOLR_URL"); v != "" {
		if cfg.Solr == nil {
			cfg.Solr = &crawlerkit.SolrConfig{}
		}
		cfg.Solr.URL = v
	}
	if v := os.Getenv("CRAWLERKIT_SNAPSHOT_DIR"); v != "" && cfg.Snapshot == nil {
		cfg.Snapshot = &crawlerkit.SnapshotConfig{Type: crawlerkit.SnapshotFilesystem, Bucket: v}
	}
	if v := os.Getenv("CRAWLERKIT_SNAPSHOT_KEY"); v != "" {
		if cfg.Snapshot == nil {
			cfg.Snapshot = &crawlerkit.SnapshotConfig{Type: crawlerkit.SnapshotFilesystem, Bucket: "."}
		}
		cfg.Snapshot.EncryptionKey = v
	}
	if v := os.Getenv("CRAWLERKIT_TOR_PASSWORD"); v != "" {
		cfg.Tor.Password = v
	}
	if v := os.Getenv("CRAWLERKIT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *fileConfig) schema() crawlerkit.Schema {
	if c.SQL == nil {
		return crawlerkit.Schema{}
	}
	return crawlerkit.Schema{Tables: c.SQL.Tables}
}

// snapshotConfig defaults to the current directory on the filesystem.
func (c *fileConfig) snapshotConfig() crawlerkit.SnapshotConfig {
	if c.Snapshot == nil {
		return crawlerkit.SnapshotConfig{Type: crawlerkit.SnapshotFilesystem, Bucket: "."}
	}
	return *c.Snapshot
}

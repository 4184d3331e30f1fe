package crawlerkit

import (
	"context"
	"strings"
)

// SnapshotBackend stores opaque snapshot objects by key. Read and Remove
// return ErrNotFound for a missing key.
type SnapshotBackend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// Snapshot backend types understood by SnapshotConfig.Type
const (
	SnapshotFilesystem = "filesystem"
	SnapshotS3         = "s3"
	SnapshotMinIO      = "minio"
	SnapshotGCS        = "gcs"
)

// SnapshotConfig selects and configures a snapshot backend.
type SnapshotConfig struct {
	Type string `yaml:"type"`
	// Base directory for filesystem, bucket name otherwise
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// S3 / MinIO static credentials; S3 falls back to the default chain
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`

	// GCS service account file; empty uses application default credentials
	CredentialsFile string `yaml:"credentials_file"`

	EscapeNonASCII bool `yaml:"escape_non_ascii"`

	// Base64 AES-256 key; when set every object is encrypted at rest
	EncryptionKey string `yaml:"encryption_key"`
}

// Validate checks if the SnapshotConfig is valid
func (c SnapshotConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}

	switch strings.ToLower(c.Type) {
	case SnapshotS3:
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case SnapshotMinIO:
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case SnapshotFilesystem, SnapshotGCS:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	if c.EncryptionKey != "" {
		key, err := ParseEncryptionKey(c.EncryptionKey)
		if err != nil {
			return err
		}
		if len(key) != 32 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "EncryptionKey",
				"reason": "must decode to 32 bytes",
			})
		}
	}
	return nil
}

// OpenSnapshotBackend builds the backend named by cfg.Type.
func OpenSnapshotBackend(ctx context.Context, cfg SnapshotConfig) (SnapshotBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := openPlainBackend(ctx, cfg)
	if err != nil || cfg.EncryptionKey == "" {
		return backend, err
	}
	key, _ := ParseEncryptionKey(cfg.EncryptionKey)
	return NewEncryptedBackend(backend, key)
}

func openPlainBackend(ctx context.Context, cfg SnapshotConfig) (SnapshotBackend, error) {
	switch strings.ToLower(cfg.Type) {
	case SnapshotS3:
		return NewS3BackendFromConfig(ctx, cfg)
	case SnapshotMinIO:
		return NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
	case SnapshotGCS:
		return NewGCSBackend(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
		})
	default:
		return NewFilesystemBackend(cfg.Bucket), nil
	}
}

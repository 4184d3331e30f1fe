package crawlerkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf16"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotUpdate merges Patch into every snapshot record matching Filter.
type SnapshotUpdate struct {
	Filter Filter
	Patch  Record
}

// Snapshot reads and writes record files through a SnapshotBackend. JSON
// files hold an array of objects indented by four spaces; blobs are
// MessagePack.
type Snapshot struct {
	backend        SnapshotBackend
	logger         Logger
	escapeNonASCII bool

	// guards read-modify-write cycles within this process
	locks *StripedLocks
	// optional, extends that guarantee to other processes
	locker SnapshotLocker
}

// NewSnapshot wraps backend. A nil logger disables logging.
func NewSnapshot(backend SnapshotBackend, logger Logger) *Snapshot {
	return &Snapshot{
		backend: backend,
		logger:  loggerOrNoOp(logger),
		locks:   NewStripedLocks(16),
	}
}

// SetEscapeNonASCII makes WriteJSON emit \uXXXX for every non-ASCII rune.
func (s *Snapshot) SetEscapeNonASCII(escape bool) {
	s.escapeNonASCII = escape
}

// SetLocker makes appends and updates also take locker's lock for the
// key, for several crawlers sharing one snapshot store.
func (s *Snapshot) SetLocker(locker SnapshotLocker) {
	s.locker = locker
}

// lock takes the in-process lock for key, then the shared one if set.
func (s *Snapshot) lock(ctx context.Context, key string) (func(), error) {
	unlock := s.locks.Lock(key)
	if s.locker == nil {
		return unlock, nil
	}
	release, err := s.locker.Lock(ctx, key)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock snapshot %s: %w", key, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// Backend returns the underlying store.
func (s *Snapshot) Backend() SnapshotBackend {
	return s.backend
}

// ReadJSON decodes the file at key. A file holding a single object reads
// as a one-element slice. A missing key returns ErrNotFound.
func (s *Snapshot) ReadJSON(ctx context.Context, key string) ([]Record, error) {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	s.logger.Debug("snapshot read", "key", key, "records", len(records))
	return records, nil
}

// WriteJSON overwrites the file at key, or with appendMode concatenates
// records after the ones already stored.
func (s *Snapshot) WriteJSON(ctx context.Context, key string, records []Record, appendMode bool) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	out := records
	if appendMode {
		existing, err := s.readExisting(ctx, key)
		if err != nil {
			return err
		}
		out = append(existing, records...)
	}
	if err := s.write(ctx, key, out); err != nil {
		return err
	}
	s.logger.Debug("snapshot written", "key", key, "records", len(out), "append", appendMode)
	return nil
}

// UpdateJSON applies each update to the stored records and writes the
// file back. It returns the number of record updates applied; the file is
// left untouched when nothing matched.
func (s *Snapshot) UpdateJSON(ctx context.Context, key string, updates []SnapshotUpdate) (int, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", key, err)
	}

	applied := 0
	for _, u := range updates {
		if err := u.Filter.Validate(); err != nil {
			return 0, validationError("snapshot", "update", "%v", err)
		}
		for _, rec := range records {
			if u.Filter.Matches(rec) {
				rec.Merge(u.Patch.Clone())
				applied++
			}
		}
	}
	if applied == 0 {
		return 0, nil
	}

	if err := s.write(ctx, key, records); err != nil {
		return 0, err
	}
	s.logger.Debug("snapshot updated", "key", key, "updates", applied)
	return applied, nil
}

// SaveBlob stores v MessagePack-encoded.
func (s *Snapshot) SaveBlob(ctx context.Context, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode blob %s: %w", key, err)
	}
	if err := s.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

// LoadBlob decodes the MessagePack blob at key into out.
func (s *Snapshot) LoadBlob(ctx context.Context, key string, out interface{}) error {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode blob %s: %w", key, err)
	}
	return nil
}

// Remove deletes the object at key.
func (s *Snapshot) Remove(ctx context.Context, key string) error {
	return s.backend.Remove(ctx, key)
}

func (s *Snapshot) readExisting(ctx context.Context, key string) ([]Record, error) {
	data, err := s.backend.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return records, nil
}

func (s *Snapshot) write(ctx context.Context, key string, records []Record) error {
	data, err := encodeRecords(records, s.escapeNonASCII)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := s.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return nil
}

// encodeRecords renders an indented JSON array without HTML escaping.
func encodeRecords(records []Record, escapeNonASCII bool) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", strings.Repeat(" ", DefaultJSONIndent))
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	if !escapeNonASCII {
		return buf.Bytes(), nil
	}
	return escapeASCII(buf.Bytes()), nil
}

// escapeASCII replaces non-ASCII runes with \u escapes. Non-ASCII bytes
// only occur inside JSON strings, so the result is still valid JSON.
func escapeASCII(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))
	for _, r := range string(data) {
		if r < 0x80 {
			out.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&out, `\u%04x`, r)
	}
	return out.Bytes()
}

// decodeRecords accepts an array of objects or a single object. Integral
// numbers decode as int64, others as float64.
func decodeRecords(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Record{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '{' {
		var one map[string]interface{}
		if err := dec.Decode(&one); err != nil {
			return nil, err
		}
		return []Record{normalizeJSON(one).(Record)}, nil
	}

	var many []map[string]interface{}
	if err := dec.Decode(&many); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(many))
	for _, m := range many {
		if m == nil {
			continue
		}
		out = append(out, normalizeJSON(m).(Record))
	}
	return out, nil
}

func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		rec := make(Record, len(t))
		for k, e := range t {
			rec[k] = normalizeJSON(e)
		}
		return rec
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeJSON(e)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// contentTypeFor picks an object content type from the key's extension.
func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".msgpack", ".mp":
		return "application/msgpack"
	default:
		return "application/octet-stream"
	}
}

package crawlerkit

import (
	"fmt"
	"strings"
)

// ColumnType is the portable column type of a declared table.
type ColumnType int

const (
	ColumnInteger ColumnType = iota
	ColumnBigInt
	ColumnFloat
	ColumnBoolean
	ColumnString
	ColumnText
	ColumnTimestamp
	ColumnJSON
)

func (t ColumnType) String() string {
	switch t {
	case ColumnInteger:
		return "integer"
	case ColumnBigInt:
		return "bigint"
	case ColumnFloat:
		return "float"
	case ColumnBoolean:
		return "boolean"
	case ColumnString:
		return "string"
	case ColumnText:
		return "text"
	case ColumnTimestamp:
		return "timestamp"
	case ColumnJSON:
		return "json"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// ParseColumnType accepts the names returned by ColumnType.String.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "int":
		return ColumnInteger, nil
	case "bigint":
		return ColumnBigInt, nil
	case "float", "double":
		return ColumnFloat, nil
	case "boolean", "bool":
		return ColumnBoolean, nil
	case "string", "varchar":
		return ColumnString, nil
	case "text":
		return ColumnText, nil
	case "timestamp", "datetime":
		return ColumnTimestamp, nil
	case "json":
		return ColumnJSON, nil
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

// UnmarshalYAML lets table declarations in config files name the type.
func (t *ColumnType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseColumnType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Column declares one column of a table.
type Column struct {
	Name          string     `yaml:"name"`
	Type          ColumnType `yaml:"type"`
	PrimaryKey    bool       `yaml:"primary_key"`
	AutoIncrement bool       `yaml:"auto_increment"`
	NotNull       bool       `yaml:"not_null"`
	Unique        bool       `yaml:"unique"`
	// Size applies to ColumnString; zero means 255.
	Size int `yaml:"size"`
	// Default is a literal SQL expression, used verbatim.
	Default string `yaml:"default"`
}

// Table declares a table and its column order.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

// Schema is the set of tables a RelationalStore manages.
type Schema struct {
	Tables []Table `yaml:"tables"`
}

// PrimaryKey returns the primary key column. Validate guarantees exactly one.
func (t Table) PrimaryKey() Column {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c
		}
	}
	return Column{}
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Validate checks names, duplicates and that there is one primary key.
func (t Table) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	keys := 0
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table %s: column name is required", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
		if c.PrimaryKey {
			keys++
		}
		if c.AutoIncrement && (!c.PrimaryKey || (c.Type != ColumnInteger && c.Type != ColumnBigInt)) {
			return fmt.Errorf("table %s: auto_increment column %s must be an integer primary key", t.Name, c.Name)
		}
	}
	if keys != 1 {
		return fmt.Errorf("table %s: exactly one primary key column is required, found %d", t.Name, keys)
	}
	return nil
}

// Validate checks every table and rejects duplicate table names.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %s", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// checkRecord rejects fields that are not declared columns.
func (t Table) checkRecord(rec Record) error {
	for field := range rec {
		if _, ok := t.Column(field); !ok {
			return fmt.Errorf("table %s has no column %q", t.Name, field)
		}
	}
	return nil
}

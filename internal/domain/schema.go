package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SemanticType is the declared target type of a column.
type SemanticType string

const (
	TypeInt64Nullable  SemanticType = "Int64"
	TypeFloat64        SemanticType = "float64"
	TypeStringNullable SemanticType = "string"
	TypeTimestamp      SemanticType = "timestamp"
)

// DefaultTimestampLayout is the only temporal input format recognized in text sources.
const DefaultTimestampLayout = "2006-01-02 15:04:05"

// DefaultNullMarkers are the cell values treated as null for every column type.
var DefaultNullMarkers = []string{"", "NA", "N/A", "NULL", "null", "NaN", "nan", "None", "<NA>"}

// ParseSemanticType accepts the canonical names plus the spellings used by
// pandas dtype dictionaries ("Int64", "float64", "string", "datetime64").
func ParseSemanticType(s string) (SemanticType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int64", "int", "integer", "bigint":
		return TypeInt64Nullable, nil
	case "float64", "float", "double", "number":
		return TypeFloat64, nil
	case "string", "str", "text":
		return TypeStringNullable, nil
	case "timestamp", "datetime", "datetime64", "datetime64[ns]":
		return TypeTimestamp, nil
	default:
		return "", fmt.Errorf("unknown semantic type %q", s)
	}
}

// UnknownColumnPolicy says what happens to source columns the schema does not declare.
type UnknownColumnPolicy string

const (
	UnknownColumnsDrop   UnknownColumnPolicy = "drop"
	UnknownColumnsReject UnknownColumnPolicy = "reject"
)

// Column is one declared target column.
type Column struct {
	Name string       `json:"name"`
	Type SemanticType `json:"type"`
}

// Temporal reports whether the column needs date parsing.
func (c Column) Temporal() bool { return c.Type == TypeTimestamp }

// SchemaSpec is the static declared mapping that drives coercion and table
// creation. It is immutable once built and safe to share between goroutines.
type SchemaSpec struct {
	columns         []Column
	index           map[string]int
	nullMarkers     map[string]struct{}
	timestampLayout string
	unknownColumns  UnknownColumnPolicy
}

// SchemaOption customizes a SchemaSpec at construction.
type SchemaOption func(*SchemaSpec)

// WithTimestampLayout overrides DefaultTimestampLayout.
func WithTimestampLayout(layout string) SchemaOption {
	return func(s *SchemaSpec) {
		if layout != "" {
			s.timestampLayout = layout
		}
	}
}

// WithNullMarkers replaces DefaultNullMarkers.
func WithNullMarkers(markers []string) SchemaOption {
	return func(s *SchemaSpec) {
		if markers == nil {
			return
		}
		s.nullMarkers = make(map[string]struct{}, len(markers))
		for _, m := range markers {
			s.nullMarkers[m] = struct{}{}
		}
	}
}

// WithUnknownColumns sets the policy for undeclared source columns.
func WithUnknownColumns(p UnknownColumnPolicy) SchemaOption {
	return func(s *SchemaSpec) {
		if p != "" {
			s.unknownColumns = p
		}
	}
}

// NewSchemaSpec validates columns and builds a SchemaSpec. Columns named in
// temporal are forced to TypeTimestamp; naming one that is declared with a
// different type is an error, as is naming one that is not declared at all.
func NewSchemaSpec(columns []Column, temporal []string, opts ...SchemaOption) (*SchemaSpec, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("schema has no columns")
	}
	s := &SchemaSpec{
		columns:         make([]Column, len(columns)),
		index:           make(map[string]int, len(columns)),
		timestampLayout: DefaultTimestampLayout,
		unknownColumns:  UnknownColumnsDrop,
	}
	WithNullMarkers(DefaultNullMarkers)(s)
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := s.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		switch c.Type {
		case TypeInt64Nullable, TypeFloat64, TypeStringNullable, TypeTimestamp:
		case "":
			// listed only so that temporal can type it
		default:
			return nil, fmt.Errorf("column %q: unknown type %q", c.Name, c.Type)
		}
		s.columns[i] = c
		s.index[c.Name] = i
	}
	for _, name := range temporal {
		i, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("temporal column %q is not declared", name)
		}
		if t := s.columns[i].Type; t != "" && t != TypeTimestamp {
			return nil, fmt.Errorf("temporal column %q is declared as %s", name, t)
		}
		s.columns[i].Type = TypeTimestamp
	}
	for _, c := range s.columns {
		if c.Type == "" {
			return nil, fmt.Errorf("column %q has no type", c.Name)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	switch s.unknownColumns {
	case UnknownColumnsDrop, UnknownColumnsReject:
	default:
		return nil, fmt.Errorf("unknown column policy %q", s.unknownColumns)
	}
	return s, nil
}

// SchemaFromMap builds a SchemaSpec from a dtype-style mapping. Map iteration
// order is random, so columns are taken in the order given by order; any
// mapped column missing from order is appended alphabetically.
func SchemaFromMap(types map[string]string, temporal []string, order []string, opts ...SchemaOption) (*SchemaSpec, error) {
	seen := make(map[string]bool, len(types)+len(temporal))
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, n := range order {
		add(n)
	}
	var rest []string
	for n := range types {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	for _, n := range temporal {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	for _, n := range rest {
		add(n)
	}

	cols := make([]Column, 0, len(names))
	for _, n := range names {
		raw, ok := types[n]
		if !ok {
			cols = append(cols, Column{Name: n})
			continue
		}
		t, err := ParseSemanticType(raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", n, err)
		}
		cols = append(cols, Column{Name: n, Type: t})
	}
	return NewSchemaSpec(cols, temporal, opts...)
}

// Columns returns a copy of the declared columns in order.
func (s *SchemaSpec) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Names returns the column names in order.
func (s *SchemaSpec) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of declared columns.
func (s *SchemaSpec) Len() int { return len(s.columns) }

// Lookup returns the column declared under name.
func (s *SchemaSpec) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Temporal returns the names of the columns flagged for date parsing.
func (s *SchemaSpec) Temporal() []string {
	var out []string
	for _, c := range s.columns {
		if c.Temporal() {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsNull reports whether v is one of the configured null markers.
func (s *SchemaSpec) IsNull(v string) bool {
	_, ok := s.nullMarkers[v]
	return ok
}

// TimestampLayout returns the layout used to parse temporal text cells.
func (s *SchemaSpec) TimestampLayout() string { return s.timestampLayout }

// UnknownColumns returns the policy for undeclared source columns.
func (s *SchemaSpec) UnknownColumns() UnknownColumnPolicy { return s.unknownColumns }

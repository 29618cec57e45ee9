// The table spec types live here so the schema manager, the loaders and the
// backend packages can share them without import cycles.
package storage

import (
	"fmt"
	"strings"
)

// Logical column types. Backends map them to their own dialect.
const (
	TypeSerial  = "serial"
	TypeText    = "text"
	TypeDate    = "date"
	TypeInt     = "int"
	TypeDecimal = "decimal"
)

// Dedupe actions.
const (
	ActionDoNothing = "do_nothing"
	ActionUpdate    = "update"
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique" | "check"
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Expr    string   `json:"expr,omitempty"` // check only
}

// DedupeSpec turns a fact insert into an upsert on ConflictColumns.
type DedupeSpec struct {
	ConflictColumns []string `json:"conflict_columns"`
	Action          string   `json:"action"` // "do_nothing" | "update"

	// UpdateColumns defaults to every inserted column outside ConflictColumns.
	UpdateColumns []string `json:"update_columns,omitempty"`
}

// Validate checks that the spec can be rendered against the inserted columns.
func (d *DedupeSpec) Validate(columns []string) error {
	if d == nil {
		return nil
	}
	if len(d.ConflictColumns) == 0 {
		return fmt.Errorf("dedupe: conflict_columns required")
	}
	set := columnSet(columns)
	for _, c := range d.ConflictColumns {
		if !set[c] {
			return fmt.Errorf("dedupe: conflict column %q not inserted", c)
		}
	}
	switch d.Action {
	case ActionDoNothing:
	case ActionUpdate:
		if len(d.Updates(columns)) == 0 {
			return fmt.Errorf("dedupe: update action has no columns to update")
		}
		for _, c := range d.UpdateColumns {
			if !set[c] {
				return fmt.Errorf("dedupe: update column %q not inserted", c)
			}
		}
	default:
		return fmt.Errorf("dedupe: unsupported action %q", d.Action)
	}
	return nil
}

// Updates returns the columns an update action rewrites.
func (d *DedupeSpec) Updates(columns []string) []string {
	if d == nil || d.Action != ActionUpdate {
		return nil
	}
	if len(d.UpdateColumns) > 0 {
		return d.UpdateColumns
	}
	conflict := columnSet(d.ConflictColumns)
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !conflict[c] {
			out = append(out, c)
		}
	}
	return out
}

// IsNullable reports the column's nullability. Columns are NOT NULL unless
// Nullable is explicitly true.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

// Validate checks the structural fields every backend relies on.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" || strings.TrimSpace(t.PrimaryKey.Type) == "" {
			return fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
	}
	for _, c := range t.Constraints {
		switch strings.ToLower(c.Kind) {
		case "unique":
			if len(c.Columns) == 0 {
				return fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
		case "check":
			if strings.TrimSpace(c.Expr) == "" {
				return fmt.Errorf("table %s: check constraint requires expr", t.Name)
			}
		default:
			return fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return nil
}

func columnSet(cols []string) map[string]bool {
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c] = true
	}
	return out
}

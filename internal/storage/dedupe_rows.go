package storage

import (
	"fmt"
	"strings"
)

// DedupeRowsByColumns keeps one row per key formed by keyColumns, preferring
// the LAST occurrence, while preserving the order of each key's first
// appearance.
//
// Upserts in every backend reject a statement that touches the same key twice
// (Postgres "cannot affect row a second time", SQL Server MERGE), so backends
// collapse each batch with this before rendering it.
//
// Errors:
//   - A key column absent from columns is an error, not a silent pass-through.
func DedupeRowsByColumns(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	if len(rows) < 2 || len(keyColumns) == 0 {
		return rows, nil
	}

	idx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		pos := -1
		for j, c := range columns {
			if c == k {
				pos = j
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("dedupe column %q not in insert columns", k)
		}
		idx[i] = pos
	}

	slot := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		for i, p := range idx {
			if i > 0 {
				kb.WriteByte(0)
			}
			kb.WriteString(NormalizeKey(row[p]))
		}
		k := kb.String()
		if s, ok := slot[k]; ok {
			out[s] = row
			continue
		}
		slot[k] = len(out)
		out = append(out, row)
	}
	return out, nil
}

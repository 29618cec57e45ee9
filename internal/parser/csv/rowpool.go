package csv

import "sync"

// Row is a pooled positional record aligned to the caller's column order.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - Sending a Row on a channel transfers ownership.
//   - The final consumer calls Free() once it no longer reads r.V.
//
// On cancellation paths use Drop() instead: a canceled consumer may still be
// reading while the parser unwinds, and a re-pooled Row would be reused under it.
type Row struct {
	V    []any
	Line int // 1-based physical record number
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(V) == colCount and every field nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}

// String returns field i as a string, or "" when it is absent.
func (r *Row) String(i int) string {
	if i < 0 || i >= len(r.V) {
		return ""
	}
	s, _ := r.V[i].(string)
	return s
}

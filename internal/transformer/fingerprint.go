package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fieldSep = "\x1f"

// Fingerprint returns a hex SHA-256 over the canonical rows in order. Two
// transforms of the same published content yield the same fingerprint.
func (d *Dataset) Fingerprint() string {
	h := sha256.New()
	var b strings.Builder
	for r := range d.All() {
		b.Reset()
		appendRecord(&b, r)
		b.WriteByte('\n')
		h.Write([]byte(b.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func appendRecord(b *strings.Builder, r Record) {
	b.WriteString(r.Date.Format("2006-01-02"))
	b.WriteString(fieldSep)
	b.WriteString(r.Geography)
	b.WriteString(fieldSep)
	b.WriteString(r.Category)
	b.WriteString(fieldSep)
	b.WriteString(r.Value.String())
}

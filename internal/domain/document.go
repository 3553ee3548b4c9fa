package domain

import (
	"sort"
	"strings"
)

// Document is the search-engine-ready projection of a staging record.
// Field values are already rendered to their storage form; a document is
// immutable once written to an index generation.
type Document struct {
	id     string
	fields map[string]string
}

// NewDocument creates a document. The fields map is copied.
func NewDocument(id string, fields map[string]string) Document {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Document{id: id, fields: cp}
}

// ID returns the document identifier.
func (d Document) ID() string { return d.id }

// Field returns the rendered value of a field and whether it is present.
func (d Document) Field(name string) (string, bool) {
	v, ok := d.fields[name]
	return v, ok
}

// Fields returns the rendered field map. Callers must not mutate it.
func (d Document) Fields() map[string]string { return d.fields }

// Encode renders the document to a canonical byte form: fields sorted by
// name, each as name=value on its own line. Identical inputs to the schema
// mapper yield byte-identical encodings, which underlies rebuild idempotence.
func (d Document) Encode() []byte {
	names := make([]string, 0, len(d.fields))
	for k := range d.fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("id=")
	b.WriteString(d.id)
	b.WriteByte('\n')
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.fields[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

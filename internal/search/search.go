package search

import (
	"context"
	"time"
)

// FieldType is the index-level type of a document field.
type FieldType string

const (
	// FieldTag is an exact-match field, never tokenized.
	FieldTag FieldType = "tag"
	// FieldText is a tokenized full-text field.
	FieldText FieldType = "text"
	// FieldNumeric is a sortable numeric field.
	FieldNumeric FieldType = "numeric"
)

// IndexField is one field in an index schema.
type IndexField struct {
	Name     string
	Type     FieldType
	Sortable bool
}

// IndexDefinition describes a versioned index. The schema is applied at
// creation and never mutated afterwards.
type IndexDefinition struct {
	Name string
	// Prefix scopes the index to document keys of one generation.
	Prefix string
	Fields []IndexField
}

// DocItem is one document keyed for bulk writing.
type DocItem struct {
	Key    string
	Fields map[string]string
}

// Store is the search-engine facade. Consumers depend on the narrow
// sub-interfaces they need.
type Store interface {
	Pinger
	IndexAdmin
	DocWriter
	KVStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks engine connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexAdmin provides index lifecycle and alias operations.
type IndexAdmin interface {
	CreateIndex(ctx context.Context, def *IndexDefinition) error
	// DropIndex removes an index; withDocs also deletes its documents.
	DropIndex(ctx context.Context, name string, withDocs bool) error
	IndexExists(ctx context.Context, name string) (bool, error)
	// AliasUpdate atomically points alias at index, creating the alias if it
	// does not exist. Concurrent readers observe either the previous target
	// or the new one, never an intermediate state.
	AliasUpdate(ctx context.Context, alias, index string) error
	// CountDocs returns the number of documents visible in an index.
	CountDocs(ctx context.Context, index string) (int, error)
}

// DocWriter performs bulk document writes.
type DocWriter interface {
	WriteDocs(ctx context.Context, items []DocItem) error
}

// KVStore provides the key-value operations backing the generation registry
// and dataset-scoped caches.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

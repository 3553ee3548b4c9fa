package domain

import "time"

// StagingTableRef points at one replication run's staging snapshot.
type StagingTableRef struct {
	Dataset  string
	Table    string
	RowCount int
}

// StagingRecord is one row copied from upstream into the staging table.
// It is written only by the replicator and read-only downstream.
type StagingRecord struct {
	// Identifier is the stable key, unique within the dataset.
	Identifier string
	// Fields holds the domain columns by staging column name.
	Fields map[string]any

	// Provenance.
	SyncedAt      time.Time
	IngestionType string
}

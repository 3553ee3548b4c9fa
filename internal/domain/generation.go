package domain

import (
	"fmt"
	"time"
)

// GenerationState is a step in the index generation lifecycle.
type GenerationState string

const (
	GenCreated   GenerationState = "created"
	GenBuilding  GenerationState = "building"
	GenValidated GenerationState = "validated"
	GenLive      GenerationState = "live"
	GenRetired   GenerationState = "retired"
	GenFailed    GenerationState = "failed"
)

// Generation is one immutable, versioned build of search documents for a dataset.
type Generation struct {
	Dataset     string
	ID          string
	State       GenerationState
	CreatedAt   time.Time
	RetiredAt   time.Time
	RecordCount int
	DocCount    int
}

// IndexName is the physical search index name for this generation.
func (g Generation) IndexName() string {
	return GenerationIndexName(g.Dataset, g.ID)
}

// GenerationIndexName builds the versioned index name for (dataset, generation).
func GenerationIndexName(dataset, genID string) string {
	return fmt.Sprintf("%s-%s", dataset, genID)
}

// Deletable reports whether the generation may be pruned: retired past the
// grace period, or failed. Live generations are never deletable.
func (g Generation) Deletable(grace time.Duration, now time.Time) bool {
	switch g.State {
	case GenFailed:
		return true
	case GenRetired:
		return !g.RetiredAt.IsZero() && now.Sub(g.RetiredAt) >= grace
	default:
		return false
	}
}

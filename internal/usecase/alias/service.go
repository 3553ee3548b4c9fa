// Package alias manages the reader-facing alias of each dataset: atomic
// cutover to a validated generation, rollback to the previous one, and
// retention pruning of generations nothing points at.
package alias

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
)

// Engine is the index-side consumer interface for alias management.
type Engine interface {
	AliasUpdate(ctx context.Context, alias, index string) error
	DropIndex(ctx context.Context, name string, withDocs bool) error
}

// Registry is the generation metadata store the service reads and writes.
type Registry interface {
	Put(ctx context.Context, gen domain.Generation) error
	Get(ctx context.Context, dataset, id string) (domain.Generation, error)
	List(ctx context.Context, dataset string) ([]domain.Generation, error)
	Delete(ctx context.Context, dataset, id string) error
	SetLive(ctx context.Context, dataset, id string) error
	Live(ctx context.Context, dataset string) (string, error)
}

// Service implements alias operations.
type Service struct {
	engine   Engine
	registry Registry
	grace    time.Duration
	logger   *zap.Logger
}

// New creates the alias service. grace is how long a retired generation is
// kept before it becomes prunable.
func New(engine Engine, registry Registry, grace time.Duration, logger *zap.Logger) *Service {
	return &Service{engine: engine, registry: registry, grace: grace, logger: logger}
}

// Cutover atomically points the dataset alias at a validated generation.
// The previously live generation, if any, is retired but kept for rollback.
// Readers observe either the old target or the new one, never a mix.
func (s *Service) Cutover(ctx context.Context, gen domain.Generation) error {
	if gen.State != domain.GenValidated {
		return fmt.Errorf("generation %s/%s is %s, cutover requires validated", gen.Dataset, gen.ID, gen.State)
	}

	prevID, err := s.registry.Live(ctx, gen.Dataset)
	if err != nil {
		return err
	}

	if err := s.engine.AliasUpdate(ctx, gen.Dataset, gen.IndexName()); err != nil {
		return fmt.Errorf("repoint alias %s: %w", gen.Dataset, err)
	}

	gen.State = domain.GenLive
	if err := s.registry.Put(ctx, gen); err != nil {
		return err
	}
	if err := s.registry.SetLive(ctx, gen.Dataset, gen.ID); err != nil {
		return err
	}

	if prevID != "" && prevID != gen.ID {
		if err := s.retire(ctx, gen.Dataset, prevID); err != nil {
			// The alias already moved; a stale metadata record is recoverable
			// and must not fail the cutover.
			s.logger.Warn("failed to retire previous generation",
				zap.String("dataset", gen.Dataset),
				zap.String("generation", prevID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("alias cutover complete",
		zap.String("dataset", gen.Dataset),
		zap.String("generation", gen.ID),
		zap.String("previous", prevID),
	)
	return nil
}

// retire marks a generation retired, stamping the retirement time that
// starts its retention clock.
func (s *Service) retire(ctx context.Context, dataset, id string) error {
	gen, err := s.registry.Get(ctx, dataset, id)
	if err != nil {
		return err
	}
	gen.State = domain.GenRetired
	gen.RetiredAt = time.Now().UTC()
	return s.registry.Put(ctx, gen)
}

// Rollback repoints the dataset alias at the most recently retired
// generation older than the current live one. The currently live generation
// is retired in its place. Restricting targets to strictly older builds
// keeps rollback moving backwards through history: rolling back twice in a
// row fails instead of bouncing between the last two generations.
func (s *Service) Rollback(ctx context.Context, dataset string) (domain.Generation, error) {
	gens, err := s.registry.List(ctx, dataset)
	if err != nil {
		return domain.Generation{}, err
	}

	liveID, err := s.registry.Live(ctx, dataset)
	if err != nil {
		return domain.Generation{}, err
	}
	var liveCreated time.Time
	if liveID != "" {
		live, err := s.registry.Get(ctx, dataset, liveID)
		if err != nil {
			return domain.Generation{}, err
		}
		liveCreated = live.CreatedAt
	}

	var target domain.Generation
	for _, g := range gens {
		if g.State != domain.GenRetired {
			continue
		}
		if liveID != "" && !g.CreatedAt.Before(liveCreated) {
			continue
		}
		target = g
		break
	}
	if target.ID == "" {
		return domain.Generation{}, fmt.Errorf("rollback %s: %w", dataset, domain.ErrNoRollbackTarget)
	}

	if err := s.engine.AliasUpdate(ctx, dataset, target.IndexName()); err != nil {
		return domain.Generation{}, fmt.Errorf("repoint alias %s: %w", dataset, err)
	}

	target.State = domain.GenLive
	target.RetiredAt = time.Time{}
	if err := s.registry.Put(ctx, target); err != nil {
		return domain.Generation{}, err
	}
	if err := s.registry.SetLive(ctx, dataset, target.ID); err != nil {
		return domain.Generation{}, err
	}

	if liveID != "" && liveID != target.ID {
		if err := s.retire(ctx, dataset, liveID); err != nil {
			s.logger.Warn("failed to retire rolled-back generation",
				zap.String("dataset", dataset),
				zap.String("generation", liveID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("alias rolled back",
		zap.String("dataset", dataset),
		zap.String("generation", target.ID),
		zap.String("previous", liveID),
	)
	return target, nil
}

// Live returns the generation the dataset alias currently resolves to.
func (s *Service) Live(ctx context.Context, dataset string) (domain.Generation, error) {
	id, err := s.registry.Live(ctx, dataset)
	if err != nil {
		return domain.Generation{}, err
	}
	if id == "" {
		return domain.Generation{}, nil
	}
	return s.registry.Get(ctx, dataset, id)
}

// List returns all recorded generations for a dataset, newest first.
func (s *Service) List(ctx context.Context, dataset string) ([]domain.Generation, error) {
	return s.registry.List(ctx, dataset)
}

// DeleteGeneration drops one generation's index, documents and metadata.
// The live generation is never deletable.
func (s *Service) DeleteGeneration(ctx context.Context, dataset, id string) error {
	gen, err := s.registry.Get(ctx, dataset, id)
	if err != nil {
		return err
	}
	if gen.State == domain.GenLive {
		return fmt.Errorf("delete %s/%s: %w", dataset, id, domain.ErrGenerationLive)
	}
	if err := s.engine.DropIndex(ctx, gen.IndexName(), true); err != nil {
		return err
	}
	return s.registry.Delete(ctx, dataset, id)
}

// Prune deletes every generation past its retention: failed builds
// immediately, retired generations after the grace period. QA generations
// are pruned on the same schedule. Returns the number deleted.
func (s *Service) Prune(ctx context.Context, dataset string) (int, error) {
	gens, err := s.registry.List(ctx, dataset)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, g := range gens {
		if !g.Deletable(s.grace, now) {
			continue
		}
		if err := s.DeleteGeneration(ctx, dataset, g.ID); err != nil {
			return deleted, err
		}
		deleted++
		s.logger.Info("pruned generation",
			zap.String("dataset", dataset),
			zap.String("generation", g.ID),
			zap.String("state", string(g.State)),
		)
	}
	return deleted, nil
}

// IsQAGeneration reports whether a generation id marks a fixture build.
func IsQAGeneration(id string) bool {
	return strings.HasPrefix(id, "qa-")
}

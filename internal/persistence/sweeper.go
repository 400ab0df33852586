package persistence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// SweepStore is the subset of the document store used for garbage collection.
type SweepStore interface {
	ListStaleCrdtDocs(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteCrdtBlob(ctx context.Context, documentID string) error
}

// LiveChecker reports whether a document currently has an in-memory session.
type LiveChecker interface {
	IsLive(documentID string) bool
}

// SweeperConfig describes the dependencies and policies of a Sweeper.
type SweeperConfig struct {
	Store     SweepStore
	Live      LiveChecker
	Retention time.Duration
	Interval  time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Sweeper deletes CRDT blobs that have not changed within the retention window. Documents with a
// live session are skipped.
type Sweeper struct {
	store     SweepStore
	live      LiveChecker
	retention time.Duration
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSweeper validates the configuration and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:     cfg.Store,
		live:      cfg.Live,
		retention: durationOrDefault(cfg.Retention, defaultRetention),
		interval:  durationOrDefault(cfg.Interval, defaultSweepInterval),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Sweep runs one collection pass and returns the number of blobs deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.retention)
	documentIDs, err := s.store.ListStaleCrdtDocs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var errs []error
	for _, documentID := range documentIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if s.live != nil && s.live.IsLive(documentID) {
			continue
		}
		if err := s.store.DeleteCrdtBlob(ctx, documentID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	s.logger.Info("crdt blob sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int("candidates", len(documentIDs)),
		zap.Int("deleted", deleted))
	return deleted, errors.Join(errs...)
}

// Run sweeps on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("crdt blob sweep failed", zap.Error(err))
			}
		}
	}
}

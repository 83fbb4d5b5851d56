// Package dedup decides whether fetched content has been stored before.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// HashIndex is an optional cache of known hashes.
type HashIndex interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Add(ctx context.Context, hash string) error
}

// Deduplicator checks hashes against the index and then the document store.
// Index failures degrade to store lookups; they never fail the check.
type Deduplicator struct {
	docs   crawler.DocumentStore
	index  HashIndex
	logger *zap.Logger
}

// New builds a Deduplicator. index may be nil.
func New(docs crawler.DocumentStore, index HashIndex, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{docs: docs, index: index, logger: logger.Named("dedup")}
}

// CheckDuplicate reports whether a document with this hash is already stored.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, hash string) (bool, error) {
	if d.index != nil {
		hit, err := d.index.Contains(ctx, hash)
		switch {
		case err != nil:
			d.logger.Warn("hash index lookup failed, using store", zap.Error(err))
		case hit:
			return true, nil
		}
	}

	_, err := d.docs.FindByHash(ctx, hash)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: find by hash: %w", crawler.ErrPersistence, err)
	}
	d.warm(ctx, hash)
	return true, nil
}

// Remember records a newly inserted hash in the index.
func (d *Deduplicator) Remember(ctx context.Context, hash string) {
	d.warm(ctx, hash)
}

func (d *Deduplicator) warm(ctx context.Context, hash string) {
	if d.index == nil {
		return
	}
	if err := d.index.Add(ctx, hash); err != nil {
		d.logger.Warn("hash index update failed", zap.Error(err))
	}
}

package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/storage"
)

// ErrLabelCountMismatch is returned when the backend returns a different number of labels than texts.
var ErrLabelCountMismatch = errors.New("label count does not match batch size")

// LabelManager turns backend label assignments into store facts.
type LabelManager struct {
	store storage.Storage
}

// NewLabelManager creates a label manager over store.
func NewLabelManager(store storage.Storage) *LabelManager {
	return &LabelManager{store: store}
}

// ComputeLabelUpdate pairs each candidate in batch with its assigned label and returns
// the facts recording both the label and the updated-at captured at scan time.
// Blocks deleted since the scan are skipped.
func (m *LabelManager) ComputeLabelUpdate(ctx context.Context, workspace string, batch models.Batch, labels []int) ([]models.Fact, error) {
	if len(labels) != len(batch) {
		return nil, fmt.Errorf("%w: %d labels for %d blocks", ErrLabelCountMismatch, len(labels), len(batch))
	}
	exists, err := m.store.ExistingIDs(ctx, workspace, batch.IDs())
	if err != nil {
		return nil, fmt.Errorf("failed to check blocks: %w", err)
	}
	facts := make([]models.Fact, 0, 2*len(batch))
	for i, c := range batch {
		if !exists[c.ID] {
			continue
		}
		facts = append(facts,
			models.AssertFact(c.ID, models.AttrLabel, int64(labels[i])),
			models.AssertFact(c.ID, models.AttrLabelUpdatedAt, c.UpdatedAt),
		)
	}
	return facts, nil
}

// Apply writes facts in one atomic store transaction.
func (m *LabelManager) Apply(ctx context.Context, workspace string, facts []models.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	if err := m.store.Transact(ctx, workspace, facts); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	return nil
}

// Invalidate retracts the label and its timestamp from every block in ids, in one
// atomic write. The blocks become stale and are re-embedded by the next sync.
func (m *LabelManager) Invalidate(ctx context.Context, workspace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	facts := make([]models.Fact, 0, 2*len(ids))
	for _, id := range ids {
		facts = append(facts,
			models.RetractFact(id, models.AttrLabel),
			models.RetractFact(id, models.AttrLabelUpdatedAt),
		)
	}
	if err := m.store.Transact(ctx, workspace, facts); err != nil {
		return fmt.Errorf("failed to invalidate labels: %w", err)
	}
	return nil
}

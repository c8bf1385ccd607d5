package indexer

import (
	"iter"

	"github.com/hyperjump/vecsync/internal/models"
)

// DefaultBatchBudget is the default upper bound on a batch's summed text size, in runes.
const DefaultBatchBudget = 2000

// Batcher groups candidates into batches whose summed text size stays within a budget.
// Candidates are never split; one that alone exceeds the budget forms its own batch.
type Batcher struct {
	budget int
}

// NewBatcher creates a batcher with the given budget; non-positive uses DefaultBatchBudget.
func NewBatcher(budget int) *Batcher {
	if budget <= 0 {
		budget = DefaultBatchBudget
	}
	return &Batcher{budget: budget}
}

// Budget returns the batch size budget.
func (b *Batcher) Budget() int {
	return b.budget
}

// Batches lazily splits seq into greedy prefixes: a batch is closed as soon as the
// next candidate would push it over budget. An error from seq is passed through
// and ends the sequence.
func (b *Batcher) Batches(seq iter.Seq2[models.Candidate, error]) iter.Seq2[models.Batch, error] {
	return func(yield func(models.Batch, error) bool) {
		var (
			cur  models.Batch
			size int
		)
		for c, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			n := c.Size()
			if len(cur) > 0 && size+n > b.budget {
				if !yield(cur, nil) {
					return
				}
				cur, size = nil, 0
			}
			cur = append(cur, c)
			size += n
		}
		if len(cur) > 0 {
			yield(cur, nil)
		}
	}
}

// Split is Batches over a slice, collecting the result.
func (b *Batcher) Split(candidates []models.Candidate) []models.Batch {
	var out []models.Batch
	for batch := range b.Batches(func(yield func(models.Candidate, error) bool) {
		for _, c := range candidates {
			if !yield(c, nil) {
				return
			}
		}
	}) {
		out = append(out, batch)
	}
	return out
}

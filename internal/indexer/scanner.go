package indexer

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/storage"
)

const defaultScanPageSize = 256

// Scanner walks a workspace's blocks, newest first, and yields those that need embedding.
type Scanner struct {
	store    storage.Storage
	pageSize int
	reserved []string
}

// NewScanner creates a scanner reading pageSize blocks per store query. IDs under
// any of the reserved namespaces (e.g. "logseq" matches "logseq/...") are never yielded.
func NewScanner(store storage.Storage, pageSize int, reserved []string) *Scanner {
	if pageSize <= 0 {
		pageSize = defaultScanPageSize
	}
	prefixes := make([]string, 0, len(reserved))
	for _, ns := range reserved {
		ns = strings.Trim(ns, "/")
		if ns != "" {
			prefixes = append(prefixes, ns+"/")
		}
	}
	return &Scanner{store: store, pageSize: pageSize, reserved: prefixes}
}

// Scan yields candidates for workspace in descending updated-at order. With reset
// false only stale blocks are yielded; with reset true every eligible block is.
// The sequence is lazy: the store is read one page at a time as the consumer pulls.
func (s *Scanner) Scan(ctx context.Context, workspace string, reset bool) iter.Seq2[models.Candidate, error] {
	return s.ScanFrom(ctx, workspace, storage.Cursor{}, reset)
}

// ScanFrom is Scan starting after cursor. Pass CursorAfter of the last consumed
// candidate to resume an interrupted scan.
func (s *Scanner) ScanFrom(ctx context.Context, workspace string, cursor storage.Cursor, reset bool) iter.Seq2[models.Candidate, error] {
	return func(yield func(models.Candidate, error) bool) {
		opts := storage.ScanOptions{StaleOnly: !reset}
		for {
			page, err := s.store.ScanBlocks(ctx, workspace, cursor, s.pageSize, opts)
			if err != nil {
				yield(models.Candidate{}, fmt.Errorf("failed to scan blocks: %w", err))
				return
			}
			for _, b := range page {
				cursor = storage.After(b)
				if !s.Eligible(b, reset) {
					continue
				}
				if !yield(candidateOf(b), nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Eligible reports whether b should be embedded. When reset is false the block
// must also be stale.
func (s *Scanner) Eligible(b *models.Block, reset bool) bool {
	for _, prefix := range s.reserved {
		if strings.HasPrefix(b.ID, prefix) {
			return false
		}
	}
	if b.Hidden || b.UsedAsView || b.DescriptionOf != "" {
		return false
	}
	if strings.TrimSpace(b.Title) == "" || StructuralOnly(b.Title) {
		return false
	}
	return reset || b.Stale()
}

// CursorAfter returns the scan position just past c.
func CursorAfter(c models.Candidate) storage.Cursor {
	return storage.Cursor{UpdatedAt: c.UpdatedAt, ID: c.ID, Valid: true}
}

func candidateOf(b *models.Block) models.Candidate {
	c := models.Candidate{
		ID:        b.ID,
		UpdatedAt: b.UpdatedAt,
		Text:      Preprocess(b.EmbeddableText()),
	}
	if b.Label != nil {
		c.PrevLabel = models.IntPtr(*b.Label)
	}
	return c
}

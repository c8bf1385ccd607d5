// Package storage defines the persistence interface for workspace blocks and their index labels.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/vecsync/internal/models"
)

// ErrNotFound is returned when a block does not exist.
var ErrNotFound = errors.New("block not found")

// ErrUnknownAttribute is returned by Transact for facts on attributes the store does not manage.
var ErrUnknownAttribute = errors.New("unknown attribute")

// Cursor is a keyset position in a descending updated-at scan. The zero value
// starts from the newest block.
type Cursor struct {
	UpdatedAt int64
	ID        string
	Valid     bool
}

// After returns the cursor positioned just past b.
func After(b *models.Block) Cursor {
	return Cursor{UpdatedAt: b.UpdatedAt, ID: b.ID, Valid: true}
}

// ScanOptions narrows a block scan.
type ScanOptions struct {
	// StaleOnly limits the scan to blocks without a label or edited after their label was refreshed.
	StaleOnly bool
}

// Storage defines block persistence and the label bookkeeping the sync engine needs.
type Storage interface {
	// Block operations
	PutBlocks(ctx context.Context, workspace string, blocks []*models.Block) error
	GetBlock(ctx context.Context, workspace, id string) (*models.Block, error)
	DeleteBlocks(ctx context.Context, workspace string, ids []string) error
	BlockIDsByPage(ctx context.Context, workspace, page string) ([]string, error)

	// ScanBlocks returns up to limit blocks after cursor, newest updated-at first.
	ScanBlocks(ctx context.Context, workspace string, cursor Cursor, limit int, opts ScanOptions) ([]*models.Block, error)
	// BlocksByLabel returns every block asserting label, most recently written first.
	BlocksByLabel(ctx context.Context, workspace string, label int) ([]*models.Block, error)
	// ExistingIDs reports which of ids still exist, in one round trip.
	ExistingIDs(ctx context.Context, workspace string, ids []string) (map[string]bool, error)
	// Transact applies all facts atomically.
	Transact(ctx context.Context, workspace string, facts []models.Fact) error

	// Stats
	CountBlocks(ctx context.Context, workspace string) (int64, error)
	CountLabelled(ctx context.Context, workspace string) (int64, error)
	Workspaces(ctx context.Context) ([]string, error)

	Close() error
}

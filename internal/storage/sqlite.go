// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/vecsync/internal/models"
)

// SQLiteStorage implements Storage using SQLite. Every label write stamps the
// affected rows with a store-wide write sequence (label_tx) so reverse label
// lookups can order owners by most recent write.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		workspace TEXT NOT NULL,
		id TEXT NOT NULL,
		page TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		hnsw_label INTEGER,
		hnsw_label_updated_at INTEGER,
		label_tx INTEGER,
		hidden INTEGER NOT NULL DEFAULT 0,
		used_as_view INTEGER NOT NULL DEFAULT 0,
		description_of TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workspace, id)
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_updated ON blocks(workspace, updated_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_blocks_label ON blocks(workspace, hnsw_label);
	CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(workspace, page);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO meta (key, value) VALUES ('tx', 0);
	`
	_, err := db.Exec(schema)
	return err
}

const blockColumns = `id, workspace, page, title, description, updated_at,
	hnsw_label, hnsw_label_updated_at, hidden, used_as_view, description_of`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*models.Block, error) {
	var b models.Block
	var label, labelUpdatedAt sql.NullInt64
	if err := row.Scan(&b.ID, &b.Workspace, &b.Page, &b.Title, &b.Description, &b.UpdatedAt,
		&label, &labelUpdatedAt, &b.Hidden, &b.UsedAsView, &b.DescriptionOf); err != nil {
		return nil, err
	}
	if label.Valid {
		b.Label = models.IntPtr(int(label.Int64))
	}
	if labelUpdatedAt.Valid {
		b.LabelUpdatedAt = models.Int64Ptr(labelUpdatedAt.Int64)
	}
	return &b, nil
}

func scanBlocks(rows *sql.Rows) ([]*models.Block, error) {
	defer rows.Close()
	var blocks []*models.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// PutBlocks inserts or updates blocks in one transaction. Label columns are never
// touched here; a zero UpdatedAt is replaced with the current time.
func (s *SQLiteStorage) PutBlocks(ctx context.Context, workspace string, blocks []*models.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO blocks (workspace, id, page, title, description, updated_at, hidden, used_as_view, description_of)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, id) DO UPDATE SET
			page = excluded.page,
			title = excluded.title,
			description = excluded.description,
			updated_at = excluded.updated_at,
			hidden = excluded.hidden,
			used_as_view = excluded.used_as_view,
			description_of = excluded.description_of`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, b := range blocks {
		if b.UpdatedAt == 0 {
			b.UpdatedAt = now
		}
		b.Workspace = workspace
		if _, err := stmt.ExecContext(ctx, workspace, b.ID, b.Page, b.Title, b.Description, b.UpdatedAt,
			b.Hidden, b.UsedAsView, b.DescriptionOf); err != nil {
			return fmt.Errorf("failed to put block %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// GetBlock returns a block by ID.
func (s *SQLiteStorage) GetBlock(ctx context.Context, workspace, id string) (*models.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE workspace = ? AND id = ?`, workspace, id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DeleteBlocks removes blocks by ID. Missing IDs are ignored.
func (s *SQLiteStorage) DeleteBlocks(ctx context.Context, workspace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, workspace)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE workspace = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// BlockIDsByPage returns the IDs of all blocks imported from page.
func (s *SQLiteStorage) BlockIDsByPage(ctx context.Context, workspace, page string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM blocks WHERE workspace = ? AND page = ? ORDER BY id`, workspace, page)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScanBlocks returns up to limit blocks ordered by updated_at DESC, id DESC, strictly after cursor.
func (s *SQLiteStorage) ScanBlocks(ctx context.Context, workspace string, cursor Cursor, limit int, opts ScanOptions) ([]*models.Block, error) {
	var (
		where strings.Builder
		args  = []any{workspace}
	)
	where.WriteString(`workspace = ?`)
	if cursor.Valid {
		where.WriteString(` AND (updated_at < ? OR (updated_at = ? AND id < ?))`)
		args = append(args, cursor.UpdatedAt, cursor.UpdatedAt, cursor.ID)
	}
	if opts.StaleOnly {
		where.WriteString(` AND (hnsw_label IS NULL OR hnsw_label_updated_at IS NULL OR updated_at > hnsw_label_updated_at)`)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE `+where.String()+
			` ORDER BY updated_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

// BlocksByLabel returns blocks asserting label ordered by label write sequence, newest first.
func (s *SQLiteStorage) BlocksByLabel(ctx context.Context, workspace string, label int) ([]*models.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE workspace = ? AND hnsw_label = ?
		 ORDER BY label_tx DESC, hnsw_label_updated_at DESC, id`, workspace, label)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

// ExistingIDs returns the subset of ids present in the workspace.
func (s *SQLiteStorage) ExistingIDs(ctx context.Context, workspace string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, workspace)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM blocks WHERE workspace = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

// Transact applies facts in a single transaction. Facts on blocks that no longer
// exist update nothing.
func (s *SQLiteStorage) Transact(ctx context.Context, workspace string, facts []models.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := nextWriteSeq(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to advance write sequence: %w", err)
	}
	for _, f := range facts {
		query, args, err := factStatement(f, seq)
		if err != nil {
			return err
		}
		args = append(args, workspace, f.BlockID)
		if _, err := tx.ExecContext(ctx, query+` WHERE workspace = ? AND id = ?`, args...); err != nil {
			return fmt.Errorf("failed to apply %s on %s: %w", f.Attr, f.BlockID, err)
		}
	}
	return tx.Commit()
}

func factStatement(f models.Fact, seq int64) (string, []any, error) {
	switch {
	case f.Attr == models.AttrLabel && f.Op == models.Assert:
		return `UPDATE blocks SET hnsw_label = ?, label_tx = ?`, []any{f.Value, seq}, nil
	case f.Attr == models.AttrLabel && f.Op == models.Retract:
		return `UPDATE blocks SET hnsw_label = NULL, label_tx = NULL`, nil, nil
	case f.Attr == models.AttrLabelUpdatedAt && f.Op == models.Assert:
		return `UPDATE blocks SET hnsw_label_updated_at = ?`, []any{f.Value}, nil
	case f.Attr == models.AttrLabelUpdatedAt && f.Op == models.Retract:
		return `UPDATE blocks SET hnsw_label_updated_at = NULL`, nil, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, f.Attr)
	}
}

func nextWriteSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'tx'`); err != nil {
		return 0, err
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'tx'`).Scan(&seq)
	return seq, err
}

// CountBlocks returns the number of blocks in the workspace.
func (s *SQLiteStorage) CountBlocks(ctx context.Context, workspace string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE workspace = ?`, workspace).Scan(&count)
	return count, err
}

// CountLabelled returns the number of blocks that currently own a label.
func (s *SQLiteStorage) CountLabelled(ctx context.Context, workspace string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE workspace = ? AND hnsw_label IS NOT NULL`, workspace).Scan(&count)
	return count, err
}

// Workspaces returns every workspace that has at least one block.
func (s *SQLiteStorage) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workspace FROM blocks ORDER BY workspace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

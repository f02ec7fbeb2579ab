package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BoardGate checks read access to boards: the owner and every member of the
// board may read it.
type BoardGate struct {
	db *sql.DB
}

func NewBoardGate(db *sql.DB) *BoardGate {
	return &BoardGate{db: db}
}

var _ Gate = (*BoardGate)(nil)

func (g *BoardGate) HasReadAccess(ctx context.Context, userID, resourceID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM boards WHERE id = $1 AND owner_id = $2
			UNION ALL
			SELECT 1 FROM board_members WHERE board_id = $1 AND user_id = $2
		)
	`
	var allowed bool
	if err := g.db.QueryRowContext(ctx, query, resourceID, userID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("board access check: %w", err)
	}
	return allowed, nil
}

// NotebookGate checks read access to notebooks. Notebooks live inside
// folders owned by a single user and are not shared, so only the owner
// may read.
type NotebookGate struct {
	db *sql.DB
}

func NewNotebookGate(db *sql.DB) *NotebookGate {
	return &NotebookGate{db: db}
}

var _ Gate = (*NotebookGate)(nil)

func (g *NotebookGate) HasReadAccess(ctx context.Context, userID, resourceID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM notebooks WHERE id = $1 AND owner_id = $2)`
	var allowed bool
	if err := g.db.QueryRowContext(ctx, query, resourceID, userID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("notebook access check: %w", err)
	}
	return allowed, nil
}

// UserDirectory resolves display names from the users table.
type UserDirectory struct {
	db *sql.DB
}

func NewUserDirectory(db *sql.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

var _ Directory = (*UserDirectory)(nil)

func (d *UserDirectory) GetDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("display name lookup: %w", err)
	}
	return name, nil
}

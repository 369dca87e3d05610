package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Load returns the document stored under key, or nil when there is none.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", key, err)
	}
	return body, nil
}

// Save replaces the document stored under key. The previous body is kept as
// a revision.
func (s *Store) Save(ctx context.Context, key string, body []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (key, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, key, body, now, now)
	if err != nil {
		return fmt.Errorf("save document %s: %w", key, err)
	}
	return nil
}

// Delete removes the document and its revisions. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete document %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_revisions WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete revisions %s: %w", key, err)
		}
		return nil
	})
}

// Revision is a previous body of a document.
type Revision struct {
	ID         int64
	Body       []byte
	ReplacedAt time.Time
}

// Revisions returns the retained previous bodies of key, newest first.
func (s *Store) Revisions(ctx context.Context, key string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, replaced_at FROM document_revisions
		WHERE key = ? ORDER BY id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query revisions %s: %w", key, err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		var replaced string
		if err := rows.Scan(&r.ID, &r.Body, &replaced); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.ReplacedAt, _ = time.Parse(time.RFC3339Nano, replaced)
		out = append(out, r)
	}
	return out, rows.Err()
}

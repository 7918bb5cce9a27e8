package store

import (
	"context"
	"database/sql"
)

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	// sql.ErrNoRows 原样抛给调用方
	return docID, err
}

// EnsureDocument 建档（幂等）：已存在就什么都不做。
func (s *DocumentStore) EnsureDocument(ctx context.Context, docID string, ownerID uint64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO documents (id, owner_id, title) VALUES (?, ?, ?)`,
		docID,
		ownerID,
		title,
	)
	return err
}

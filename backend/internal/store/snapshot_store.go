package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"collabEngine/backend/internal/session"
)

// SnapshotStore 落盘/读取文档快照。
// 写路径在会话拆除和显式保存时走；读路径只有 join-without-prior-start
// 重建会话时走。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, lastTimestamp int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, last_timestamp, content)
		VALUES (?, ?, ?)`,
		docID,
		lastTimestamp,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 (document_id, last_timestamp) 的快照已经在了 ⇒ 当成功
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LoadDocumentSnapshot 取该文档最新的一份快照；documents 表里有元数据
// 就一起带出来。没有任何快照返回 session.ErrNoSnapshot。
func (s *SnapshotStore) LoadDocumentSnapshot(ctx context.Context, docID string) (session.Snapshot, error) {
	var snap session.Snapshot
	var title sql.NullString
	var ownerID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT s.content, s.last_timestamp, d.title, d.owner_id
		FROM document_snapshots s
		LEFT JOIN documents d ON d.id = s.document_id
		WHERE s.document_id = ?
		ORDER BY s.last_timestamp DESC
		LIMIT 1`,
		docID,
	).Scan(&snap.Content, &snap.LastTimestamp, &title, &ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Snapshot{}, session.ErrNoSnapshot
		}
		return session.Snapshot{}, err
	}
	if title.Valid {
		snap.Title = title.String
	}
	if ownerID.Valid {
		snap.OwnerID = uint64(ownerID.Int64)
	}
	return snap, nil
}

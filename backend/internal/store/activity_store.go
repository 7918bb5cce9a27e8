package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"collabEngine/backend/internal/session"
)

// ActivityRecord 是 join/leave/evict 的审计行。引擎只写不读，
// 下游通知服务（邮件/推送）自己来消费这张表。
type ActivityRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"size:64;index"`
	UserID     uint64    `gorm:"index"`
	Username   string    `gorm:"size:64"`
	Action     string    `gorm:"size:16"`
	OccurredAt time.Time `gorm:"index"`
}

func (ActivityRecord) TableName() string { return "collab_activity" }

type ActivityStore struct{ db *gorm.DB }

func NewActivityStore(db *gorm.DB) (*ActivityStore, error) {
	if err := db.AutoMigrate(&ActivityRecord{}); err != nil {
		return nil, err
	}
	return &ActivityStore{db: db}, nil
}

// Record 实现 session.ActivitySink。
func (s *ActivityStore) Record(ctx context.Context, entries []session.ActivityLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]ActivityRecord, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, ActivityRecord{
			DocumentID: e.DocID,
			UserID:     e.UserID,
			Username:   e.Username,
			Action:     e.Action,
			OccurredAt: e.At,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

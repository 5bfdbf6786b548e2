package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opChangeFeed = "tracker.change_feed"

	reasonChangeLogDisabled = "change_log_disabled"

	defaultChangeFeedLimit = 500
)

// ChangeLogEntry records when the store last accepted a change to an entity. ReceivedAt comes
// from the store's own clock and strictly increases across entries, so it orders changes by
// arrival rather than by the writer's updated_at.
type ChangeLogEntry struct {
	EntityType EntityType `gorm:"column:entity_type;primaryKey"`
	EntityID   string     `gorm:"column:entity_id;primaryKey"`
	UserID     string     `gorm:"column:user_id;not null"`
	ReceivedAt string     `gorm:"column:received_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "hub_changes"
}

// ChangePage is one page of a change feed. Cursor is the ReceivedAt of the last entry in the
// page, or the requested cursor when the page is empty.
type ChangePage struct {
	Goals    []Goal
	Progress []ProgressRecord
	Cursor   string
	HasMore  bool
}

// KeepsChangeLog reports whether the store records a change log.
func (s *Service) KeepsChangeLog() bool {
	return s != nil && s.changeLog
}

// ChangeFeed returns the user's rows whose latest accepted change arrived after the cursor, in
// arrival order, at most limit entities per page. An empty cursor starts from the beginning.
func (s *Service) ChangeFeed(ctx context.Context, userID UserID, after string, limit int) (ChangePage, error) {
	if err := s.ready(opChangeFeed); err != nil {
		return ChangePage{}, err
	}
	if !s.changeLog {
		return ChangePage{}, newServiceError(opChangeFeed, reasonChangeLogDisabled,
			fmt.Errorf("%w: store does not keep a change log", ErrValidation))
	}
	cursor := ""
	if strings.TrimSpace(after) != "" {
		canonical, err := CanonicalTimestamp(after)
		if err != nil {
			return ChangePage{}, newServiceError(opChangeFeed, reasonInvalidInput, err)
		}
		cursor = canonical
	}
	if limit <= 0 {
		limit = defaultChangeFeedLimit
	}

	page := ChangePage{Cursor: cursor}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []ChangeLogEntry
		if err := tx.Where("user_id = ? AND received_at > ?", userID.String(), cursor).
			Order("received_at ASC").
			Limit(limit + 1).
			Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) > limit {
			page.HasMore = true
			entries = entries[:limit]
		}

		var goalIDs, progressIDs []string
		for _, entry := range entries {
			switch entry.EntityType {
			case EntityTypeGoal:
				goalIDs = append(goalIDs, entry.EntityID)
			case EntityTypeDailyProgress:
				progressIDs = append(progressIDs, entry.EntityID)
			}
			page.Cursor = entry.ReceivedAt
		}
		if len(goalIDs) > 0 {
			if err := tx.Where("id IN ?", goalIDs).Order("updated_at ASC").Find(&page.Goals).Error; err != nil {
				return err
			}
		}
		if len(progressIDs) > 0 {
			if err := tx.Where("id IN ?", progressIDs).Order("updated_at ASC").Find(&page.Progress).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opChangeFeed, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return ChangePage{}, newServiceError(opChangeFeed, reasonQueryFailed, err)
	}
	return page, nil
}

// logChange stamps the entity's change log entry inside the caller's transaction. Entities that
// do not resolve to an owner are skipped.
func (s *Service) logChange(tx *gorm.DB, entityType EntityType, entityID string) error {
	if !s.changeLog {
		return nil
	}
	var owners []string
	var err error
	switch entityType {
	case EntityTypeGoal:
		err = tx.Model(&Goal{}).Where("id = ?", entityID).Pluck("user_id", &owners).Error
	case EntityTypeDailyProgress:
		err = tx.Table("daily_progress").
			Joins("JOIN goals ON goals.id = daily_progress.goal_id").
			Where("daily_progress.id = ?", entityID).
			Pluck("goals.user_id", &owners).Error
	}
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	receivedAt, err := s.nextReceivedAt(tx)
	if err != nil {
		return err
	}
	entry := ChangeLogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     owners[0],
		ReceivedAt: receivedAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "received_at"}),
	}).Create(&entry).Error
}

func (s *Service) forgetChange(tx *gorm.DB, entityType EntityType, entityID string) error {
	if !s.changeLog {
		return nil
	}
	return tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).Delete(&ChangeLogEntry{}).Error
}

// nextReceivedAt reads the clock but never returns a value at or before the newest entry, so a
// clock that stalls or steps back cannot reorder the feed.
func (s *Service) nextReceivedAt(tx *gorm.DB) (string, error) {
	now := s.clock().UTC().Truncate(time.Millisecond)
	var latest []string
	if err := tx.Model(&ChangeLogEntry{}).Order("received_at DESC").Limit(1).Pluck("received_at", &latest).Error; err != nil {
		return "", err
	}
	if len(latest) == 1 {
		if previous, err := ParseTimestamp(latest[0]); err == nil && !now.After(previous) {
			now = previous.Add(time.Millisecond)
		}
	}
	return FormatTimestamp(now), nil
}

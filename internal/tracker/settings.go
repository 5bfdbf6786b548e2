package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opUpdateLastSync = "tracker.update_last_sync"
	opLastSync       = "tracker.last_sync"
)

// UpdateLastSync stores the user's sync watermark. A timestamp earlier than the stored one
// fails with ErrOrdering; an equal one is accepted.
func (s *Service) UpdateLastSync(ctx context.Context, userID UserID, timestamp time.Time) (SyncSettings, error) {
	if err := s.ready(opUpdateLastSync); err != nil {
		return SyncSettings{}, err
	}
	settings := SyncSettings{
		UserID:     userID.String(),
		LastSyncAt: FormatTimestamp(timestamp),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SyncSettings
		err := tx.Where("user_id = ?", settings.UserID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opUpdateLastSync, reasonQueryFailed, err, zap.String(fieldUserID, settings.UserID))
			return newServiceError(opUpdateLastSync, reasonQueryFailed, err)
		default:
			previous, parseErr := ParseTimestamp(existing.LastSyncAt)
			if parseErr != nil {
				s.logError(opUpdateLastSync, reasonQueryFailed, parseErr, zap.String(fieldUserID, settings.UserID))
				return newServiceError(opUpdateLastSync, reasonQueryFailed, parseErr)
			}
			if timestamp.UTC().Before(previous) {
				return newServiceError(opUpdateLastSync, reasonNonMonotonic,
					fmt.Errorf("%w: %s precedes stored %s", ErrOrdering, settings.LastSyncAt, existing.LastSyncAt))
			}
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sync_at"}),
		}).Create(&settings).Error
		if err != nil {
			s.logError(opUpdateLastSync, reasonUpdateFailed, err, zap.String(fieldUserID, settings.UserID))
			return newServiceError(opUpdateLastSync, reasonUpdateFailed, classifyWriteError(err))
		}
		return nil
	})
	if txErr != nil {
		return SyncSettings{}, txErr
	}
	return settings, nil
}

// LastSync returns the stored watermark and whether one exists.
func (s *Service) LastSync(ctx context.Context, userID UserID) (string, bool, error) {
	if err := s.ready(opLastSync); err != nil {
		return "", false, err
	}
	var settings SyncSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opLastSync, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return "", false, newServiceError(opLastSync, reasonQueryFailed, err)
	}
	return settings.LastSyncAt, true, nil
}

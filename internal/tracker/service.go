package tracker

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew = "tracker.service.new"

	fieldUserID     = "user_id"
	fieldGoalID     = "goal_id"
	fieldProgressID = "progress_id"
	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldOperation  = "operation"
	fieldSyncID     = "sync_id"
	fieldStatus     = "status"

	reasonMissingDatabase   = "missing_database"
	reasonInvalidInput      = "invalid_input"
	reasonUnknownUser       = "unknown_user"
	reasonUnknownGoal       = "unknown_goal"
	reasonUnknownProgress   = "unknown_progress"
	reasonGoalDeleted       = "goal_deleted"
	reasonQueryFailed       = "query_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonIDGenerationFail  = "id_generation_failed"
	reasonOutboxFailed      = "outbox_failed"
	reasonIllegalTransition = "illegal_transition"
	reasonStaleStatus       = "stale_status"
	reasonNonMonotonic      = "non_monotonic"
	reasonNotFound          = "not_found"
)

// IDProvider issues fresh entity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Observer receives outbox events. Implementations must not block.
type Observer interface {
	OutboxEnqueued(entityType EntityType, operation Operation)
	SyncStatusChanged(status SyncStatus)
}

type noOpObserver struct{}

func (noOpObserver) OutboxEnqueued(EntityType, Operation) {}

func (noOpObserver) SyncStatusChanged(SyncStatus) {}

// ServiceConfig describes the dependencies of the local store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Observer   Observer
	// ChangeLog makes the store record the order in which it accepted each entity change.
	// Hubs enable it to serve change feeds; devices leave it off.
	ChangeLog bool
}

// Service persists users, goals and daily progress and records every mutation in the outbox.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	observer   Observer
	changeLog  bool
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		observer:   observer,
		changeLog:  cfg.ChangeLog,
	}, nil
}

func (s *Service) now() string {
	return FormatTimestamp(s.clock())
}

func (s *Service) newID(operation string) (string, error) {
	if s.idProvider == nil {
		return "", newServiceError(operation, reasonIDGenerationFail, errMissingIDProvider)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGenerationFail, err)
		return "", newServiceError(operation, reasonIDGenerationFail, err)
	}
	return id, nil
}

// ready guards against zero-value services.
func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) observerOrDefault() Observer {
	if s == nil || s.observer == nil {
		return noOpObserver{}
	}
	return s.observer
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("tracker service error", attrs...)
}

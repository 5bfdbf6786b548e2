package tracker

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("tracker: invalid user id")
	// ErrInvalidGoalID indicates that a goal identifier is empty or exceeds storage bounds.
	ErrInvalidGoalID = errors.New("tracker: invalid goal id")
	// ErrInvalidProgressID indicates that a progress identifier is empty or exceeds storage bounds.
	ErrInvalidProgressID = errors.New("tracker: invalid progress id")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// GoalID represents a validated goal identifier.
type GoalID string

// NewGoalID validates raw input and returns a GoalID.
func NewGoalID(rawInput string) (GoalID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidGoalID)
	if err != nil {
		return "", err
	}
	return GoalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id GoalID) String() string {
	return string(id)
}

// ProgressID represents a validated daily progress identifier.
type ProgressID string

// NewProgressID validates raw input and returns a ProgressID.
func NewProgressID(rawInput string) (ProgressID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidProgressID)
	if err != nil {
		return "", err
	}
	return ProgressID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProgressID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// EntityType names the kind of record an outbox entry refers to.
type EntityType string

const (
	// EntityTypeGoal marks outbox entries for goals.
	EntityTypeGoal EntityType = "goal"
	// EntityTypeDailyProgress marks outbox entries for daily progress records.
	EntityTypeDailyProgress EntityType = "daily_progress"
)

// ParseEntityType validates raw input against the known entity types.
func ParseEntityType(value string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(value))) {
	case EntityTypeGoal:
		return EntityTypeGoal, nil
	case EntityTypeDailyProgress:
		return EntityTypeDailyProgress, nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", ErrValidation, value)
	}
}

// Operation enumerates the mutations recorded in the outbox.
type Operation string

const (
	// OperationCreate records the first write of an entity.
	OperationCreate Operation = "create"
	// OperationUpdate records an in-place change of an existing entity.
	OperationUpdate Operation = "update"
	// OperationDelete records a soft delete.
	OperationDelete Operation = "delete"
)

// ParseOperation validates raw input against the known operations.
func ParseOperation(value string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(value))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrValidation, value)
	}
}

// SyncStatus is the delivery state of an outbox entry.
type SyncStatus string

const (
	// SyncStatusPending marks entries waiting for delivery.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusInFlight marks entries a sync engine is currently delivering.
	SyncStatusInFlight SyncStatus = "in-flight"
	// SyncStatusSucceeded marks delivered entries. It is terminal.
	SyncStatusSucceeded SyncStatus = "succeeded"
	// SyncStatusFailed marks entries whose last delivery attempt failed.
	SyncStatusFailed SyncStatus = "failed"
)

// ParseSyncStatus validates raw input against the closed status set.
func ParseSyncStatus(value string) (SyncStatus, error) {
	switch SyncStatus(strings.ToLower(strings.TrimSpace(value))) {
	case SyncStatusPending:
		return SyncStatusPending, nil
	case SyncStatusInFlight:
		return SyncStatusInFlight, nil
	case SyncStatusSucceeded:
		return SyncStatusSucceeded, nil
	case SyncStatusFailed:
		return SyncStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown sync status %q", ErrValidation, value)
	}
}

var allowedTransitions = map[SyncStatus][]SyncStatus{
	SyncStatusPending:   {SyncStatusInFlight, SyncStatusFailed},
	SyncStatusInFlight:  {SyncStatusSucceeded, SyncStatusFailed, SyncStatusPending},
	SyncStatusFailed:    {SyncStatusInFlight, SyncStatusPending},
	SyncStatusSucceeded: nil,
}

// CanTransition reports whether an outbox entry may move from one status to another.
func CanTransition(from, to SyncStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// User models an account owner.
type User struct {
	ID        string `gorm:"column:id;primaryKey"`
	Email     string `gorm:"column:email;not null"`
	CreatedAt string `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Goal models a tracked objective with a date range.
type Goal struct {
	ID          string `gorm:"column:id;primaryKey"`
	UserID      string `gorm:"column:user_id;not null"`
	Title       string `gorm:"column:title;not null"`
	Description string `gorm:"column:description;not null"`
	StartDate   string `gorm:"column:start_date;not null"`
	EndDate     string `gorm:"column:end_date;not null"`
	TargetUnits *int64 `gorm:"column:target_units"`
	CreatedAt   string `gorm:"column:created_at;not null"`
	UpdatedAt   string `gorm:"column:updated_at;not null"`
	Deleted     bool   `gorm:"column:deleted;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Goal) TableName() string {
	return "goals"
}

// ProgressRecord models one day's recorded progress toward a goal.
type ProgressRecord struct {
	ID        string  `gorm:"column:id;primaryKey"`
	GoalID    string  `gorm:"column:goal_id;not null"`
	Date      string  `gorm:"column:date;not null"`
	Value     float64 `gorm:"column:value;not null"`
	Note      string  `gorm:"column:note;not null"`
	CreatedAt string  `gorm:"column:created_at;not null"`
	UpdatedAt string  `gorm:"column:updated_at;not null"`
	Deleted   bool    `gorm:"column:deleted;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ProgressRecord) TableName() string {
	return "daily_progress"
}

// SyncMeta is an outbox entry describing a change awaiting delivery.
type SyncMeta struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType    EntityType `gorm:"column:entity_type;not null"`
	EntityID      string     `gorm:"column:entity_id;not null"`
	Operation     Operation  `gorm:"column:operation;not null"`
	LastAttemptAt *string    `gorm:"column:last_attempt_at"`
	Status        SyncStatus `gorm:"column:status;not null;default:pending"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMeta) TableName() string {
	return "sync_meta"
}

// SyncSettings stores the per-user synchronization watermark.
type SyncSettings struct {
	UserID     string `gorm:"column:user_id;primaryKey"`
	LastSyncAt string `gorm:"column:last_sync_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncSettings) TableName() string {
	return "sync_settings"
}

// GoalInput carries the user-editable goal fields.
type GoalInput struct {
	UserID      string
	Title       string
	Description string
	StartDate   string
	EndDate     string
	TargetUnits *int64
}

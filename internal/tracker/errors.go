package tracker

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrValidation reports a referenced entity that is missing or soft-deleted, or malformed input.
	ErrValidation = errors.New("tracker: validation failed")
	// ErrConstraint reports a uniqueness or foreign-key violation raised by the storage engine.
	ErrConstraint = errors.New("tracker: constraint violated")
	// ErrOrdering reports a sync watermark that would move backwards.
	ErrOrdering = errors.New("tracker: non-monotonic sync timestamp")
	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("tracker: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "<operation>.<reason>" code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// classifyWriteError maps storage engine constraint failures onto ErrConstraint.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "foreign key constraint failed") ||
		strings.Contains(message, "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

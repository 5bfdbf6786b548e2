package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateUser      = "tracker.create_user"
	opEnsureUser      = "tracker.ensure_user"
	opGetUser         = "tracker.get_user"
	opFindUserByEmail = "tracker.find_user_by_email"
)

// NormalizeEmail trims and lower-cases an address and rejects malformed input.
func NormalizeEmail(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty email", ErrValidation)
	}
	address, err := mail.ParseAddress(trimmed)
	if err != nil || address.Address != trimmed {
		return "", fmt.Errorf("%w: invalid email %q", ErrValidation, rawInput)
	}
	return trimmed, nil
}

// CreateUser inserts a user with a fresh identifier.
func (s *Service) CreateUser(ctx context.Context, email string) (User, error) {
	if err := s.ready(opCreateUser); err != nil {
		return User{}, err
	}
	id, err := s.newID(opCreateUser)
	if err != nil {
		return User{}, err
	}
	return s.insertUser(ctx, opCreateUser, id, email)
}

// EnsureUser returns the user with the given id, creating it when absent.
// An email already owned by another id surfaces as ErrConstraint.
func (s *Service) EnsureUser(ctx context.Context, id UserID, email string) (User, error) {
	if err := s.ready(opEnsureUser); err != nil {
		return User{}, err
	}
	existing, err := s.GetUser(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	return s.insertUser(ctx, opEnsureUser, id.String(), email)
}

func (s *Service) insertUser(ctx context.Context, operation, id, email string) (User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, newServiceError(operation, reasonInvalidInput, err)
	}
	user := User{
		ID:        id,
		Email:     normalized,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		classified := classifyWriteError(err)
		s.logError(operation, reasonInsertFailed, classified, zap.String(fieldUserID, id))
		return User{}, newServiceError(operation, reasonInsertFailed, classified)
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id UserID) (User, error) {
	if err := s.ready(opGetUser); err != nil {
		return User{}, err
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGetUser, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGetUser, reasonQueryFailed, err, zap.String(fieldUserID, id.String()))
		return User{}, newServiceError(opGetUser, reasonQueryFailed, err)
	}
	return user, nil
}

// FindUserByEmail loads a user by normalized email address.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (User, error) {
	if err := s.ready(opFindUserByEmail); err != nil {
		return User{}, err
	}
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, newServiceError(opFindUserByEmail, reasonInvalidInput, err)
	}
	var user User
	err = s.db.WithContext(ctx).Where("email = ?", normalized).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opFindUserByEmail, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opFindUserByEmail, reasonQueryFailed, err)
		return User{}, newServiceError(opFindUserByEmail, reasonQueryFailed, err)
	}
	return user, nil
}

func userExists(tx *gorm.DB, id string) (bool, error) {
	var count int64
	if err := tx.Model(&User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

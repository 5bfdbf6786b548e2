package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MinPasswordLength is the shortest sync password a hub accepts.
	MinPasswordLength = 12
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

var (
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrWeakPassword indicates a password outside the accepted length range.
	ErrWeakPassword = fmt.Errorf("users: password must be %d to %d characters", MinPasswordLength, maxPasswordLength)
)

// Credential is a hub-side password hash for one email address.
type Credential struct {
	Email        string `gorm:"column:email;primaryKey"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	CreatedAt    string `gorm:"column:created_at;not null"`
	UpdatedAt    string `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "hub_credentials"
}

// CredentialConfig describes the dependencies of a credential store. Cost defaults to
// bcrypt.DefaultCost.
type CredentialConfig struct {
	Database *gorm.DB
	Cost     int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// CredentialStore verifies sync passwords on a hub. Passwords are provisioned by the hub
// operator; an email without a credential cannot sign in.
type CredentialStore struct {
	db     *gorm.DB
	cost   int
	clock  func() time.Time
	logger *zap.Logger
}

// NewCredentialStore constructs a credential store.
func NewCredentialStore(cfg CredentialConfig) (*CredentialStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("users: credential database required")
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("users: bcrypt cost %d out of range", cost)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialStore{db: cfg.Database, cost: cost, clock: clock, logger: logger}, nil
}

// SetPassword stores or replaces the password for email.
func (c *CredentialStore) SetPassword(ctx context.Context, email string, password string) error {
	normalized, err := tracker.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if len(password) < MinPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	now := tracker.FormatTimestamp(c.clock())
	credential := Credential{Email: normalized, PasswordHash: string(hash), CreatedAt: now, UpdatedAt: now}
	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "updated_at"}),
	}).Create(&credential).Error
	if err != nil {
		c.logger.Error("failed to store credential", zap.Error(err))
		return fmt.Errorf("users: store credential: %w", err)
	}
	c.logger.Info("credential stored", zap.String("email", normalized))
	return nil
}

// Verify checks password against the stored hash for email. Unknown emails and wrong passwords
// both yield ErrInvalidCredentials.
func (c *CredentialStore) Verify(ctx context.Context, email string, password string) error {
	normalized, err := tracker.NormalizeEmail(email)
	if err != nil || password == "" {
		return ErrInvalidCredentials
	}
	var credential Credential
	err = c.db.WithContext(ctx).Where("email = ?", normalized).Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		c.logger.Error("failed to load credential", zap.Error(err))
		return fmt.Errorf("users: load credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

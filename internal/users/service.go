package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/auth"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"go.uber.org/zap"
)

// ErrInvalidIdentity indicates the request did not carry a usable identity.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for sign-in.
type ServiceConfig struct {
	Store  *tracker.Service
	Logger *zap.Logger
}

// Service resolves sign-ins and sessions to tracker users.
type Service struct {
	store  *tracker.Service
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the sign-in service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: tracker store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, logger: logger}, nil
}

// SignIn returns the user owning email, creating it on first sight. A non-empty preferredID is
// used as the id of a newly created user so that a device and its hub agree on identity.
func (s *Service) SignIn(ctx context.Context, email string, preferredID string) (tracker.User, error) {
	normalized, err := tracker.NormalizeEmail(email)
	if err != nil {
		return tracker.User{}, err
	}
	if cached, ok := s.cache.Load(normalized); ok {
		if user, ok := cached.(tracker.User); ok {
			return user, nil
		}
	}

	user, err := s.store.FindUserByEmail(ctx, normalized)
	if errors.Is(err, tracker.ErrNotFound) {
		user, err = s.create(ctx, normalized, preferredID)
		if errors.Is(err, tracker.ErrConstraint) {
			// A concurrent sign-in for the same address may have won the insert.
			if existing, lookupErr := s.store.FindUserByEmail(ctx, normalized); lookupErr == nil {
				user, err = existing, nil
			}
		}
	}
	if err != nil {
		return tracker.User{}, err
	}

	s.cache.Store(normalized, user)
	return user, nil
}

// ResolveSession maps validated session claims to the stored user.
func (s *Service) ResolveSession(ctx context.Context, claims auth.SessionClaims) (tracker.User, error) {
	userID, err := tracker.NewUserID(claims.UserID())
	if err != nil {
		return tracker.User{}, ErrInvalidIdentity
	}
	if email := strings.TrimSpace(claims.UserEmail); email != "" {
		if normalized, err := tracker.NormalizeEmail(email); err == nil {
			if cached, ok := s.cache.Load(normalized); ok {
				if user, ok := cached.(tracker.User); ok && user.ID == userID.String() {
					return user, nil
				}
			}
		}
	}
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, tracker.ErrNotFound) {
		return tracker.User{}, ErrInvalidIdentity
	}
	if err != nil {
		return tracker.User{}, err
	}
	s.cache.Store(user.Email, user)
	return user, nil
}

func (s *Service) create(ctx context.Context, email string, preferredID string) (tracker.User, error) {
	if strings.TrimSpace(preferredID) == "" {
		user, err := s.store.CreateUser(ctx, email)
		if err == nil {
			s.logger.Info("user created", zap.String("user_id", user.ID))
		}
		return user, err
	}
	userID, err := tracker.NewUserID(preferredID)
	if err != nil {
		return tracker.User{}, fmt.Errorf("%w: %v", tracker.ErrValidation, err)
	}
	user, err := s.store.EnsureUser(ctx, userID, email)
	if err != nil {
		return tracker.User{}, err
	}
	if user.Email != email {
		return tracker.User{}, fmt.Errorf("%w: user %s is registered with another email", tracker.ErrConstraint, userID)
	}
	s.logger.Info("user signed in", zap.String("user_id", user.ID))
	return user, nil
}

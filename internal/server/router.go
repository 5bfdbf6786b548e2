package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/auth"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/metrics"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/syncer"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey            = "cybotrack_user"
	defaultHeartbeatInterval  = 25 * time.Second
	statusClientClosedRequest = 499
)

var (
	errMissingStore         = errors.New("tracker store dependency required")
	errMissingUsers         = errors.New("users dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingCredentials   = errors.New("credential verifier dependency required for hub routes")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// SessionIssuer signs session tokens for signed-in users.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, userID string, email string) (string, int64, error)
}

// SessionValidator extracts and validates the session carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserDirectory signs users in and resolves sessions to users.
type UserDirectory interface {
	SignIn(ctx context.Context, email string, preferredID string) (tracker.User, error)
	ResolveSession(ctx context.Context, claims auth.SessionClaims) (tracker.User, error)
}

// CredentialVerifier checks a sign-in password.
type CredentialVerifier interface {
	Verify(ctx context.Context, email string, password string) error
}

// SyncRunner runs a device-side sync pass.
type SyncRunner interface {
	Sync(ctx context.Context, userID tracker.UserID) (syncer.Report, error)
}

// Dependencies wires the HTTP surface. Hub, Engine, Dispatcher and Metrics are optional; the
// routes they back are only registered when present. With Credentials set, sign-in requires a
// password; a hub must set it.
type Dependencies struct {
	Store             *tracker.Service
	Users             UserDirectory
	Tokens            SessionIssuer
	Sessions          SessionValidator
	Credentials       CredentialVerifier
	Hub               *syncer.Hub
	Engine            SyncRunner
	Dispatcher        *realtime.Dispatcher
	Metrics           *metrics.Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Hub != nil && deps.Credentials == nil {
		return nil, errMissingCredentials
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		store:             deps.Store,
		users:             deps.Users,
		tokens:            deps.Tokens,
		sessions:          deps.Sessions,
		credentials:       deps.Credentials,
		hub:               deps.Hub,
		engine:            deps.Engine,
		dispatcher:        deps.Dispatcher,
		metrics:           deps.Metrics,
		heartbeatInterval: heartbeat,
		clock:             clock,
		logger:            logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(handler.recordRequest)
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.POST("/auth/session", handler.handleCreateSession)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/goals", handler.handleListGoals)
	protected.POST("/goals", handler.handleCreateGoal)
	protected.GET("/goals/:id", handler.handleGetGoal)
	protected.PUT("/goals/:id", handler.handleUpdateGoal)
	protected.DELETE("/goals/:id", handler.handleDeleteGoal)
	protected.GET("/goals/:id/summary", handler.handleGoalSummary)
	protected.GET("/goals/:id/progress", handler.handleListProgress)
	protected.PUT("/goals/:id/progress/:date", handler.handleRecordProgress)
	protected.DELETE("/progress/:id", handler.handleDeleteProgress)
	protected.GET("/stats", handler.handleDashboard)

	protected.GET("/sync/outbox", handler.handleListOutbox)
	protected.GET("/sync/status", handler.handleSyncStatus)
	if deps.Engine != nil {
		protected.POST("/sync/run", handler.handleRunSync)
	}
	if deps.Hub != nil {
		protected.POST("/sync/push", handler.handleSyncPush)
		protected.GET("/sync/pull", handler.handleSyncPull)
	}
	if deps.Dispatcher != nil {
		protected.GET("/events", handler.handleEvents)
	}

	return router, nil
}

type httpHandler struct {
	store             *tracker.Service
	users             UserDirectory
	tokens            SessionIssuer
	sessions          SessionValidator
	credentials       CredentialVerifier
	hub               *syncer.Hub
	engine            SyncRunner
	dispatcher        *realtime.Dispatcher
	metrics           *metrics.Metrics
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) recordRequest(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(started))
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request syncer.SessionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.credentials != nil {
		if err := h.credentials.Verify(c.Request.Context(), request.Email, request.Password); err != nil {
			if errors.Is(err, users.ErrInvalidCredentials) {
				h.logger.Info("sign in refused", zap.String("email", request.Email))
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			h.logger.Error("failed to verify credentials", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_check_failed"})
			return
		}
	}

	user, err := h.users.SignIn(c.Request.Context(), request.Email, request.UserID)
	if err != nil {
		h.writeError(c, "sign in failed", err)
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, syncer.SessionResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		User: syncer.UserPayload{
			ID:        user.ID,
			Email:     user.Email,
			CreatedAt: user.CreatedAt,
		},
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	user, err := h.users.ResolveSession(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Info("session refers to an unknown user", zap.String("user_id", claims.UserID()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve session", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) (tracker.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return tracker.User{}, false
	}
	user, ok := value.(tracker.User)
	return user, ok && user.ID != ""
}

// writeError maps store errors onto HTTP statuses and includes the stable error code when one
// is available.
func (h *httpHandler) writeError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, tracker.ErrValidation):
		status, label = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, tracker.ErrConstraint), errors.Is(err, tracker.ErrOrdering):
		status, label = http.StatusConflict, "conflict"
	case errors.Is(err, syncer.ErrSyncInProgress):
		status, label = http.StatusConflict, "sync_in_progress"
	case errors.Is(err, context.Canceled):
		status, label = statusClientClosedRequest, "canceled"
	}

	payload := gin.H{"error": label}
	var serviceErr *tracker.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}

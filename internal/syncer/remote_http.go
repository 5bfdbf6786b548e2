package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"go.uber.org/zap"
)

const (
	pathSession = "/auth/session"
	pathPush    = "/sync/push"
	pathPull    = "/sync/pull"

	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 8 << 20
)

var (
	// ErrUnauthorized reports that the hub refused the session even after re-authenticating.
	ErrUnauthorized = errors.New("syncer: hub rejected credentials")
	// ErrIdentityMismatch reports that the hub signed the device in as a different user.
	ErrIdentityMismatch = errors.New("syncer: hub returned a different user id")
)

// StatusError is a non-success hub response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("syncer: hub responded %d: %s", e.StatusCode, e.Body)
}

// HTTPRemoteConfig configures the hub client. Password is the sync credential sent with every
// sign-in.
type HTTPRemoteConfig struct {
	BaseURL    string
	Password   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPRemote talks to a hub over its JSON API. Session tokens are cached per user.
type HTTPRemote struct {
	baseURL    *url.URL
	password   string
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewHTTPRemote validates the hub URL and constructs a client.
func NewHTTPRemote(cfg HTTPRemoteConfig) (*HTTPRemote, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errors.New("syncer: hub url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("syncer: parse hub url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("syncer: unsupported hub url scheme %q", parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRemote{
		baseURL:    parsed,
		password:   cfg.Password,
		httpClient: httpClient,
		logger:     logger,
		tokens:     make(map[string]string),
	}, nil
}

// Push sends changes to the hub.
func (r *HTTPRemote) Push(ctx context.Context, user tracker.User, changes []Change) ([]ChangeResult, error) {
	var response PushResponse
	err := r.authorized(ctx, user, func(token string) error {
		return r.do(ctx, http.MethodPost, r.endpoint(pathPush, nil), token, PushRequest{Changes: changes}, &response)
	})
	if err != nil {
		return nil, err
	}
	if len(response.Results) != len(changes) {
		return nil, fmt.Errorf("syncer: hub returned %d results for %d changes", len(response.Results), len(changes))
	}
	return response.Results, nil
}

// Pull fetches the user's rows changed after since.
func (r *HTTPRemote) Pull(ctx context.Context, user tracker.User, since string) (PullResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	var response PullResponse
	err := r.authorized(ctx, user, func(token string) error {
		return r.do(ctx, http.MethodGet, r.endpoint(pathPull, query), token, nil, &response)
	})
	if err != nil {
		return PullResponse{}, err
	}
	return response, nil
}

// authorized runs call with a session token, signing in again once if the hub answers 401.
func (r *HTTPRemote) authorized(ctx context.Context, user tracker.User, call func(token string) error) error {
	token, err := r.token(ctx, user)
	if err != nil {
		return err
	}
	err = call(token)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		return err
	}
	r.logger.Info("hub session expired, signing in again", zap.String("user_id", user.ID))
	r.forget(user.ID)
	token, err = r.token(ctx, user)
	if err != nil {
		return err
	}
	err = call(token)
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		r.forget(user.ID)
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func (r *HTTPRemote) token(ctx context.Context, user tracker.User) (string, error) {
	r.mu.Lock()
	cached, ok := r.tokens[user.ID]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	var response SessionResponse
	request := SessionRequest{Email: user.Email, UserID: user.ID, Password: r.password}
	if err := r.do(ctx, http.MethodPost, r.endpoint(pathSession, nil), "", request, &response); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", err
	}
	if response.User.ID != user.ID {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, user.ID, response.User.ID)
	}
	if response.AccessToken == "" {
		return "", errors.New("syncer: hub returned an empty access token")
	}

	r.mu.Lock()
	r.tokens[user.ID] = response.AccessToken
	r.mu.Unlock()
	return response.AccessToken, nil
}

func (r *HTTPRemote) forget(userID string) {
	r.mu.Lock()
	delete(r.tokens, userID)
	r.mu.Unlock()
}

func (r *HTTPRemote) endpoint(path string, query url.Values) string {
	target := *r.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (r *HTTPRemote) do(ctx context.Context, method, target, token string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncer: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("syncer: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("syncer: %s %s: %w", method, target, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("syncer: read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("syncer: decode response: %w", err)
	}
	return nil
}

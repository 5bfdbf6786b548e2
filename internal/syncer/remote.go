package syncer

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
)

// Remote is the hub as seen by a device's sync engine.
type Remote interface {
	Push(ctx context.Context, user tracker.User, changes []Change) ([]ChangeResult, error)
	Pull(ctx context.Context, user tracker.User, since string) (PullResponse, error)
}

// LocalRemote serves a Hub in-process.
type LocalRemote struct {
	hub *Hub
}

// NewLocalRemote wraps hub as a Remote.
func NewLocalRemote(hub *Hub) (*LocalRemote, error) {
	if hub == nil {
		return nil, errors.New("syncer: hub required")
	}
	return &LocalRemote{hub: hub}, nil
}

// Push applies changes directly on the hub.
func (r *LocalRemote) Push(ctx context.Context, user tracker.User, changes []Change) ([]ChangeResult, error) {
	return r.hub.ApplyPush(ctx, user, changes)
}

// Pull reads changes directly from the hub.
func (r *LocalRemote) Pull(ctx context.Context, user tracker.User, since string) (PullResponse, error) {
	return r.hub.Changes(ctx, user, since)
}

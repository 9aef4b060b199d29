package room

import (
	"context"

	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/retry"
)

// Client wraps a Manager with transient-failure retries. Each attempt
// resolves a fresh room handle, so a retry after "room closed" finds
// the rehydrated successor instead of the dead actor.
type Client struct {
	mgr  *Manager
	opts retry.Options
}

// NewClient creates a retrying facade over mgr.
func NewClient(mgr *Manager, opts retry.Options) *Client {
	return &Client{mgr: mgr, opts: opts}
}

// CreateGame creates a game, retrying transient store failures.
func (c *Client) CreateGame(ctx context.Context, questions []model.Question) (*model.GameState, error) {
	return retry.Do(ctx, c.opts,
		func() (*Manager, error) { return c.mgr, nil },
		func(m *Manager) (*model.GameState, error) { return m.CreateGame(ctx, questions) },
	)
}

// ValidateHostSecret checks a host secret, retrying with a fresh room
// handle per attempt.
func (c *Client) ValidateHostSecret(ctx context.Context, gameID, secret string) (bool, error) {
	return retry.Do(ctx, c.opts,
		func() (*Room, error) { return c.mgr.Room(ctx, gameID) },
		func(r *Room) (bool, error) { return r.ValidateHostSecret(ctx, secret) },
	)
}

// GameIDForPin resolves a join pin, retrying transient store failures.
func (c *Client) GameIDForPin(ctx context.Context, pin string) (string, error) {
	return retry.Do(ctx, c.opts,
		func() (*Manager, error) { return c.mgr, nil },
		func(m *Manager) (string, error) { return m.GameIDForPin(ctx, pin) },
	)
}

// RoomForUpgrade resolves the room for a connection about to attach.
// Not retried: by the time this runs the HTTP request is being upgraded,
// and replaying an upgrade handshake is not safe. Failures surface to
// the client as a close frame and the client reconnects.
func (c *Client) RoomForUpgrade(ctx context.Context, gameID string) (*Room, error) {
	return c.mgr.Room(ctx, gameID)
}

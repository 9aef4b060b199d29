package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/efreed/quizdash/internal/model"
)

// Key patterns for Redis game state.
func stateKey(gameID string) string { return "game:" + gameID + ":state" }
func connsKey(gameID string) string { return "game:" + gameID + ":conns" }
func pinKey(pin string) string      { return "pin:" + pin }

// SaveState stores the session document as JSON.
func (c *Client) SaveState(ctx context.Context, state *model.GameState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	return c.rdb.Set(ctx, stateKey(state.ID), data, 0).Err()
}

// LoadState retrieves the session document. Returns (nil, nil) when no
// document exists, which the room layer treats as "game not found".
func (c *Client) LoadState(ctx context.Context, gameID string) (*model.GameState, error) {
	data, err := c.rdb.Get(ctx, stateKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	var state model.GameState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal game state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the session document.
func (c *Client) DeleteState(ctx context.Context, gameID string) error {
	return c.rdb.Del(ctx, stateKey(gameID)).Err()
}

// SetPin indexes a 6-digit pin to a game id. Fails if the pin is already
// taken by another live game.
func (c *Client) SetPin(ctx context.Context, pin, gameID string) error {
	ok, err := c.rdb.SetNX(ctx, pinKey(pin), gameID, 0).Result()
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	if !ok {
		return fmt.Errorf("pin %s already in use", pin)
	}
	return nil
}

// GameIDForPin resolves a pin to a game id, or "" when unknown.
func (c *Client) GameIDForPin(ctx context.Context, pin string) (string, error) {
	id, err := c.rdb.Get(ctx, pinKey(pin)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pin: %w", err)
	}
	return id, nil
}

// DeletePin removes a pin index entry.
func (c *Client) DeletePin(ctx context.Context, pin string) error {
	return c.rdb.Del(ctx, pinKey(pin)).Err()
}

// SaveAttachment writes one connection's attachment record into the
// per-game hash, keyed by connection id.
func (c *Client) SaveAttachment(ctx context.Context, gameID, connID string, att *model.Attachment) error {
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	return c.rdb.HSet(ctx, connsKey(gameID), connID, data).Err()
}

// DeleteAttachment removes one connection's attachment record.
func (c *Client) DeleteAttachment(ctx context.Context, gameID, connID string) error {
	return c.rdb.HDel(ctx, connsKey(gameID), connID).Err()
}

// LoadAttachments returns all attachment records for a game.
func (c *Client) LoadAttachments(ctx context.Context, gameID string) (map[string]*model.Attachment, error) {
	entries, err := c.rdb.HGetAll(ctx, connsKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	atts := make(map[string]*model.Attachment, len(entries))
	for connID, raw := range entries {
		var att model.Attachment
		if err := json.Unmarshal([]byte(raw), &att); err != nil {
			return nil, fmt.Errorf("unmarshal attachment %s: %w", connID, err)
		}
		atts[connID] = &att
	}
	return atts, nil
}

// ClearAttachments removes all attachment records for a game.
func (c *Client) ClearAttachments(ctx context.Context, gameID string) error {
	return c.rdb.Del(ctx, connsKey(gameID)).Err()
}

package repository

import (
	"context"

	"github.com/efreed/quizdash/internal/model"
)

// StateStore persists the per-game session document, the pin index, and
// the out-of-band connection attachments. Every room mutation is written
// here before the broadcast announcing it.
type StateStore interface {
	SaveState(ctx context.Context, state *model.GameState) error
	// LoadState returns (nil, nil) when no document exists for the id.
	LoadState(ctx context.Context, gameID string) (*model.GameState, error)
	DeleteState(ctx context.Context, gameID string) error

	SetPin(ctx context.Context, pin, gameID string) error
	// GameIDForPin returns "" when the pin is unknown.
	GameIDForPin(ctx context.Context, pin string) (string, error)
	DeletePin(ctx context.Context, pin string) error

	SaveAttachment(ctx context.Context, gameID, connID string, att *model.Attachment) error
	DeleteAttachment(ctx context.Context, gameID, connID string) error
	LoadAttachments(ctx context.Context, gameID string) (map[string]*model.Attachment, error)
	ClearAttachments(ctx context.Context, gameID string) error
}

// ResultStore archives the final standings of completed games.
type ResultStore interface {
	SaveResult(ctx context.Context, result *model.GameResult) error
	ListRecent(ctx context.Context, limit int) ([]model.GameResult, error)
}

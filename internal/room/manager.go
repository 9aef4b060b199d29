package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/efreed/quizdash/internal/config"
	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/phase"
	"github.com/efreed/quizdash/internal/repository"
	"github.com/efreed/quizdash/internal/retry"
)

var (
	ErrGameNotFound = errors.New("game not found")
	ErrGameExists   = errors.New("game already exists")
	ErrNoQuestions  = errors.New("game needs at least one question")
)

const pinAttempts = 20

// Manager owns the live room registry. Rooms are created on demand and
// rehydrated from the store after a restart; the registry is only a
// cache, the store is the truth.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store   repository.StateStore
	results repository.ResultStore // may be nil
	cfg     config.Timings
}

// NewManager creates a Manager. results may be nil when no archive
// database is configured.
func NewManager(store repository.StateStore, results repository.ResultStore, cfg config.Timings) *Manager {
	return &Manager{
		rooms:   make(map[string]*Room),
		store:   store,
		results: results,
		cfg:     cfg,
	}
}

// CreateGame persists a new game document in the lobby phase and
// allocates a join pin for it. The returned state carries the host
// secret; the caller exchanges it for a ticket.
func (m *Manager) CreateGame(ctx context.Context, questions []model.Question) (*model.GameState, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	for i, q := range questions {
		if q.Text == "" || len(q.Options) < 2 || q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) || q.TimeLimitMs <= 0 {
			return nil, fmt.Errorf("question %d is invalid", i)
		}
	}

	state := &model.GameState{
		ID:         uuid.NewString(),
		HostSecret: newSecret(32),
		Phase:      phase.Lobby,
		Questions:  questions,
		CreatedAt:  time.Now().UTC(),
	}

	if existing, err := m.store.LoadState(ctx, state.ID); err != nil {
		return nil, retry.MarkTransient(err)
	} else if existing != nil {
		return nil, ErrGameExists
	}

	pin, err := m.allocatePin(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	state.Pin = pin

	if err := m.store.SaveState(ctx, state); err != nil {
		// Free the pin so the failed create leaves nothing behind.
		if derr := m.store.DeletePin(ctx, pin); derr != nil {
			log.Error().Err(derr).Str("pin", pin).Msg("Failed to release pin after create failure")
		}
		return nil, retry.MarkTransient(err)
	}

	log.Info().Str("gameId", state.ID).Str("pin", pin).
		Int("questions", len(questions)).Msg("Game created")
	return state, nil
}

// allocatePin reserves a random six-digit pin. SetPin is first-writer-
// wins, so a collision just means another draw.
func (m *Manager) allocatePin(ctx context.Context, gameID string) (string, error) {
	for i := 0; i < pinAttempts; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		if err := m.store.SetPin(ctx, pin, gameID); err == nil {
			return pin, nil
		}
	}
	return "", retry.MarkTransient(errors.New("pin space exhausted"))
}

// Room returns the live room for a game, rehydrating it from the store
// if this process has no running actor for it yet.
func (m *Manager) Room(ctx context.Context, gameID string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[gameID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	state, err := m.store.LoadState(ctx, gameID)
	if err != nil {
		return nil, retry.MarkTransient(err)
	}
	if state == nil {
		return nil, ErrGameNotFound
	}

	// Attachment records from a previous process describe sockets that
	// no longer exist; they must not survive rehydration.
	if stale, err := m.store.LoadAttachments(ctx, gameID); err == nil && len(stale) > 0 {
		log.Info().Str("gameId", gameID).Int("stale", len(stale)).Msg("Discarding attachments from a previous process")
	}
	if err := m.store.ClearAttachments(ctx, gameID); err != nil {
		return nil, retry.MarkTransient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[gameID]; ok {
		return r, nil
	}
	r := newRoom(state, m.store, m.results, m.cfg, m.remove)
	m.rooms[gameID] = r
	go r.run()
	log.Info().Str("gameId", gameID).Msg("Room rehydrated")
	return r, nil
}

func (m *Manager) remove(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, gameID)
}

// ValidateHostSecret checks a presented host secret against the game's
// persisted one.
func (m *Manager) ValidateHostSecret(ctx context.Context, gameID, secret string) (bool, error) {
	r, err := m.Room(ctx, gameID)
	if err != nil {
		return false, err
	}
	return r.ValidateHostSecret(ctx, secret)
}

// GameIDForPin resolves a join pin to its game id. Returns
// ErrGameNotFound when the pin is unknown.
func (m *Manager) GameIDForPin(ctx context.Context, pin string) (string, error) {
	gameID, err := m.store.GameIDForPin(ctx, pin)
	if err != nil {
		return "", retry.MarkTransient(err)
	}
	if gameID == "" {
		return "", ErrGameNotFound
	}
	return gameID, nil
}

// Shutdown stops every live room without deleting persisted state, so
// games survive a deploy.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		_ = r.call(context.Background(), func() {
			if r.timer != nil {
				r.timer.Stop()
			}
			r.closed = true
			close(r.done)
		})
	}
}

// newSecret returns n random bytes hex-encoded.
func newSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Package memory provides an in-memory StateStore. Used by tests and as
// a single-process fallback when no Redis URL is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/efreed/quizdash/internal/model"
)

// Store implements repository.StateStore in process memory. Documents
// are stored as JSON to mirror the Redis round-trip, so aliasing bugs
// cannot hide behind shared pointers.
type Store struct {
	mu     sync.Mutex
	states map[string][]byte
	pins   map[string]string
	conns  map[string]map[string][]byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		states: make(map[string][]byte),
		pins:   make(map[string]string),
		conns:  make(map[string]map[string][]byte),
	}
}

func (s *Store) SaveState(ctx context.Context, state *model.GameState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = data
	return nil
}

func (s *Store) LoadState(ctx context.Context, gameID string) (*model.GameState, error) {
	s.mu.Lock()
	data, ok := s.states[gameID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state model.GameState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal game state: %w", err)
	}
	return &state, nil
}

func (s *Store) DeleteState(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, gameID)
	return nil
}

func (s *Store) SetPin(ctx context.Context, pin, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.pins[pin]; taken {
		return fmt.Errorf("pin %s already in use", pin)
	}
	s.pins[pin] = gameID
	return nil
}

func (s *Store) GameIDForPin(ctx context.Context, pin string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin], nil
}

func (s *Store) DeletePin(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, pin)
	return nil
}

func (s *Store) SaveAttachment(ctx context.Context, gameID, connID string, att *model.Attachment) error {
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[gameID] == nil {
		s.conns[gameID] = make(map[string][]byte)
	}
	s.conns[gameID][connID] = data
	return nil
}

func (s *Store) DeleteAttachment(ctx context.Context, gameID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns[gameID], connID)
	return nil
}

func (s *Store) LoadAttachments(ctx context.Context, gameID string) (map[string]*model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atts := make(map[string]*model.Attachment, len(s.conns[gameID]))
	for connID, raw := range s.conns[gameID] {
		var att model.Attachment
		if err := json.Unmarshal(raw, &att); err != nil {
			return nil, fmt.Errorf("unmarshal attachment %s: %w", connID, err)
		}
		atts[connID] = &att
	}
	return atts, nil
}

func (s *Store) ClearAttachments(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, gameID)
	return nil
}

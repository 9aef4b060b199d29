// Package auth issues and validates host tickets: signed tokens binding
// a game id to its host secret. The ticket is handed out once at game
// creation and presented on the host WebSocket upgrade, where the room
// compares the embedded secret against the persisted document.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidTicket = errors.New("invalid or expired host ticket")

// HostClaims holds the ticket payload.
type HostClaims struct {
	GameID string `json:"game_id"`
	Secret string `json:"secret"`
	jwt.RegisteredClaims
}

// TicketManager handles ticket creation and validation.
type TicketManager struct {
	secret []byte
	expiry time.Duration
}

// NewTicketManager creates a TicketManager with the given signing secret.
func NewTicketManager(secret string) *TicketManager {
	return &TicketManager{
		secret: []byte(secret),
		expiry: 12 * time.Hour,
	}
}

// Issue creates a host ticket for a game.
func (m *TicketManager) Issue(gameID, hostSecret string) (string, error) {
	claims := &HostClaims{
		GameID: gameID,
		Secret: hostSecret,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   gameID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and validates a ticket string, returning the claims.
func (m *TicketManager) Validate(tokenStr string) (*HostClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &HostClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidTicket
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidTicket
	}
	claims, ok := token.Claims.(*HostClaims)
	if !ok || !token.Valid || claims.GameID == "" {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}

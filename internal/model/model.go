package model

import (
	"strings"
	"time"

	"github.com/efreed/quizdash/internal/phase"
)

// Role distinguishes the host connection from player connections.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// Question is a snapshot of one quiz question, copied into the game
// document at creation time so the session never depends on the quiz
// library after that point.
type Question struct {
	Text            string   `json:"text"`
	Options         []string `json:"options"`
	CorrectIndex    int      `json:"correct_index"`
	TimeLimitMs     int64    `json:"time_limit_ms"`
	IsDoublePoints  bool     `json:"is_double_points"`
	BackgroundImage string   `json:"background_image,omitempty"`
}

// Player is one participant in a game.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Answered bool   `json:"answered"`
	Token    string `json:"token"` // reconnection secret, never rotated
}

// Answer records one player's submission for the current question.
type Answer struct {
	PlayerID    string `json:"player_id"`
	AnswerIndex int    `json:"answer_index"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// PlayerResult is the scored outcome of the current question for one
// player, computed once at the reveal transition and replayed verbatim to
// reconnecting clients.
type PlayerResult struct {
	Correct bool `json:"correct"`
	Points  int  `json:"points"`
}

// GameState is the persisted session document. One per game; absence
// means "game not found".
type GameState struct {
	ID         string `json:"id"`
	Pin        string `json:"pin"`
	HostSecret string `json:"host_secret"`

	Phase        phase.Phase `json:"phase"`
	PhaseVersion int         `json:"phase_version"`

	Players              []Player                `json:"players"`
	Questions            []Question              `json:"questions"`
	CurrentQuestionIndex int                     `json:"current_question_index"`
	QuestionStartTime    int64                   `json:"question_start_time"` // unix ms
	Answers              []Answer                `json:"answers"`             // current question only
	Results              map[string]PlayerResult `json:"results,omitempty"`   // current question only

	CreatedAt time.Time `json:"created_at"`
}

// CurrentQuestion returns the question in play, or nil when the index is
// out of range.
func (g *GameState) CurrentQuestion() *Question {
	if g.CurrentQuestionIndex < 0 || g.CurrentQuestionIndex >= len(g.Questions) {
		return nil
	}
	return &g.Questions[g.CurrentQuestionIndex]
}

// IsLastQuestion reports whether no questions remain after the current one.
func (g *GameState) IsLastQuestion() bool {
	return g.CurrentQuestionIndex >= len(g.Questions)-1
}

// FindPlayer returns the player with the given id, or nil.
func (g *GameState) FindPlayer(id string) *Player {
	for i := range g.Players {
		if g.Players[i].ID == id {
			return &g.Players[i]
		}
	}
	return nil
}

// FindPlayerByName returns the player with the given nickname,
// case-insensitively, or nil.
func (g *GameState) FindPlayerByName(name string) *Player {
	for i := range g.Players {
		if strings.EqualFold(g.Players[i].Name, name) {
			return &g.Players[i]
		}
	}
	return nil
}

// AnswerFor returns the current-question answer submitted by the given
// player, or nil.
func (g *GameState) AnswerFor(playerID string) *Answer {
	for i := range g.Answers {
		if g.Answers[i].PlayerID == playerID {
			return &g.Answers[i]
		}
	}
	return nil
}

// Attachment is the per-connection record that survives reconnects and
// process restarts. Everything else about a connection is re-derived
// from GameState on demand.
type Attachment struct {
	Role          Role   `json:"role"`
	Authenticated bool   `json:"authenticated"`
	PlayerID      string `json:"player_id,omitempty"`
}

// ResultEntry is one row of an archived final leaderboard.
type ResultEntry struct {
	Rank  int    `json:"rank"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// GameResult is the archived outcome of a completed game.
type GameResult struct {
	GameID     string        `json:"game_id"`
	Pin        string        `json:"pin"`
	FinishedAt time.Time     `json:"finished_at"`
	Entries    []ResultEntry `json:"entries"`
}

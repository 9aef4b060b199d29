// Package protocol defines the client→server and server→client message
// envelopes and validates inbound payloads before they reach a room.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Client→server message types.
const (
	TypeConnect      = "connect"
	TypeJoin         = "join"
	TypeStartGame    = "startGame"
	TypeSubmitAnswer = "submitAnswer"
	TypeNextState    = "nextState"
	TypeSendEmoji    = "sendEmoji"
	TypeRemovePlayer = "removePlayer"
)

// Server→client message types.
const (
	TypeConnected        = "connected"
	TypeError            = "error"
	TypeLobbyUpdate      = "lobbyUpdate"
	TypeGetReady         = "getReady"
	TypeQuestionModifier = "questionModifier"
	TypeQuestionStart    = "questionStart"
	TypeAnswerReceived   = "answerReceived"
	TypePlayerAnswered   = "playerAnswered"
	TypeReveal           = "reveal"
	TypeLeaderboard      = "leaderboard"
	TypeGameEnd          = "gameEnd"
	TypeKicked           = "kicked"
	TypeEmojiReceived    = "emojiReceived"
)

// Wire error codes.
const (
	CodeBadPayload     = "bad_payload"
	CodeUnauthorized   = "unauthorized"
	CodeBadToken       = "bad_token"
	CodeNotFound       = "not_found"
	CodeWrongPhase     = "wrong_phase"
	CodeAlreadyStarted = "already_started"
	CodeRoomFull       = "room_full"
	CodeNicknameTaken  = "nickname_taken"
	CodeDuplicate      = "duplicate"
	CodeOutOfRange     = "out_of_range"
	CodeTooLate        = "too_late"
	CodeStaleVersion   = "stale_version"
	CodeInternal       = "internal"
)

// WebSocket close codes for conditions that terminate the connection.
const (
	CloseUnauthorized = 4001
	CloseBadToken     = 4003
	CloseNotFound     = 4004
	CloseKicked       = 4005
)

// Limits on client-supplied fields.
const (
	MaxNicknameLen = 20
	MaxEmojiLen    = 8
)

var ErrUnknownType = errors.New("unknown message type")

// ClientMessage is the decoded client→server envelope. Only the fields
// relevant to Type are populated; Decode enforces per-type requirements.
type ClientMessage struct {
	Type         string `json:"type"`
	PlayerID     string `json:"playerId,omitempty"`
	Token        string `json:"token,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
	AnswerIndex  *int   `json:"answerIndex,omitempty"`
	PhaseVersion int    `json:"phaseVersion,omitempty"`
	Emoji        string `json:"emoji,omitempty"`
}

// Decode parses and validates a raw client message. A non-nil error means
// the payload is malformed; the connection should receive a typed error
// reply but stay open.
func Decode(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	switch msg.Type {
	case TypeConnect:
		// playerId and token are both optional, but must come together.
		if (msg.PlayerID == "") != (msg.Token == "") {
			return nil, errors.New("connect requires playerId and token together")
		}
	case TypeJoin:
		msg.Nickname = strings.TrimSpace(msg.Nickname)
		if msg.Nickname == "" || utf8.RuneCountInString(msg.Nickname) > MaxNicknameLen {
			return nil, fmt.Errorf("nickname must be 1-%d characters", MaxNicknameLen)
		}
	case TypeSubmitAnswer:
		if msg.AnswerIndex == nil || *msg.AnswerIndex < 0 {
			return nil, errors.New("submitAnswer requires a non-negative answerIndex")
		}
	case TypeSendEmoji:
		if msg.Emoji == "" || utf8.RuneCountInString(msg.Emoji) > MaxEmojiLen {
			return nil, errors.New("sendEmoji requires a short emoji string")
		}
	case TypeRemovePlayer:
		if msg.PlayerID == "" {
			return nil, errors.New("removePlayer requires playerId")
		}
	case TypeStartGame, TypeNextState:
		// No payload beyond the optional phaseVersion.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

// ErrorMessage is the typed error reply. The connection stays open unless
// the error is identity-sensitive, in which case a close code follows.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an ErrorMessage.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// ConnectedMessage acknowledges a successful connect or join. PlayerID
// and Token are set only on the reply to the client they belong to.
type ConnectedMessage struct {
	Type     string `json:"type"`
	GameID   string `json:"gameId"`
	Pin      string `json:"pin,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
	Token    string `json:"token,omitempty"`
}

// LobbyPlayer is the public view of a player in lobby snapshots. ID is
// included only in the host's variant.
type LobbyPlayer struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// LobbyUpdateMessage is the lobby snapshot broadcast on membership changes.
type LobbyUpdateMessage struct {
	Type       string        `json:"type"`
	Players    []LobbyPlayer `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
}

// GetReadyMessage starts the pre-game countdown.
type GetReadyMessage struct {
	Type           string `json:"type"`
	CountdownMs    int64  `json:"countdownMs"`
	TotalQuestions int    `json:"totalQuestions"`
}

// QuestionModifierMessage announces the interstitial before a modified
// question.
type QuestionModifierMessage struct {
	Type          string `json:"type"`
	Modifier      string `json:"modifier"`
	QuestionIndex int    `json:"questionIndex"`
	DurationMs    int64  `json:"durationMs"`
}

// QuestionStartMessage starts a question. StartTime is authoritative
// server time in unix milliseconds.
type QuestionStartMessage struct {
	Type            string   `json:"type"`
	QuestionIndex   int      `json:"questionIndex"`
	TotalQuestions  int      `json:"totalQuestions"`
	QuestionText    string   `json:"questionText"`
	Options         []string `json:"options"`
	StartTime       int64    `json:"startTime"`
	TimeLimitMs     int64    `json:"timeLimitMs"`
	IsDoublePoints  bool     `json:"isDoublePoints"`
	BackgroundImage string   `json:"backgroundImage,omitempty"`
}

// AnswerReceivedMessage acknowledges a submission to its sender only.
type AnswerReceivedMessage struct {
	Type        string `json:"type"`
	AnswerIndex int    `json:"answerIndex"`
}

// PlayerAnsweredMessage tells the host the running answered count,
// never the content.
type PlayerAnsweredMessage struct {
	Type          string `json:"type"`
	AnsweredCount int    `json:"answeredCount"`
}

// PlayerResultPayload is the private per-player slice of a reveal.
type PlayerResultPayload struct {
	Correct    bool `json:"correct"`
	Points     int  `json:"points"`
	TotalScore int  `json:"totalScore"`
}

// RevealMessage discloses the correct answer. The host variant carries
// aggregate counts only; each player variant adds that player's result.
type RevealMessage struct {
	Type               string               `json:"type"`
	CorrectAnswerIndex int                  `json:"correctAnswerIndex"`
	AnswerCounts       []int                `json:"answerCounts"`
	PlayerResult       *PlayerResultPayload `json:"playerResult,omitempty"`
}

// LeaderboardEntry is one scored row, ranked by descending score.
type LeaderboardEntry struct {
	Rank  int    `json:"rank"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// LeaderboardMessage shows interim standings between questions.
type LeaderboardMessage struct {
	Type           string             `json:"type"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
	IsLastQuestion bool               `json:"isLastQuestion"`
}

// GameEndMessage carries the final standings. Revealed is false during
// the podium intro and true once the winner is shown.
type GameEndMessage struct {
	Type             string             `json:"type"`
	FinalLeaderboard []LeaderboardEntry `json:"finalLeaderboard"`
	Revealed         bool               `json:"revealed"`
}

// KickedMessage tells a player why they were removed.
type KickedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EmojiReceivedMessage relays a player reaction to the host.
type EmojiReceivedMessage struct {
	Type     string `json:"type"`
	Emoji    string `json:"emoji"`
	PlayerID string `json:"playerId"`
}

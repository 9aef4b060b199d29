package room

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/phase"
	"github.com/efreed/quizdash/internal/protocol"
)

// Phases during which player emoji reactions are relayed to the host.
var emojiAllowed = map[phase.Phase]bool{
	phase.Lobby:            true,
	phase.GetReady:         true,
	phase.QuestionModifier: true,
	phase.Question:         true,
	phase.Reveal:           true,
	phase.Leaderboard:      true,
}

// onMessage parses and validates the envelope, routes connect to
// connection authentication, and everything else to role-specific
// handlers once the attachment is authenticated.
func (r *Room) onMessage(connID string, data []byte) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	att := r.atts[connID]

	msg, err := protocol.Decode(data)
	if err != nil {
		r.send(conn, protocol.NewError(protocol.CodeBadPayload, err.Error()))
		return
	}

	if msg.Type == protocol.TypeConnect {
		r.handleConnect(conn, att, msg)
		return
	}
	if !att.Authenticated {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "connect first"))
		conn.Kick(protocol.CloseUnauthorized, "unauthenticated")
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		r.handleJoin(conn, att, msg)
	case protocol.TypeStartGame:
		r.handleStartGame(conn, att)
	case protocol.TypeSubmitAnswer:
		r.handleSubmitAnswer(conn, att, msg)
	case protocol.TypeNextState:
		r.handleNextState(conn, att, msg)
	case protocol.TypeSendEmoji:
		r.handleSendEmoji(att, msg)
	case protocol.TypeRemovePlayer:
		r.handleRemovePlayer(conn, att, msg)
	}
}

// handleConnect resolves player identity. A supplied (playerId, token)
// pair must match an existing player exactly, or the connection is
// closed; guessing a player id must never hijack a session.
func (r *Room) handleConnect(conn Conn, att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role == model.RoleHost {
		// The host authenticated at upgrade; a connect is a view refresh.
		r.replayPhase(conn, att)
		return
	}

	if msg.PlayerID != "" {
		if p := r.state.FindPlayer(msg.PlayerID); p != nil {
			if subtle.ConstantTimeCompare([]byte(p.Token), []byte(msg.Token)) != 1 {
				r.send(conn, protocol.NewError(protocol.CodeBadToken, "reconnection token mismatch"))
				conn.Kick(protocol.CloseBadToken, "bad reconnection token")
				return
			}
			att.Authenticated = true
			att.PlayerID = p.ID
			r.persistAttachment(conn.ID(), att)
			r.send(conn, protocol.ConnectedMessage{Type: protocol.TypeConnected, GameID: r.state.ID, PlayerID: p.ID})
			r.replayPhase(conn, att)
			r.log.Info().Str("playerId", p.ID).Msg("Player reconnected")
			return
		}
		// Unknown player id: treat as a fresh, unjoined connection.
	}

	att.Authenticated = true
	r.persistAttachment(conn.ID(), att)

	if r.state.Phase != phase.Lobby {
		r.send(conn, protocol.NewError(protocol.CodeAlreadyStarted, "game already started"))
		return
	}
	r.send(conn, protocol.ConnectedMessage{Type: protocol.TypeConnected, GameID: r.state.ID})
	r.send(conn, buildLobbyUpdate(r.state, r.cfg.MaxPlayers, att.Role))
}

func (r *Room) handleJoin(conn Conn, att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role != model.RolePlayer {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "only players can join"))
		return
	}
	if att.PlayerID != "" {
		r.send(conn, protocol.NewError(protocol.CodeDuplicate, "already joined"))
		return
	}
	if r.state.Phase != phase.Lobby {
		r.send(conn, protocol.NewError(protocol.CodeAlreadyStarted, "game already started"))
		return
	}
	if len(r.state.Players) >= r.cfg.MaxPlayers {
		r.send(conn, protocol.NewError(protocol.CodeRoomFull, "room is full"))
		return
	}
	if r.state.FindPlayerByName(msg.Nickname) != nil {
		r.send(conn, protocol.NewError(protocol.CodeNicknameTaken, "nickname already taken"))
		return
	}

	player := model.Player{
		ID:    uuid.NewString(),
		Name:  msg.Nickname,
		Token: newSecret(16),
	}
	r.state.Players = append(r.state.Players, player)
	if !r.persist() {
		r.send(conn, protocol.NewError(protocol.CodeInternal, "could not save game state"))
		return
	}

	att.Authenticated = true
	att.PlayerID = player.ID
	r.persistAttachment(conn.ID(), att)

	// The token goes only to the joining client.
	r.send(conn, protocol.ConnectedMessage{
		Type:     protocol.TypeConnected,
		GameID:   r.state.ID,
		PlayerID: player.ID,
		Token:    player.Token,
	})
	r.broadcastLobby()
	r.log.Info().Str("playerId", player.ID).Str("nickname", player.Name).
		Int("players", len(r.state.Players)).Msg("Player joined")
}

func (r *Room) handleStartGame(conn Conn, att *model.Attachment) {
	if att.Role != model.RoleHost {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "only the host can start the game"))
		return
	}
	if r.state.Phase != phase.Lobby {
		r.send(conn, protocol.NewError(protocol.CodeWrongPhase, "game already started"))
		return
	}
	if len(r.state.Players) == 0 {
		r.send(conn, protocol.NewError(protocol.CodeWrongPhase, "no players have joined"))
		return
	}

	r.state.Phase = phase.GetReady
	r.state.CurrentQuestionIndex = 0
	r.state.PhaseVersion++
	if !r.persist() {
		r.send(conn, protocol.NewError(protocol.CodeInternal, "could not save game state"))
		return
	}
	r.broadcast(buildGetReady(r.state, r.cfg.GetReadyCountdown))
	r.scheduleWake(r.cfg.GetReadyCountdown, wakePhase)
	r.log.Info().Int("questions", len(r.state.Questions)).Msg("Game started")
}

func (r *Room) handleSubmitAnswer(conn Conn, att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role != model.RolePlayer || att.PlayerID == "" {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "only joined players can answer"))
		return
	}
	if r.state.Phase != phase.Question {
		r.send(conn, protocol.NewError(protocol.CodeWrongPhase, "no question in progress"))
		return
	}
	q := r.state.CurrentQuestion()
	if q == nil {
		r.send(conn, protocol.NewError(protocol.CodeInternal, "no current question"))
		return
	}
	idx := *msg.AnswerIndex
	if idx >= len(q.Options) {
		r.send(conn, protocol.NewError(protocol.CodeOutOfRange, "answer index out of range"))
		return
	}
	if r.state.AnswerFor(att.PlayerID) != nil {
		// Duplicate submission is a hard error; the first answer stands.
		r.send(conn, protocol.NewError(protocol.CodeDuplicate, "answer already submitted"))
		return
	}
	elapsed := time.Now().UnixMilli() - r.state.QuestionStartTime
	if elapsed > q.TimeLimitMs {
		r.send(conn, protocol.NewError(protocol.CodeTooLate, "time limit exceeded"))
		return
	}

	r.state.Answers = append(r.state.Answers, model.Answer{
		PlayerID:    att.PlayerID,
		AnswerIndex: idx,
		ElapsedMs:   elapsed,
	})
	if p := r.state.FindPlayer(att.PlayerID); p != nil {
		p.Answered = true
	}
	if !r.persist() {
		r.send(conn, protocol.NewError(protocol.CodeInternal, "could not save game state"))
		return
	}

	r.send(conn, protocol.AnswerReceivedMessage{Type: protocol.TypeAnswerReceived, AnswerIndex: idx})
	r.sendToHost(protocol.PlayerAnsweredMessage{Type: protocol.TypePlayerAnswered, AnsweredCount: len(r.state.Answers)})

	if r.allConnectedAnswered() {
		remaining := time.Duration(r.state.QuestionStartTime+q.TimeLimitMs-time.Now().UnixMilli()) * time.Millisecond
		delay := r.cfg.FastPathDelay
		if remaining < delay {
			delay = remaining
		}
		if delay < 0 {
			delay = 0
		}
		r.scheduleWake(delay, wakePhase)
	}
}

// allConnectedAnswered reports whether every currently attached, joined
// player has answered the current question. Players who dropped their
// connection do not hold up the reveal.
func (r *Room) allConnectedAnswered() bool {
	connected := 0
	for _, att := range r.atts {
		if att.Role != model.RolePlayer || att.PlayerID == "" {
			continue
		}
		p := r.state.FindPlayer(att.PlayerID)
		if p == nil {
			continue
		}
		connected++
		if !p.Answered {
			return false
		}
	}
	return connected > 0
}

func (r *Room) handleNextState(conn Conn, att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role != model.RoleHost {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "only the host can advance"))
		return
	}
	if msg.PhaseVersion != 0 && msg.PhaseVersion != r.state.PhaseVersion {
		r.send(conn, protocol.NewError(protocol.CodeStaleVersion, "advance request references an old phase"))
		return
	}

	switch r.state.Phase {
	case phase.Question:
		r.reveal()
	case phase.Reveal:
		if r.state.IsLastQuestion() {
			// Skip the leaderboard so final standings are not spoiled
			// before the podium.
			r.enterEndIntro()
		} else {
			r.enterLeaderboard()
		}
	case phase.Leaderboard:
		if r.state.IsLastQuestion() {
			r.enterEndIntro()
		} else {
			r.state.CurrentQuestionIndex++
			if q := r.state.CurrentQuestion(); q != nil && q.IsDoublePoints {
				r.enterModifier()
			} else {
				r.startQuestion()
			}
		}
	default:
		// No manual transition defined for this phase; tolerate the
		// double-click instead of erroring.
	}
}

func (r *Room) handleSendEmoji(att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role != model.RolePlayer || att.PlayerID == "" {
		return
	}
	if !emojiAllowed[r.state.Phase] {
		return
	}
	// Fire-and-forget: no persistence, no ordering guarantee.
	r.sendToHost(protocol.EmojiReceivedMessage{
		Type:     protocol.TypeEmojiReceived,
		Emoji:    msg.Emoji,
		PlayerID: att.PlayerID,
	})
}

func (r *Room) handleRemovePlayer(conn Conn, att *model.Attachment, msg *protocol.ClientMessage) {
	if att.Role != model.RoleHost {
		r.send(conn, protocol.NewError(protocol.CodeUnauthorized, "only the host can remove players"))
		return
	}
	target := r.state.FindPlayer(msg.PlayerID)
	if target == nil {
		r.send(conn, protocol.NewError(protocol.CodeNotFound, "no such player"))
		return
	}
	targetID := target.ID

	players := r.state.Players[:0]
	for _, p := range r.state.Players {
		if p.ID != targetID {
			players = append(players, p)
		}
	}
	r.state.Players = players

	answers := r.state.Answers[:0]
	for _, a := range r.state.Answers {
		if a.PlayerID != targetID {
			answers = append(answers, a)
		}
	}
	r.state.Answers = answers
	delete(r.state.Results, targetID)

	if !r.persist() {
		r.send(conn, protocol.NewError(protocol.CodeInternal, "could not save game state"))
		return
	}

	const reason = "removed by host"
	for connID, a := range r.atts {
		if a.PlayerID != targetID {
			continue
		}
		if c, ok := r.conns[connID]; ok {
			r.send(c, protocol.KickedMessage{Type: protocol.TypeKicked, Reason: reason})
			c.Kick(protocol.CloseKicked, reason)
		}
	}

	if r.state.Phase == phase.Lobby {
		r.broadcastLobby()
	}
	r.log.Info().Str("playerId", targetID).Msg("Player removed by host")
}

// Phase transition helpers. Each persists the new phase, bumps the
// version, broadcasts, and schedules a wake when the new phase needs one.

func (r *Room) enterModifier() {
	r.state.Phase = phase.QuestionModifier
	r.state.PhaseVersion++
	if !r.persist() {
		return
	}
	r.broadcast(buildQuestionModifier(r.state, r.cfg.ModifierDuration))
	r.scheduleWake(r.cfg.ModifierDuration, wakePhase)
}

func (r *Room) startQuestion() {
	q := r.state.CurrentQuestion()
	if q == nil {
		r.log.Error().Int("index", r.state.CurrentQuestionIndex).Msg("No question at current index")
		return
	}
	r.state.Phase = phase.Question
	r.state.PhaseVersion++
	r.state.QuestionStartTime = time.Now().UnixMilli()
	r.state.Answers = nil
	r.state.Results = nil
	for i := range r.state.Players {
		r.state.Players[i].Answered = false
	}
	if !r.persist() {
		return
	}
	r.broadcast(buildQuestionStart(r.state))
	r.scheduleWake(time.Duration(q.TimeLimitMs)*time.Millisecond, wakePhase)
	r.log.Info().Int("question", r.state.CurrentQuestionIndex).Msg("Question started")
}

// reveal computes scores exactly once and never recomputes them;
// reconnections after the reveal replay the stored results.
func (r *Room) reveal() {
	q := r.state.CurrentQuestion()
	if q == nil {
		return
	}

	results := make(map[string]model.PlayerResult, len(r.state.Answers))
	for i := range r.state.Answers {
		a := &r.state.Answers[i]
		pts := scoreAnswer(q, a)
		results[a.PlayerID] = model.PlayerResult{Correct: a.AnswerIndex == q.CorrectIndex, Points: pts}
		if p := r.state.FindPlayer(a.PlayerID); p != nil {
			p.Score += pts
		}
	}
	r.state.Results = results
	r.state.Phase = phase.Reveal
	r.state.PhaseVersion++
	r.clearWake() // the question timeout, if still pending
	if !r.persist() {
		return
	}
	r.broadcastReveal()
	r.log.Info().Int("question", r.state.CurrentQuestionIndex).
		Int("answers", len(r.state.Answers)).Msg("Question revealed")
}

func (r *Room) enterLeaderboard() {
	r.state.Phase = phase.Leaderboard
	r.state.PhaseVersion++
	if !r.persist() {
		return
	}
	r.broadcast(buildLeaderboard(r.state))
}

func (r *Room) enterEndIntro() {
	r.state.Phase = phase.EndIntro
	r.state.PhaseVersion++
	if !r.persist() {
		return
	}
	r.broadcast(buildGameEnd(r.state, false))
	r.scheduleWake(r.cfg.PodiumDelay, wakePhase)
}

func (r *Room) revealPodium() {
	next, err := phase.Transition(phase.EndIntro, phase.RevealWinner)
	if err != nil {
		r.log.Error().Err(err).Msg("Podium timer fired in inconsistent state")
		return
	}
	r.state.Phase = next
	r.state.PhaseVersion++
	if !r.persist() {
		return
	}
	r.broadcast(buildGameEnd(r.state, true))
	r.archiveResult()
	// Terminal phase: persisted state is deleted after the grace period.
	// Deliberately wakePhase so late reconnects cannot cancel it.
	r.scheduleWake(r.cfg.CleanupGrace, wakePhase)
	r.log.Info().Msg("Game ended")
}

func (r *Room) archiveResult() {
	if r.results == nil {
		return
	}
	entries := leaderboardEntries(r.state)
	result := &model.GameResult{
		GameID:     r.state.ID,
		Pin:        r.state.Pin,
		FinishedAt: time.Now().UTC(),
	}
	for _, e := range entries {
		result.Entries = append(result.Entries, model.ResultEntry{Rank: e.Rank, Name: e.Name, Score: e.Score})
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.results.SaveResult(ctx, result); err != nil {
		r.log.Error().Err(err).Msg("Failed to archive game result")
	}
}

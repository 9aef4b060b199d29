package room

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/phase"
	"github.com/efreed/quizdash/internal/protocol"
)

func (r *Room) send(conn Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal outbound message")
		return
	}
	conn.Send(data)
}

// broadcast sends to every authenticated connection. Connections that
// have not completed connect yet see nothing of the game.
func (r *Room) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}
	for connID, conn := range r.conns {
		if att := r.atts[connID]; att != nil && att.Authenticated {
			conn.Send(data)
		}
	}
}

func (r *Room) sendToHost(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal host message")
		return
	}
	for connID, conn := range r.conns {
		if att := r.atts[connID]; att != nil && att.Role == model.RoleHost {
			conn.Send(data)
		}
	}
}

// broadcastReveal sends the role-specific reveal variants: hosts get
// aggregate counts, each player additionally gets their own result.
func (r *Room) broadcastReveal() {
	for connID, conn := range r.conns {
		att := r.atts[connID]
		if att == nil || !att.Authenticated {
			continue
		}
		r.send(conn, r.revealMessageFor(att))
	}
}

func (r *Room) revealMessageFor(att *model.Attachment) protocol.RevealMessage {
	q := r.state.CurrentQuestion()
	msg := protocol.RevealMessage{
		Type:               protocol.TypeReveal,
		CorrectAnswerIndex: q.CorrectIndex,
		AnswerCounts:       make([]int, len(q.Options)),
	}
	for _, a := range r.state.Answers {
		if a.AnswerIndex >= 0 && a.AnswerIndex < len(msg.AnswerCounts) {
			msg.AnswerCounts[a.AnswerIndex]++
		}
	}
	if att.Role == model.RolePlayer && att.PlayerID != "" {
		res, answered := r.state.Results[att.PlayerID]
		total := 0
		if p := r.state.FindPlayer(att.PlayerID); p != nil {
			total = p.Score
		}
		if answered {
			msg.PlayerResult = &protocol.PlayerResultPayload{Correct: res.Correct, Points: res.Points, TotalScore: total}
		} else {
			msg.PlayerResult = &protocol.PlayerResultPayload{TotalScore: total}
		}
	}
	return msg
}

// replayPhase sends a reconnecting or refreshing connection the message
// it would have received when the current phase began, so any client can
// rebuild its view from a single frame.
func (r *Room) replayPhase(conn Conn, att *model.Attachment) {
	switch r.state.Phase {
	case phase.Lobby:
		r.send(conn, buildLobbyUpdate(r.state, r.cfg.MaxPlayers, att.Role))
	case phase.GetReady:
		r.send(conn, buildGetReady(r.state, r.cfg.GetReadyCountdown))
	case phase.QuestionModifier:
		r.send(conn, buildQuestionModifier(r.state, r.cfg.ModifierDuration))
	case phase.Question:
		r.send(conn, buildQuestionStart(r.state))
		if att.Role == model.RolePlayer && att.PlayerID != "" {
			if a := r.state.AnswerFor(att.PlayerID); a != nil {
				r.send(conn, protocol.AnswerReceivedMessage{Type: protocol.TypeAnswerReceived, AnswerIndex: a.AnswerIndex})
			}
		}
	case phase.Reveal:
		r.send(conn, r.revealMessageFor(att))
	case phase.Leaderboard:
		r.send(conn, buildLeaderboard(r.state))
	case phase.EndIntro:
		r.send(conn, buildGameEnd(r.state, false))
	case phase.EndRevealed:
		r.send(conn, buildGameEnd(r.state, true))
	}
}

// buildLobbyUpdate builds the lobby snapshot for one role: the host
// needs player ids to drive removals, players only see names.
func buildLobbyUpdate(state *model.GameState, maxPlayers int, role model.Role) protocol.LobbyUpdateMessage {
	players := make([]protocol.LobbyPlayer, 0, len(state.Players))
	for _, p := range state.Players {
		entry := protocol.LobbyPlayer{Name: p.Name}
		if role == model.RoleHost {
			entry.ID = p.ID
		}
		players = append(players, entry)
	}
	return protocol.LobbyUpdateMessage{Type: protocol.TypeLobbyUpdate, Players: players, MaxPlayers: maxPlayers}
}

// broadcastLobby sends each authenticated connection its role's lobby
// snapshot.
func (r *Room) broadcastLobby() {
	for connID, conn := range r.conns {
		att := r.atts[connID]
		if att == nil || !att.Authenticated {
			continue
		}
		r.send(conn, buildLobbyUpdate(r.state, r.cfg.MaxPlayers, att.Role))
	}
}

func buildGetReady(state *model.GameState, countdown time.Duration) protocol.GetReadyMessage {
	return protocol.GetReadyMessage{
		Type:           protocol.TypeGetReady,
		CountdownMs:    countdown.Milliseconds(),
		TotalQuestions: len(state.Questions),
	}
}

func buildQuestionModifier(state *model.GameState, duration time.Duration) protocol.QuestionModifierMessage {
	return protocol.QuestionModifierMessage{
		Type:          protocol.TypeQuestionModifier,
		Modifier:      "double_points",
		QuestionIndex: state.CurrentQuestionIndex,
		DurationMs:    duration.Milliseconds(),
	}
}

func buildQuestionStart(state *model.GameState) protocol.QuestionStartMessage {
	q := state.CurrentQuestion()
	return protocol.QuestionStartMessage{
		Type:            protocol.TypeQuestionStart,
		QuestionIndex:   state.CurrentQuestionIndex,
		TotalQuestions:  len(state.Questions),
		QuestionText:    q.Text,
		Options:         q.Options,
		StartTime:       state.QuestionStartTime,
		TimeLimitMs:     q.TimeLimitMs,
		IsDoublePoints:  q.IsDoublePoints,
		BackgroundImage: q.BackgroundImage,
	}
}

func buildLeaderboard(state *model.GameState) protocol.LeaderboardMessage {
	return protocol.LeaderboardMessage{
		Type:           protocol.TypeLeaderboard,
		Leaderboard:    leaderboardEntries(state),
		IsLastQuestion: state.IsLastQuestion(),
	}
}

func buildGameEnd(state *model.GameState, revealed bool) protocol.GameEndMessage {
	return protocol.GameEndMessage{
		Type:             protocol.TypeGameEnd,
		FinalLeaderboard: leaderboardEntries(state),
		Revealed:         revealed,
	}
}

// leaderboardEntries ranks players by descending score. Ties keep join
// order; tied scores still get distinct ranks.
func leaderboardEntries(state *model.GameState) []protocol.LeaderboardEntry {
	entries := make([]protocol.LeaderboardEntry, 0, len(state.Players))
	for _, p := range state.Players {
		entries = append(entries, protocol.LeaderboardEntry{Name: p.Name, Score: p.Score})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/efreed/quizdash/internal/auth"
	"github.com/efreed/quizdash/internal/logger"
	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/repository"
	"github.com/efreed/quizdash/internal/retry"
	"github.com/efreed/quizdash/internal/room"
)

// GameHandler handles the REST endpoints around game lifecycle: creation,
// pin resolution, and the results archive.
type GameHandler struct {
	client  *room.Client
	tickets *auth.TicketManager
	results repository.ResultStore // may be nil
}

// NewGameHandler creates a GameHandler.
func NewGameHandler(client *room.Client, tickets *auth.TicketManager, results repository.ResultStore) *GameHandler {
	return &GameHandler{client: client, tickets: tickets, results: results}
}

type questionPayload struct {
	Text            string   `json:"text"`
	Options         []string `json:"options"`
	CorrectIndex    int      `json:"correctIndex"`
	TimeLimitMs     int64    `json:"timeLimitMs"`
	IsDoublePoints  bool     `json:"isDoublePoints,omitempty"`
	BackgroundImage string   `json:"backgroundImage,omitempty"`
}

// CreateGame handles POST /api/v1/games
func (h *GameHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Questions []questionPayload `json:"questions"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	questions := make([]model.Question, 0, len(req.Questions))
	for _, q := range req.Questions {
		questions = append(questions, model.Question{
			Text:            q.Text,
			Options:         q.Options,
			CorrectIndex:    q.CorrectIndex,
			TimeLimitMs:     q.TimeLimitMs,
			IsDoublePoints:  q.IsDoublePoints,
			BackgroundImage: q.BackgroundImage,
		})
	}

	state, err := h.client.CreateGame(r.Context(), questions)
	if err != nil {
		if retry.IsTransient(err) || errors.Is(err, retry.ErrOverloaded) {
			lg := logger.ForRequest(r.Context())
			lg.Error().Err(err).Msg("Game creation failed")
			writeError(w, http.StatusServiceUnavailable, "try again")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.tickets.Issue(state.ID, state.HostSecret)
	if err != nil {
		lg := logger.ForRequest(r.Context())
		lg.Error().Err(err).Str("gameId", state.ID).Msg("Ticket issue failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"gameId":     state.ID,
		"pin":        state.Pin,
		"hostTicket": ticket,
	})
}

// ResolvePin handles GET /api/v1/games/by-pin/{pin}
func (h *GameHandler) ResolvePin(w http.ResponseWriter, r *http.Request) {
	pin := strings.TrimSpace(r.PathValue("pin"))
	if pin == "" {
		writeError(w, http.StatusBadRequest, "missing pin")
		return
	}
	gameID, err := h.client.GameIDForPin(r.Context(), pin)
	if err != nil {
		if errors.Is(err, room.ErrGameNotFound) {
			writeError(w, http.StatusNotFound, "no game with that pin")
			return
		}
		lg := logger.ForRequest(r.Context())
		lg.Error().Err(err).Str("pin", pin).Msg("Pin resolution failed")
		writeError(w, http.StatusServiceUnavailable, "try again")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gameId": gameID})
}

// ListResults handles GET /api/v1/results
func (h *GameHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusNotFound, "results archive not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	results, err := h.results.ListRecent(r.Context(), limit)
	if err != nil {
		lg := logger.ForRequest(r.Context())
		lg.Error().Err(err).Msg("Result listing failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if results == nil {
		results = []model.GameResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

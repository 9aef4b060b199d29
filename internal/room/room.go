// Package room implements the per-game session actor. One goroutine per
// game processes a mailbox of events (messages, attaches, disconnects,
// timer fires) to completion, one at a time, so all mutation of the
// session document is serialized without locks. Everything a connection
// needs is re-derived from the persisted document plus its small
// attachment record, which is what lets connections drop and reattach
// without losing truth.
package room

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/efreed/quizdash/internal/config"
	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/phase"
	"github.com/efreed/quizdash/internal/protocol"
	"github.com/efreed/quizdash/internal/repository"
	"github.com/efreed/quizdash/internal/retry"
)

var ErrRoomClosed = errors.New("room closed")

const (
	mailboxSize  = 128
	storeTimeout = 5 * time.Second
)

// Conn is the transport-side view of one attached connection. The
// WebSocket layer implements it; tests use channel-backed fakes.
type Conn interface {
	ID() string
	// Send queues a message; it must never block the room goroutine.
	Send(data []byte)
	// Kick closes the connection with a WebSocket close code.
	Kick(code int, reason string)
}

// Mailbox event variants. The dispatch switch over these is the closed
// set of things a room can ever be asked to do.
type attachEvent struct {
	conn Conn
	att  *model.Attachment
}

type messageEvent struct {
	connID string
	data   []byte
}

type detachEvent struct {
	connID string
	err    error
}

type timerEvent struct {
	gen uint64
}

type callEvent struct {
	fn   func()
	done chan struct{}
}

type wakeKind int

const (
	wakeNone wakeKind = iota
	wakePhase
	wakeCleanup
)

// Room owns one game's truth: the persisted session document, the
// attached connections, and the single pending wake timer.
type Room struct {
	id      string
	store   repository.StateStore
	results repository.ResultStore // may be nil
	cfg     config.Timings

	mailbox chan any
	done    chan struct{}
	onClose func(id string)

	// Owned by the run goroutine; never touched from outside it.
	state    *model.GameState
	conns    map[string]Conn
	atts     map[string]*model.Attachment
	timer    *time.Timer
	timerGen uint64
	wake     wakeKind
	closed   bool

	log zerolog.Logger
}

func newRoom(state *model.GameState, store repository.StateStore, results repository.ResultStore, cfg config.Timings, onClose func(string)) *Room {
	return &Room{
		id:      state.ID,
		store:   store,
		results: results,
		cfg:     cfg,
		mailbox: make(chan any, mailboxSize),
		done:    make(chan struct{}),
		onClose: onClose,
		state:   state,
		conns:   make(map[string]Conn),
		atts:    make(map[string]*model.Attachment),
		log:     log.With().Str("gameId", state.ID).Logger(),
	}
}

func (r *Room) run() {
	// A freshly started room begins the teardown countdown immediately;
	// the first attach cancels it.
	r.scheduleWake(r.cfg.CleanupGrace, wakeCleanup)
	for {
		select {
		case ev := <-r.mailbox:
			r.dispatch(ev)
			if r.closed {
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Room) dispatch(ev any) {
	switch e := ev.(type) {
	case attachEvent:
		r.onAttach(e.conn, e.att)
	case messageEvent:
		r.onMessage(e.connID, e.data)
	case detachEvent:
		r.onDetach(e.connID, e.err)
	case timerEvent:
		r.onTimer(e.gen)
	case callEvent:
		e.fn()
		close(e.done)
	default:
		r.log.Error().Type("event", ev).Msg("Unhandled room event variant")
	}

	// An idle room with no pending wake starts the teardown countdown.
	if !r.closed && len(r.conns) == 0 && r.wake == wakeNone {
		r.scheduleWake(r.cfg.CleanupGrace, wakeCleanup)
	}
}

// post delivers an event to the mailbox without blocking. A closed room
// yields a transient error so callers can retry against a fresh handle;
// a full mailbox yields ErrOverloaded, which is never retried.
func (r *Room) post(ev any) error {
	select {
	case <-r.done:
		return retry.MarkTransient(ErrRoomClosed)
	default:
	}
	select {
	case r.mailbox <- ev:
		return nil
	case <-r.done:
		return retry.MarkTransient(ErrRoomClosed)
	default:
		return retry.ErrOverloaded
	}
}

// call runs fn inside the room goroutine and waits for it to complete.
func (r *Room) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.post(callEvent{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-r.done:
		return retry.MarkTransient(ErrRoomClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachHost attaches a host connection. The host secret was validated
// before the upgrade, so the attachment is authenticated immediately.
func (r *Room) AttachHost(conn Conn) error {
	return r.post(attachEvent{conn: conn, att: &model.Attachment{Role: model.RoleHost, Authenticated: true}})
}

// AttachPlayer attaches a player connection. Player identity (new vs.
// reconnecting) can only be resolved once the connection exists, so the
// attachment stays unauthenticated until a connect message arrives.
func (r *Room) AttachPlayer(conn Conn) error {
	return r.post(attachEvent{conn: conn, att: &model.Attachment{Role: model.RolePlayer}})
}

// HandleMessage routes one inbound frame into the room.
func (r *Room) HandleMessage(connID string, data []byte) error {
	return r.post(messageEvent{connID: connID, data: data})
}

// Detach removes a connection after its transport closed or errored.
func (r *Room) Detach(connID string, err error) error {
	return r.post(detachEvent{connID: connID, err: err})
}

// ValidateHostSecret compares a presented secret against the persisted
// one, inside the room goroutine so it observes a consistent document.
func (r *Room) ValidateHostSecret(ctx context.Context, secret string) (bool, error) {
	var ok bool
	err := r.call(ctx, func() {
		ok = subtle.ConstantTimeCompare([]byte(r.state.HostSecret), []byte(secret)) == 1
	})
	return ok, err
}

func (r *Room) onAttach(conn Conn, att *model.Attachment) {
	r.conns[conn.ID()] = conn
	r.atts[conn.ID()] = att
	r.persistAttachment(conn.ID(), att)

	// Any new attach cancels a pending teardown countdown. Phase timers
	// and the terminal deletion timer are left alone.
	if r.wake == wakeCleanup {
		r.clearWake()
	}

	r.log.Info().Str("connId", conn.ID()).Str("role", string(att.Role)).
		Int("connections", len(r.conns)).Msg("Connection attached")

	if att.Role == model.RoleHost {
		r.send(conn, protocol.ConnectedMessage{Type: protocol.TypeConnected, GameID: r.state.ID, Pin: r.state.Pin})
		r.replayPhase(conn, att)
	}
}

func (r *Room) onDetach(connID string, err error) {
	if _, ok := r.conns[connID]; !ok {
		return
	}
	delete(r.conns, connID)
	delete(r.atts, connID)
	r.deleteAttachment(connID)

	evt := r.log.Info()
	if err != nil {
		evt = r.log.Warn().Err(err)
	}
	evt.Str("connId", connID).Int("connections", len(r.conns)).Msg("Connection detached")
}

// onTimer is the single wake callback; it multiplexes on the current
// phase. Every branch persists the new phase, bumps the version,
// broadcasts, and schedules at most one new wake.
func (r *Room) onTimer(gen uint64) {
	if gen != r.timerGen {
		return // superseded by a newer schedule
	}
	r.wake = wakeNone

	switch r.state.Phase {
	case phase.GetReady:
		r.advanceFromGetReady()
	case phase.QuestionModifier:
		if _, err := phase.Transition(phase.QuestionModifier, phase.TimerModifierDone); err != nil {
			r.log.Error().Err(err).Msg("Modifier timer fired in inconsistent state")
			return
		}
		r.startQuestion()
	case phase.Question:
		// Server-side safety net, independent of client-reported timing.
		r.reveal()
	case phase.EndIntro:
		r.revealPodium()
	default:
		if len(r.conns) == 0 || r.state.Phase == phase.EndRevealed {
			r.teardown()
		}
	}
}

func (r *Room) advanceFromGetReady() {
	evt := phase.TimerNoModifier
	if q := r.state.CurrentQuestion(); q != nil && q.IsDoublePoints {
		evt = phase.TimerWithModifier
	}
	next, err := phase.Transition(phase.GetReady, evt)
	if err != nil {
		r.log.Error().Err(err).Msg("Get-ready timer fired in inconsistent state")
		return
	}
	if next == phase.QuestionModifier {
		r.enterModifier()
	} else {
		r.startQuestion()
	}
}

// scheduleWake replaces the single timer slot. The generation counter
// guarantees a stale fire from a superseded schedule is ignored.
func (r *Room) scheduleWake(d time.Duration, kind wakeKind) {
	r.timerGen++
	gen := r.timerGen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.wake = kind
	r.timer = time.AfterFunc(d, func() {
		select {
		case r.mailbox <- timerEvent{gen: gen}:
		case <-r.done:
		}
	})
}

func (r *Room) clearWake() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
	}
	r.wake = wakeNone
}

// persist writes the session document before any broadcast announcing
// the change. On failure the in-memory copy is restored from the store
// so cache and truth never diverge.
func (r *Room) persist() bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveState(ctx, r.state); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist game state")
		if prev, lerr := r.store.LoadState(ctx, r.id); lerr == nil && prev != nil {
			r.state = prev
		}
		return false
	}
	return true
}

func (r *Room) persistAttachment(connID string, att *model.Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveAttachment(ctx, r.id, connID, att); err != nil {
		r.log.Error().Err(err).Str("connId", connID).Msg("Failed to persist attachment")
	}
}

func (r *Room) deleteAttachment(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.DeleteAttachment(ctx, r.id, connID); err != nil {
		r.log.Error().Err(err).Str("connId", connID).Msg("Failed to delete attachment")
	}
}

// teardown deletes all persisted state and stops the room goroutine.
func (r *Room) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := r.store.DeleteState(ctx, r.id); err != nil {
		r.log.Error().Err(err).Msg("Failed to delete game state")
	}
	if err := r.store.DeletePin(ctx, r.state.Pin); err != nil {
		r.log.Error().Err(err).Msg("Failed to delete pin index")
	}
	if err := r.store.ClearAttachments(ctx, r.id); err != nil {
		r.log.Error().Err(err).Msg("Failed to clear attachments")
	}

	for _, conn := range r.conns {
		conn.Kick(1000, "game over")
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	r.closed = true
	close(r.done)
	if r.onClose != nil {
		r.onClose(r.id)
	}
	r.log.Info().Msg("Room torn down")
}

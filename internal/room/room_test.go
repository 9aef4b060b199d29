package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/efreed/quizdash/internal/config"
	"github.com/efreed/quizdash/internal/model"
	"github.com/efreed/quizdash/internal/phase"
	"github.com/efreed/quizdash/internal/repository/memory"
	"github.com/efreed/quizdash/internal/retry"
)

// testConn is a channel-free Conn fake; messages accumulate in memory
// and the test inspects them after syncing with the room goroutine.
type testConn struct {
	id string

	mu       sync.Mutex
	msgs     []map[string]any
	kicked   bool
	kickCode int
}

func newTestConn(id string) *testConn {
	return &testConn{id: id}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		panic(fmt.Sprintf("unparseable outbound message: %v", err))
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *testConn) Kick(code int, reason string) {
	c.mu.Lock()
	c.kicked = true
	c.kickCode = code
	c.mu.Unlock()
}

func (c *testConn) lastOfType(typ string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i]["type"] == typ {
			return c.msgs[i]
		}
	}
	return nil
}

func (c *testConn) countOfType(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (c *testConn) wasKicked() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked, c.kickCode
}

func testTimings() config.Timings {
	return config.Timings{
		GetReadyCountdown: 20 * time.Millisecond,
		ModifierDuration:  20 * time.Millisecond,
		PodiumDelay:       20 * time.Millisecond,
		FastPathDelay:     10 * time.Millisecond,
		CleanupGrace:      time.Second,
		MaxPlayers:        50,
	}
}

func testQuestions() []model.Question {
	return []model.Question{
		{Text: "q1", Options: []string{"a", "b", "c"}, CorrectIndex: 1, TimeLimitMs: 60000},
		{Text: "q2", Options: []string{"x", "y"}, CorrectIndex: 0, TimeLimitMs: 60000, IsDoublePoints: true},
	}
}

func newTestRoom(t *testing.T, cfg config.Timings, questions []model.Question) (*Manager, *memory.Store, *Room) {
	t.Helper()
	store := memory.NewStore()
	mgr := NewManager(store, nil, cfg)
	state, err := mgr.CreateGame(context.Background(), questions)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	r, err := mgr.Room(context.Background(), state.ID)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	t.Cleanup(mgr.Shutdown)
	return mgr, store, r
}

// drain waits until every event posted before it has been processed.
func drain(t *testing.T, r *Room) {
	t.Helper()
	if err := r.call(context.Background(), func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func currentPhase(t *testing.T, r *Room) phase.Phase {
	t.Helper()
	var p phase.Phase
	if err := r.call(context.Background(), func() { p = r.state.Phase }); err != nil {
		t.Fatalf("read phase: %v", err)
	}
	return p
}

func waitPhase(t *testing.T, r *Room, want phase.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if currentPhase(t, r) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %v", want)
}

func attachHost(t *testing.T, r *Room) *testConn {
	t.Helper()
	c := newTestConn("host-conn")
	if err := r.AttachHost(c); err != nil {
		t.Fatalf("AttachHost: %v", err)
	}
	drain(t, r)
	return c
}

func joinPlayer(t *testing.T, r *Room, connID, nickname string) (*testConn, string, string) {
	t.Helper()
	c := newTestConn(connID)
	if err := r.AttachPlayer(c); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c, `{"type":"connect"}`)
	mustHandle(t, r, c, fmt.Sprintf(`{"type":"join","nickname":%q}`, nickname))
	drain(t, r)
	msg := c.lastOfType("connected")
	if msg == nil || msg["playerId"] == nil {
		t.Fatalf("join %q got no connected ack: %v", nickname, msg)
	}
	token, _ := msg["token"].(string)
	return c, msg["playerId"].(string), token
}

func mustHandle(t *testing.T, r *Room, c *testConn, raw string) {
	t.Helper()
	if err := r.HandleMessage(c.id, []byte(raw)); err != nil {
		t.Fatalf("HandleMessage(%s): %v", raw, err)
	}
}

func TestCreateGameValidation(t *testing.T) {
	mgr := NewManager(memory.NewStore(), nil, testTimings())

	if _, err := mgr.CreateGame(context.Background(), nil); err != ErrNoQuestions {
		t.Errorf("empty questions: got %v, want ErrNoQuestions", err)
	}
	bad := []model.Question{{Text: "q", Options: []string{"a", "b"}, CorrectIndex: 5, TimeLimitMs: 1000}}
	if _, err := mgr.CreateGame(context.Background(), bad); err == nil {
		t.Error("out-of-range correct index accepted")
	}
}

func TestGameIDForPin(t *testing.T) {
	store := memory.NewStore()
	mgr := NewManager(store, nil, testTimings())
	state, err := mgr.CreateGame(context.Background(), testQuestions())
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if len(state.Pin) != 6 {
		t.Errorf("pin %q is not six digits", state.Pin)
	}

	gameID, err := mgr.GameIDForPin(context.Background(), state.Pin)
	if err != nil || gameID != state.ID {
		t.Errorf("GameIDForPin = %q, %v; want %q", gameID, err, state.ID)
	}
	if _, err := mgr.GameIDForPin(context.Background(), "000000x"); err != ErrGameNotFound {
		t.Errorf("unknown pin: got %v, want ErrGameNotFound", err)
	}
}

func TestRoomUnknownGame(t *testing.T) {
	mgr := NewManager(memory.NewStore(), nil, testTimings())
	if _, err := mgr.Room(context.Background(), "nope"); err != ErrGameNotFound {
		t.Errorf("got %v, want ErrGameNotFound", err)
	}
}

func TestJoinAndLobbyUpdate(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	_, aliceID, aliceToken := joinPlayer(t, r, "c1", "alice")

	if aliceID == "" || aliceToken == "" {
		t.Fatal("join reply missing playerId or token")
	}
	lobby := host.lastOfType("lobbyUpdate")
	if lobby == nil {
		t.Fatal("host got no lobbyUpdate")
	}
	players := lobby["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("lobby has %d players, want 1", len(players))
	}
	// The token is private to the joining client.
	if got := host.lastOfType("connected"); got["token"] != nil {
		t.Error("host connected ack leaked a player token")
	}
}

func TestJoinNicknameTakenCaseInsensitive(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	joinPlayer(t, r, "c1", "alice")

	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c2, `{"type":"connect"}`)
	mustHandle(t, r, c2, `{"type":"join","nickname":"Alice"}`)
	drain(t, r)

	errMsg := c2.lastOfType("error")
	if errMsg == nil || errMsg["code"] != "nickname_taken" {
		t.Errorf("got %v, want nickname_taken error", errMsg)
	}
}

func TestJoinRoomFull(t *testing.T) {
	cfg := testTimings()
	cfg.MaxPlayers = 1
	_, _, r := newTestRoom(t, cfg, testQuestions())
	joinPlayer(t, r, "c1", "alice")

	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c2, `{"type":"connect"}`)
	mustHandle(t, r, c2, `{"type":"join","nickname":"bob"}`)
	drain(t, r)

	errMsg := c2.lastOfType("error")
	if errMsg == nil || errMsg["code"] != "room_full" {
		t.Errorf("got %v, want room_full error", errMsg)
	}
}

func TestStartGameRequiresHostAndPlayers(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)

	mustHandle(t, r, host, `{"type":"startGame"}`)
	drain(t, r)
	if errMsg := host.lastOfType("error"); errMsg == nil || errMsg["code"] != "wrong_phase" {
		t.Errorf("empty start: got %v, want wrong_phase error", errMsg)
	}

	alice, _, _ := joinPlayer(t, r, "c1", "alice")
	mustHandle(t, r, alice, `{"type":"startGame"}`)
	drain(t, r)
	if errMsg := alice.lastOfType("error"); errMsg == nil || errMsg["code"] != "unauthorized" {
		t.Errorf("player start: got %v, want unauthorized error", errMsg)
	}
	if p := currentPhase(t, r); p != phase.Lobby {
		t.Errorf("phase = %v, want lobby", p)
	}
}

func TestUnauthenticatedMessageCloses(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	c := newTestConn("c1")
	if err := r.AttachPlayer(c); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c, `{"type":"join","nickname":"eve"}`)
	drain(t, r)

	kicked, code := c.wasKicked()
	if !kicked || code != 4001 {
		t.Errorf("kicked=%v code=%d, want kicked with 4001", kicked, code)
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)

	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":2}`)
	drain(t, r)

	if errMsg := alice.lastOfType("error"); errMsg == nil || errMsg["code"] != "duplicate" {
		t.Errorf("got %v, want duplicate error", errMsg)
	}
	var answers []model.Answer
	if err := r.call(context.Background(), func() { answers = append([]model.Answer(nil), r.state.Answers...) }); err != nil {
		t.Fatalf("read answers: %v", err)
	}
	if len(answers) != 1 || answers[0].AnswerIndex != 1 {
		t.Errorf("answers = %v, want the first submission only", answers)
	}
}

func TestAnswerIndexOutOfRange(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)

	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":7}`)
	drain(t, r)
	if errMsg := alice.lastOfType("error"); errMsg == nil || errMsg["code"] != "out_of_range" {
		t.Errorf("got %v, want out_of_range error", errMsg)
	}
}

func TestLateAnswerRejected(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)

	// Backdate the question start past the time limit. The phase timer
	// has not fired yet, so the room is still reading answer frames.
	limit := testQuestions()[0].TimeLimitMs
	if err := r.call(context.Background(), func() {
		r.state.QuestionStartTime -= limit + 1000
	}); err != nil {
		t.Fatalf("backdate question start: %v", err)
	}

	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	drain(t, r)

	if errMsg := alice.lastOfType("error"); errMsg == nil || errMsg["code"] != "too_late" {
		t.Errorf("got %v, want too_late error", errMsg)
	}
	if alice.countOfType("answerReceived") != 0 {
		t.Error("late answer was acknowledged")
	}
	var answers int
	if err := r.call(context.Background(), func() { answers = len(r.state.Answers) }); err != nil {
		t.Fatalf("read answers: %v", err)
	}
	if answers != 0 {
		t.Errorf("answers = %d, want the late submission discarded", answers)
	}
}

func TestReconnectWithToken(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, aliceID, token := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	drain(t, r)

	if err := r.Detach("c1", nil); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c2, fmt.Sprintf(`{"type":"connect","playerId":%q,"token":%q}`, aliceID, token))
	drain(t, r)

	if msg := c2.lastOfType("connected"); msg == nil || msg["playerId"] != aliceID {
		t.Fatalf("reconnect ack = %v", msg)
	}
	if msg := c2.lastOfType("questionStart"); msg == nil {
		t.Error("reconnect did not replay the current question")
	}
	ack := c2.lastOfType("answerReceived")
	if ack == nil || ack["answerIndex"] != float64(1) {
		t.Errorf("reconnect did not replay the submitted answer: %v", ack)
	}
}

func TestReconnectWrongTokenCloses(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	_, aliceID, _ := joinPlayer(t, r, "c1", "alice")

	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c2, fmt.Sprintf(`{"type":"connect","playerId":%q,"token":"wrong"}`, aliceID))
	drain(t, r)

	if errMsg := c2.lastOfType("error"); errMsg == nil || errMsg["code"] != "bad_token" {
		t.Errorf("got %v, want bad_token error", errMsg)
	}
	kicked, code := c2.wasKicked()
	if !kicked || code != 4003 {
		t.Errorf("kicked=%v code=%d, want kicked with 4003", kicked, code)
	}
}

func TestLateConnectAfterStart(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	joinPlayer(t, r, "c1", "alice")
	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)

	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	mustHandle(t, r, c2, `{"type":"connect"}`)
	drain(t, r)

	if errMsg := c2.lastOfType("error"); errMsg == nil || errMsg["code"] != "already_started" {
		t.Errorf("got %v, want already_started error", errMsg)
	}
	if kicked, _ := c2.wasKicked(); kicked {
		t.Error("late connect should not close the connection")
	}
}

func TestStalePhaseVersionRejected(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	waitPhase(t, r, phase.Reveal)

	var version int
	if err := r.call(context.Background(), func() { version = r.state.PhaseVersion }); err != nil {
		t.Fatalf("read version: %v", err)
	}
	mustHandle(t, r, host, fmt.Sprintf(`{"type":"nextState","phaseVersion":%d}`, version-1))
	drain(t, r)

	if errMsg := host.lastOfType("error"); errMsg == nil || errMsg["code"] != "stale_version" {
		t.Errorf("got %v, want stale_version error", errMsg)
	}
	if p := currentPhase(t, r); p != phase.Reveal {
		t.Errorf("phase = %v, want reveal", p)
	}
}

func TestRemovePlayer(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, aliceID, _ := joinPlayer(t, r, "c1", "alice")
	joinPlayer(t, r, "c2", "bob")

	mustHandle(t, r, host, fmt.Sprintf(`{"type":"removePlayer","playerId":%q}`, aliceID))
	drain(t, r)

	kicked, code := alice.wasKicked()
	if !kicked || code != 4005 {
		t.Errorf("kicked=%v code=%d, want kicked with 4005", kicked, code)
	}
	lobby := host.lastOfType("lobbyUpdate")
	players := lobby["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("lobby has %d players after removal, want 1", len(players))
	}
	if players[0].(map[string]any)["name"] != "bob" {
		t.Errorf("remaining player = %v, want bob", players[0])
	}
}

func TestSkipLeaderboardOnLastQuestion(t *testing.T) {
	questions := testQuestions()[:1]
	_, _, r := newTestRoom(t, testTimings(), questions)
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	waitPhase(t, r, phase.Reveal)

	mustHandle(t, r, host, `{"type":"nextState"}`)
	drain(t, r)
	if p := currentPhase(t, r); p != phase.EndIntro && p != phase.EndRevealed {
		t.Errorf("phase = %v, want the ending sequence, not a leaderboard", p)
	}
	if host.countOfType("leaderboard") != 0 {
		t.Error("last-question advance showed an interim leaderboard")
	}
}

func TestEmojiRelayedToHostOnly(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, aliceID, _ := joinPlayer(t, r, "c1", "alice")
	bob, _, _ := joinPlayer(t, r, "c2", "bob")

	mustHandle(t, r, alice, `{"type":"sendEmoji","emoji":"🔥"}`)
	drain(t, r)

	msg := host.lastOfType("emojiReceived")
	if msg == nil || msg["emoji"] != "🔥" || msg["playerId"] != aliceID {
		t.Errorf("host emoji relay = %v", msg)
	}
	if bob.countOfType("emojiReceived") != 0 {
		t.Error("emoji leaked to another player")
	}
}

func TestEmojiDroppedAfterGameEnd(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions()[:1])
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, alice, `{"type":"sendEmoji","emoji":"🎉"}`)
	drain(t, r)
	if host.countOfType("emojiReceived") != 1 {
		t.Fatal("lobby emoji was not relayed")
	}

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	waitPhase(t, r, phase.Reveal)
	mustHandle(t, r, host, `{"type":"nextState"}`)
	waitPhase(t, r, phase.EndRevealed)

	mustHandle(t, r, alice, `{"type":"sendEmoji","emoji":"🎉"}`)
	drain(t, r)
	if n := host.countOfType("emojiReceived"); n != 1 {
		t.Errorf("host got %d emoji relays, want only the lobby one", n)
	}
}

func TestNextStateIgnoredInLobby(t *testing.T) {
	_, _, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	joinPlayer(t, r, "c1", "alice")

	mustHandle(t, r, host, `{"type":"nextState"}`)
	drain(t, r)

	if p := currentPhase(t, r); p != phase.Lobby {
		t.Errorf("phase = %v, want lobby", p)
	}
	if host.countOfType("error") != 0 {
		t.Errorf("lobby nextState produced an error: %v", host.lastOfType("error"))
	}
}

func TestFullGameFlow(t *testing.T) {
	_, store, r := newTestRoom(t, testTimings(), testQuestions())
	host := attachHost(t, r)
	alice, _, _ := joinPlayer(t, r, "c1", "alice")
	bob, _, _ := joinPlayer(t, r, "c2", "bob")

	mustHandle(t, r, host, `{"type":"startGame"}`)
	waitPhase(t, r, phase.Question)

	// Question 1: alice correct, bob wrong. Both connected players
	// answering triggers the fast-path reveal.
	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":1}`)
	mustHandle(t, r, bob, `{"type":"submitAnswer","answerIndex":0}`)
	waitPhase(t, r, phase.Reveal)

	reveal := alice.lastOfType("reveal")
	if reveal == nil {
		t.Fatal("alice got no reveal")
	}
	res := reveal["playerResult"].(map[string]any)
	if res["correct"] != true || res["points"].(float64) < 500 {
		t.Errorf("alice result = %v, want correct with at least 500 points", res)
	}
	bobRes := bob.lastOfType("reveal")["playerResult"].(map[string]any)
	if bobRes["correct"] != false || bobRes["points"].(float64) != 0 {
		t.Errorf("bob result = %v, want incorrect with 0 points", bobRes)
	}
	if hostReveal := host.lastOfType("reveal"); hostReveal["playerResult"] != nil {
		t.Error("host reveal carries a private player result")
	}

	mustHandle(t, r, host, `{"type":"nextState"}`)
	waitPhase(t, r, phase.Leaderboard)

	// Question 2 is double points and passes through the modifier
	// interstitial before the question starts.
	mustHandle(t, r, host, `{"type":"nextState"}`)
	waitPhase(t, r, phase.Question)
	if host.countOfType("questionModifier") != 1 {
		t.Error("double-points question skipped the modifier interstitial")
	}

	mustHandle(t, r, alice, `{"type":"submitAnswer","answerIndex":0}`)
	mustHandle(t, r, bob, `{"type":"submitAnswer","answerIndex":0}`)
	waitPhase(t, r, phase.Reveal)

	mustHandle(t, r, host, `{"type":"nextState"}`)
	waitPhase(t, r, phase.EndRevealed)
	// Two gameEnd frames: the podium intro, then the revealed standings.
	if n := host.countOfType("gameEnd"); n != 2 {
		t.Fatalf("host got %d gameEnd frames, want 2", n)
	}

	end := host.lastOfType("gameEnd")
	if end["revealed"] != true {
		t.Fatalf("final gameEnd = %v, want revealed=true", end)
	}
	board := end["finalLeaderboard"].([]any)
	if len(board) != 2 {
		t.Fatalf("final leaderboard has %d entries, want 2", len(board))
	}
	first := board[0].(map[string]any)
	second := board[1].(map[string]any)
	if first["name"] != "alice" || first["rank"] != float64(1) {
		t.Errorf("winner = %v, want alice at rank 1", first)
	}
	if first["score"].(float64) <= second["score"].(float64) {
		t.Errorf("leaderboard not sorted: %v then %v", first, second)
	}
	if second["score"].(float64) < 1000 {
		t.Errorf("bob's double-points question scored %v, want at least 1000", second["score"])
	}

	// After the grace period all persisted state is gone.
	deadline := time.Now().Add(3 * time.Second)
	for {
		state, err := store.LoadState(context.Background(), r.id)
		if err == nil && state == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("game state not deleted after the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdleRoomTearsDown(t *testing.T) {
	cfg := testTimings()
	cfg.CleanupGrace = 30 * time.Millisecond
	_, store, r := newTestRoom(t, cfg, testQuestions())

	c := newTestConn("c1")
	if err := r.AttachPlayer(c); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	drain(t, r)
	if err := r.Detach("c1", nil); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := store.LoadState(context.Background(), r.id)
		if err == nil && state == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("idle room did not tear down")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAttachCancelsCleanup(t *testing.T) {
	cfg := testTimings()
	cfg.CleanupGrace = 50 * time.Millisecond
	_, store, r := newTestRoom(t, cfg, testQuestions())

	c := newTestConn("c1")
	if err := r.AttachPlayer(c); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	if err := r.Detach("c1", nil); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	drain(t, r)

	// Reattach before the grace period elapses; the countdown must stop.
	c2 := newTestConn("c2")
	if err := r.AttachPlayer(c2); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	drain(t, r)

	time.Sleep(120 * time.Millisecond)
	state, err := store.LoadState(context.Background(), r.id)
	if err != nil || state == nil {
		t.Fatalf("state deleted despite a live connection: state=%v err=%v", state, err)
	}
}

// A detach posted after the room shut down must report the failure so
// transports can tell a dead room from a registry entry left behind.
func TestDetachAfterShutdownReportsClosed(t *testing.T) {
	mgr, _, r := newTestRoom(t, testTimings(), testQuestions())
	attachHost(t, r)
	mgr.Shutdown()

	err := r.Detach("host-conn", nil)
	if !errors.Is(err, ErrRoomClosed) {
		t.Errorf("got %v, want ErrRoomClosed", err)
	}
	if !retry.IsTransient(err) {
		t.Error("detach failure after shutdown should be marked transient")
	}
}

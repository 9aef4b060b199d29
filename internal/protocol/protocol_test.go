package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeValidMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  string
	}{
		{"connect bare", `{"type":"connect"}`, TypeConnect},
		{"connect with identity", `{"type":"connect","playerId":"p1","token":"t1"}`, TypeConnect},
		{"join", `{"type":"join","nickname":"Alice"}`, TypeJoin},
		{"startGame", `{"type":"startGame"}`, TypeStartGame},
		{"submitAnswer", `{"type":"submitAnswer","answerIndex":2}`, TypeSubmitAnswer},
		{"submitAnswer zero", `{"type":"submitAnswer","answerIndex":0}`, TypeSubmitAnswer},
		{"nextState", `{"type":"nextState","phaseVersion":3}`, TypeNextState},
		{"sendEmoji", `{"type":"sendEmoji","emoji":"🎉"}`, TypeSendEmoji},
		{"removePlayer", `{"type":"removePlayer","playerId":"p1"}`, TypeRemovePlayer},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.raw))
		if err != nil {
			t.Errorf("%s: Decode: %v", tt.name, err)
			continue
		}
		if msg.Type != tt.typ {
			t.Errorf("%s: type = %s, want %s", tt.name, msg.Type, tt.typ)
		}
	}
}

func TestDecodeMalformedMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"teleport"}`},
		{"empty type", `{}`},
		{"join empty nickname", `{"type":"join","nickname":"  "}`},
		{"join nickname too long", `{"type":"join","nickname":"` + strings.Repeat("a", 21) + `"}`},
		{"submitAnswer missing index", `{"type":"submitAnswer"}`},
		{"submitAnswer negative", `{"type":"submitAnswer","answerIndex":-1}`},
		{"connect playerId without token", `{"type":"connect","playerId":"p1"}`},
		{"connect token without playerId", `{"type":"connect","token":"t1"}`},
		{"sendEmoji empty", `{"type":"sendEmoji"}`},
		{"removePlayer missing id", `{"type":"removePlayer"}`},
	}
	for _, tt := range tests {
		if _, err := Decode([]byte(tt.raw)); err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
	}
}

func TestDecodeUnknownTypeSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeTrimsNickname(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"join","nickname":"  Alice  "}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Nickname != "Alice" {
		t.Errorf("nickname = %q, want %q", msg.Nickname, "Alice")
	}
}

func TestNewError(t *testing.T) {
	e := NewError(CodeRoomFull, "room is full")
	if e.Type != TypeError {
		t.Errorf("type = %s, want %s", e.Type, TypeError)
	}
	if e.Code != CodeRoomFull {
		t.Errorf("code = %s, want %s", e.Code, CodeRoomFull)
	}
}

// Package phase defines the game phase machine: a table-driven
// transition function over timer events plus derived lookup tables.
// Manual host advances (from QUESTION, REVEAL, and LEADERBOARD) are
// resolved by room handler logic instead, because their destination
// depends on whether questions remain.
package phase

import "fmt"

// Phase enumerates the stages of a trivia session.
type Phase string

const (
	Lobby            Phase = "LOBBY"
	GetReady         Phase = "GET_READY"
	QuestionModifier Phase = "QUESTION_MODIFIER"
	Question         Phase = "QUESTION"
	Reveal           Phase = "REVEAL"
	Leaderboard      Phase = "LEADERBOARD"
	EndIntro         Phase = "END_INTRO"
	EndRevealed      Phase = "END_REVEALED"
)

// Event enumerates timer-driven transition triggers.
type Event string

const (
	TimerWithModifier Event = "TIMER_WITH_MODIFIER"
	TimerNoModifier   Event = "TIMER_NO_MODIFIER"
	TimerModifierDone Event = "TIMER_MODIFIER_DONE"
	RevealWinner      Event = "REVEAL_WINNER"
)

var transitions = map[Phase]map[Event]Phase{
	GetReady: {
		TimerWithModifier: QuestionModifier,
		TimerNoModifier:   Question,
	},
	QuestionModifier: {
		TimerModifierDone: Question,
	},
	EndIntro: {
		RevealWinner: EndRevealed,
	},
}

// Transition returns the phase reached by applying event to the current
// phase, or an error when the event is undefined for that phase.
func Transition(p Phase, e Event) (Phase, error) {
	if next, ok := transitions[p][e]; ok {
		return next, nil
	}
	return p, fmt.Errorf("no transition from %s on %s", p, e)
}

var active = map[Phase]bool{
	GetReady:         true,
	QuestionModifier: true,
	Question:         true,
	Reveal:           true,
	Leaderboard:      true,
}

// IsActive reports whether a phase is mid-game: clients warn before
// navigating away during an active phase.
func IsActive(p Phase) bool {
	return active[p]
}

var manualAdvance = map[Phase]bool{
	Reveal:      true,
	Leaderboard: true,
}

// AllowsManualAdvance reports whether the host UI should offer the
// "next" control for a phase.
func AllowsManualAdvance(p Phase) bool {
	return manualAdvance[p]
}

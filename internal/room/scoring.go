package room

import (
	"math"

	"github.com/efreed/quizdash/internal/model"
)

// scoreAnswer awards points for one answer. A correct answer earns
// between 500 and 1000 points, decaying linearly with elapsed time over
// the question's limit, doubled when the question is double points.
// Wrong answers and missing answers earn zero. Pure function of its
// inputs; never reads the clock.
func scoreAnswer(q *model.Question, a *model.Answer) int {
	if a == nil || a.AnswerIndex != q.CorrectIndex {
		return 0
	}
	frac := float64(a.ElapsedMs) / float64(q.TimeLimitMs)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	points := int(math.Round(1000 * (1 - frac/2)))
	if points < 500 {
		points = 500
	}
	if q.IsDoublePoints {
		points *= 2
	}
	return points
}

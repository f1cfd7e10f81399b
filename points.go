package satchel

// Gamification constants. The remote endpoint is the system of record for
// totals; satchel computes deltas and levels deterministically from these.
const (
	// QuizPointsCap is the maximum points a single quiz can award.
	QuizPointsCap = 50

	// LevelDivisor is the points-per-level step: level = points/200 + 1.
	LevelDivisor = 200
)

// QuizPointDelta converts a quiz score in [0,100] to awarded points:
// floor(score/100 * cap). Scores outside the range are clamped first.
func QuizPointDelta(score int) int {
	return ClampScore(score) * QuizPointsCap / 100
}

// LevelForPoints computes the level for a cumulative point total. Levels
// start at 1; 1250 points is level 7.
func LevelForPoints(totalPoints int) int {
	if totalPoints < 0 {
		totalPoints = 0
	}
	return totalPoints/LevelDivisor + 1
}

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

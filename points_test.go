package satchel

import "testing"

func TestLevelForPoints(t *testing.T) {
	cases := []struct {
		points int
		level  int
	}{
		{0, 1},
		{199, 1},
		{200, 2},
		{399, 2},
		{400, 3},
		{1250, 7},
		{-50, 1},
	}
	for _, c := range cases {
		if got := LevelForPoints(c.points); got != c.level {
			t.Errorf("LevelForPoints(%d): expected %d, got %d", c.points, c.level, got)
		}
	}
}

func TestQuizPointDelta(t *testing.T) {
	cases := []struct {
		score int
		delta int
	}{
		{0, 0},
		{50, 25},
		{80, 40},
		{100, 50},
		{130, 50}, // clamped to 100 first
		{-10, 0},
	}
	for _, c := range cases {
		if got := QuizPointDelta(c.score); got != c.delta {
			t.Errorf("QuizPointDelta(%d): expected %d, got %d", c.score, c.delta, got)
		}
	}
}

func TestClampScore(t *testing.T) {
	if got := ClampScore(-5); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := ClampScore(150); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	if got := ClampScore(73); got != 73 {
		t.Errorf("expected 73, got %d", got)
	}
}

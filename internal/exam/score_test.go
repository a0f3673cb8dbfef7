package exam

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/sprechen/internal/model"
)

func TestRatingThresholds(t *testing.T) {
	tests := []struct {
		pct    float64
		label  string
		passed bool
	}{
		{100, "Sehr gut", true},
		{90, "Sehr gut", true},
		{89.9, "Gut", true},
		{80, "Gut", true},
		{79.99, "Befriedigend", true},
		{70, "Befriedigend", true},
		{60, "Ausreichend", true},
		{59.9, "Nicht bestanden", false},
		{0, "Nicht bestanden", false},
	}
	for _, tt := range tests {
		r := RatingFor(tt.pct)
		require.Equal(t, tt.label, r.Label, "pct=%v", tt.pct)
		require.Equal(t, tt.passed, r.Passed, "pct=%v", tt.pct)
		require.NotEmpty(t, r.MessageID)
	}
}

func TestComputeMaxScore(t *testing.T) {
	rep := Compute(model.ExamScores{Part1: 3, Part2: 6, Part3: 6})
	require.InDelta(t, 15.0, rep.RawTotal, 1e-9)
	require.InDelta(t, 25.0, rep.Scaled, 1e-9)
	require.InDelta(t, 100.0, rep.Percentage, 1e-9)
	require.Equal(t, "Sehr gut", rep.Rating.Label)
	require.True(t, rep.Passed())
}

func TestComputeZero(t *testing.T) {
	rep := Compute(model.ExamScores{})
	require.Zero(t, rep.RawTotal)
	require.Zero(t, rep.Percentage)
	require.Equal(t, "Nicht bestanden", rep.Rating.Label)
	require.False(t, rep.Passed())
}

func TestComputeClampsParts(t *testing.T) {
	rep := Compute(model.ExamScores{Part1: 10, Part2: -2, Part3: 6})
	require.InDelta(t, 3.0, rep.Scores.Part1, 1e-9)
	require.Zero(t, rep.Scores.Part2)
	require.InDelta(t, 9.0, rep.RawTotal, 1e-9)
	require.InDelta(t, 15.0, rep.Scaled, 1e-9)
	require.InDelta(t, 60.0, rep.Percentage, 1e-9)
	require.Equal(t, "Ausreichend", rep.Rating.Label)
}

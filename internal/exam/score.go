package exam

import "github.com/pavelanni/sprechen/internal/model"

// MaxScores are the section budgets in raw points.
var MaxScores = map[model.SectionID]float64{
	model.SectionIntro:    3,
	model.SectionInfo:     6,
	model.SectionRequests: 6,
}

const (
	// RawMax is the sum of all section budgets.
	RawMax         = 15.0
	// ScaledMax is the top of the reported points scale.
	ScaledMax      = 25.0
	// PassPercentage is the lowest passing percentage.
	PassPercentage = 60.0
)

// Rating is the grade band a percentage falls into.
type Rating struct {
	Label     string // German grade name
	MessageID string // i18n id of the localized label
	Passed    bool
}

var ratings = []struct {
	min float64
	Rating
}{
	{90, Rating{"Sehr gut", "RatingVeryGood", true}},
	{80, Rating{"Gut", "RatingGood", true}},
	{70, Rating{"Befriedigend", "RatingSatisfactory", true}},
	{PassPercentage, Rating{"Ausreichend", "RatingSufficient", true}},
}

var failed = Rating{"Nicht bestanden", "RatingFailed", false}

// RatingFor maps a percentage to its band. Thresholds are inclusive.
func RatingFor(percentage float64) Rating {
	for _, r := range ratings {
		if percentage >= r.min {
			return r.Rating
		}
	}
	return failed
}

// FinalReport is the aggregate result of an attempt.
type FinalReport struct {
	Scores     model.ExamScores
	RawTotal   float64
	RawMax     float64
	Scaled     float64
	ScaledMax  float64
	Percentage float64
	Rating     Rating
}

// Passed reports whether the attempt passed.
func (r FinalReport) Passed() bool { return r.Rating.Passed }

// Compute aggregates section scores. Each part is clamped to its budget.
func Compute(scores model.ExamScores) FinalReport {
	var clamped model.ExamScores
	var raw float64
	for _, id := range model.Sections {
		v := clamp(scores.Get(id), 0, MaxScores[id])
		clamped = clamped.Set(id, v)
		raw += v
	}
	scaled := raw * ScaledMax / RawMax
	pct := scaled / ScaledMax * 100
	return FinalReport{
		Scores:     clamped,
		RawTotal:   raw,
		RawMax:     RawMax,
		Scaled:     scaled,
		ScaledMax:  ScaledMax,
		Percentage: pct,
		Rating:     RatingFor(pct),
	}
}

package model

import "time"

// JournalExport is the top-level JSON structure for exported attempts.
type JournalExport struct {
	Info     ExamInfo        `json:"info"`
	Attempts []AttemptResult `json:"attempts"`
}

// AttemptResult holds one attempt's evaluations and final report.
type AttemptResult struct {
	ID          string             `json:"id"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	Scores      ExamScores         `json:"scores"`
	Evaluations []EvaluationRecord `json:"evaluations"`
	Report      *ReportRecord      `json:"report,omitempty"`
}

// EvaluationRecord is a single journaled turn evaluation.
type EvaluationRecord struct {
	Section SectionID        `json:"section"`
	Turn    TurnState        `json:"turn"`
	Result  EvaluationResult `json:"result"`
	At      time.Time        `json:"at"`
}

// ReportRecord is the journaled final report of an attempt.
type ReportRecord struct {
	RawTotal   float64   `json:"raw_total"`
	Scaled     float64   `json:"scaled"`
	Percentage float64   `json:"percentage"`
	Rating     string    `json:"rating"`
	Passed     bool      `json:"passed"`
	At         time.Time `json:"at"`
}

package model

import (
	"context"
	"time"
)

// SectionID identifies one of the three exam parts.
type SectionID string

const (
	SectionIntro    SectionID = "part1"
	SectionInfo     SectionID = "part2"
	SectionRequests SectionID = "part3"
)

// Sections lists the exam parts in the order they are taken.
var Sections = []SectionID{SectionIntro, SectionInfo, SectionRequests}

// Valid reports whether id names a known section.
func (id SectionID) Valid() bool {
	switch id {
	case SectionIntro, SectionInfo, SectionRequests:
		return true
	}
	return false
}

// RecordingStatus is the state of the record-then-evaluate cycle of a runner.
type RecordingStatus string

const (
	StatusIdle       RecordingStatus = "idle"
	StatusRecording  RecordingStatus = "recording"
	StatusStopped    RecordingStatus = "stopped"
	StatusEvaluating RecordingStatus = "evaluating"
	StatusDone       RecordingStatus = "done"
	StatusError      RecordingStatus = "error"
)

// TurnState is the position of an interactive section within a round.
type TurnState string

const (
	TurnSelectCard             TurnState = "SELECT_CARD"
	TurnUserAction             TurnState = "USER_ACTION"
	TurnEvaluatingUserAction   TurnState = "EVALUATING_USER_ACTION"
	TurnAIAction               TurnState = "AI_ACTION"
	TurnUserResponse           TurnState = "USER_RESPONSE"
	TurnEvaluatingUserResponse TurnState = "EVALUATING_USER_RESPONSE"
	TurnRoundComplete          TurnState = "ROUND_COMPLETE"
)

// EvaluationResult is the examiner's assessment of one recorded turn.
// Score is normalized to 0..1 when returned by the remote service and
// rescaled to section points by the runner that requested it.
type EvaluationResult struct {
	Transcription       string  `json:"transcription"`
	Score               float64 `json:"score"`
	Feedback            string  `json:"feedback"`
	AIResponse          string  `json:"aiResponse,omitempty"`
	CorrectText         string  `json:"correctText,omitempty"`
	AlternativeSentence string  `json:"alternativeSentence,omitempty"`
}

// ExamScores holds the raw points reported by each section.
type ExamScores struct {
	Part1 float64 `json:"part1"`
	Part2 float64 `json:"part2"`
	Part3 float64 `json:"part3"`
}

// Get returns the score recorded for a section.
func (s ExamScores) Get(id SectionID) float64 {
	switch id {
	case SectionIntro:
		return s.Part1
	case SectionInfo:
		return s.Part2
	case SectionRequests:
		return s.Part3
	}
	return 0
}

// Set returns a copy of s with the section's score replaced.
func (s ExamScores) Set(id SectionID, score float64) ExamScores {
	switch id {
	case SectionIntro:
		s.Part1 = score
	case SectionInfo:
		s.Part2 = score
	case SectionRequests:
		s.Part3 = score
	}
	return s
}

// ExamConfig holds runtime exam parameters set via CLI flags.
type ExamConfig struct {
	Lang             string // UI language (de, en, fa)
	FeedbackLanguage string // language the examiner writes feedback in
	PromptVariant    string // strict, standard, lenient
	Voice            string // speech synthesis voice
	BasePath         string // URL prefix for sub-path deployments
	SecureCookies    bool
	EvalTimeout      time.Duration
}

// ExamInfo describes the configuration an attempt journal was produced with.
type ExamInfo struct {
	CatalogHash   string `json:"catalog_hash"`
	PromptVariant string `json:"prompt_variant"`
	Model         string `json:"model"`
}

// Attempt is one pass through the exam between restarts.
type Attempt struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

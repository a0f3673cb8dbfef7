package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/sprechen/internal/model"
)

// GetAttemptResult assembles an attempt with its scores, evaluations and report.
func (s *Store) GetAttemptResult(ctx context.Context, id string) (model.AttemptResult, error) {
	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		return model.AttemptResult{}, err
	}
	return s.attemptResult(ctx, a)
}

func (s *Store) attemptResult(ctx context.Context, a model.Attempt) (model.AttemptResult, error) {
	scores, err := s.GetScores(ctx, a.ID)
	if err != nil {
		return model.AttemptResult{}, fmt.Errorf("scores of %s: %w", a.ID, err)
	}
	evals, err := s.GetEvaluations(ctx, a.ID)
	if err != nil {
		return model.AttemptResult{}, fmt.Errorf("evaluations of %s: %w", a.ID, err)
	}
	report, err := s.GetReport(ctx, a.ID)
	if err != nil {
		return model.AttemptResult{}, fmt.Errorf("report of %s: %w", a.ID, err)
	}
	if evals == nil {
		evals = []model.EvaluationRecord{}
	}
	return model.AttemptResult{
		ID:          a.ID,
		StartedAt:   a.StartedAt,
		FinishedAt:  a.FinishedAt,
		Scores:      scores,
		Evaluations: evals,
		Report:      report,
	}, nil
}

// ExportAttempts builds export-ready results from all attempts.
func (s *Store) ExportAttempts(ctx context.Context) (model.JournalExport, error) {
	info, err := s.GetExamInfo(ctx)
	if err != nil {
		return model.JournalExport{}, fmt.Errorf("exam info: %w", err)
	}
	attempts, err := s.ListAttempts(ctx)
	if err != nil {
		return model.JournalExport{}, fmt.Errorf("list attempts: %w", err)
	}

	results := make([]model.AttemptResult, 0, len(attempts))
	for _, a := range attempts {
		res, err := s.attemptResult(ctx, a)
		if err != nil {
			return model.JournalExport{}, err
		}
		results = append(results, res)
	}
	return model.JournalExport{Info: info, Attempts: results}, nil
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/sprechen/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startTestAttempt(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	if err := s.StartAttempt(context.Background(), model.Attempt{ID: id, StartedAt: at}); err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.AttemptCount(ctx)
	if err != nil {
		t.Fatalf("AttemptCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 attempts, got %d", count)
	}

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	startTestAttempt(t, s, "a1", t0)
	startTestAttempt(t, s, "a2", t0.Add(time.Hour))

	list, err := s.ListAttempts(ctx)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a2" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[1].FinishedAt != nil {
		t.Error("fresh attempt should not be finished")
	}

	_, err = s.GetAttempt(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.StartAttempt(ctx, model.Attempt{ID: "a1", StartedAt: t0}); err == nil {
		t.Error("duplicate attempt id should fail")
	}
}

func TestScoresLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	startTestAttempt(t, s, "a1", time.Now().UTC())

	for _, sc := range []struct {
		section model.SectionID
		score   float64
	}{
		{model.SectionIntro, 2.4},
		{model.SectionInfo, 3},
		{model.SectionInfo, 4.5},
	} {
		if err := s.RecordScore(ctx, "a1", sc.section, sc.score); err != nil {
			t.Fatalf("RecordScore: %v", err)
		}
	}

	scores, err := s.GetScores(ctx, "a1")
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	want := model.ExamScores{Part1: 2.4, Part2: 4.5}
	if scores != want {
		t.Errorf("scores = %+v, want %+v", scores, want)
	}
}

func TestEvaluationsAndReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	startTestAttempt(t, s, "a1", time.Now().UTC())

	rec := model.EvaluationRecord{
		Section: model.SectionRequests,
		Turn:    model.TurnEvaluatingUserAction,
		Result: model.EvaluationResult{
			Transcription:       "Können Sie bitte das Fenster öffnen?",
			Score:               2.5,
			Feedback:            "خوب",
			AIResponse:          "Ja, gern.",
			CorrectText:         "Können Sie bitte das Fenster öffnen?",
			AlternativeSentence: "Öffnen Sie bitte das Fenster.",
		},
		At: time.Now().UTC(),
	}
	if err := s.RecordEvaluation(ctx, "a1", rec); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}

	report, err := s.GetReport(ctx, "a1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report != nil {
		t.Fatal("expected no report yet")
	}

	at := time.Now().UTC()
	if err := s.RecordReport(ctx, "a1", model.ReportRecord{
		RawTotal: 9, Scaled: 15, Percentage: 60, Rating: "Ausreichend", Passed: true, At: at,
	}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	res, err := s.GetAttemptResult(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAttemptResult: %v", err)
	}
	if res.FinishedAt == nil {
		t.Error("report should mark the attempt finished")
	}
	if len(res.Evaluations) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(res.Evaluations))
	}
	got := res.Evaluations[0]
	if got.Result != rec.Result || got.Turn != rec.Turn || got.Section != rec.Section {
		t.Errorf("evaluation = %+v, want %+v", got, rec)
	}
	if res.Report == nil || res.Report.Rating != "Ausreichend" || !res.Report.Passed {
		t.Errorf("report = %+v", res.Report)
	}
}

func TestExamInfoRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.GetExamInfo(ctx)
	if err != nil {
		t.Fatalf("GetExamInfo: %v", err)
	}
	if info != (model.ExamInfo{}) {
		t.Errorf("expected empty info, got %+v", info)
	}

	want := model.ExamInfo{CatalogHash: "abc123", PromptVariant: "strict", Model: "gpt-4o-mini"}
	if err := s.SetExamInfo(ctx, want); err != nil {
		t.Fatalf("SetExamInfo: %v", err)
	}
	want.Model = "llama3.2"
	if err := s.SetExamInfo(ctx, want); err != nil {
		t.Fatalf("SetExamInfo (update): %v", err)
	}
	got, err := s.GetExamInfo(ctx)
	if err != nil {
		t.Fatalf("GetExamInfo: %v", err)
	}
	if got != want {
		t.Errorf("info = %+v, want %+v", got, want)
	}
}

func TestExportAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetExamInfo(ctx, model.ExamInfo{PromptVariant: "standard"}); err != nil {
		t.Fatalf("SetExamInfo: %v", err)
	}
	now := time.Now().UTC()
	startTestAttempt(t, s, "old", now.Add(-time.Hour))
	startTestAttempt(t, s, "new", now)
	if err := s.RecordScore(ctx, "old", model.SectionIntro, 3); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	exp, err := s.ExportAttempts(ctx)
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if exp.Info.PromptVariant != "standard" {
		t.Errorf("info = %+v", exp.Info)
	}
	if len(exp.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(exp.Attempts))
	}
	if exp.Attempts[1].ID != "old" || exp.Attempts[1].Scores.Part1 != 3 {
		t.Errorf("old attempt = %+v", exp.Attempts[1])
	}
	if exp.Attempts[0].Evaluations == nil {
		t.Error("evaluations should export as an empty list")
	}
}

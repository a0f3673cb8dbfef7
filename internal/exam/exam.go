package exam

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/model"
)

// Candidate tasks, shown on the card and quoted to the examiner.
const (
	TaskAskQuestion = "Stellen Sie eine Frage zu dieser Karte."
	TaskMakeRequest = "Formulieren Sie eine Bitte mit dieser Karte."
)

const (
	journalTimeout = 5 * time.Second
	finalSection   = model.SectionRequests
)

// Journal keeps a record of attempts. Implementations must be safe for
// concurrent use.
type Journal interface {
	StartAttempt(ctx context.Context, a model.Attempt) error
	RecordScore(ctx context.Context, attemptID string, section model.SectionID, score float64) error
	RecordEvaluation(ctx context.Context, attemptID string, rec model.EvaluationRecord) error
	RecordReport(ctx context.Context, attemptID string, rec model.ReportRecord) error
}

// Config wires an exam.
type Config struct {
	Catalog *catalog.Catalog
	Deps    Deps
	Journal Journal // optional
}

// Exam owns the three sections of one attempt and aggregates their scores.
type Exam struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	attempt   model.Attempt
	scores    model.ExamScores
	finished  bool
	report    FinalReport
	intro     *Single
	info      *Interactive
	requests  *Interactive
	onRestart []func()
	onReset   []func(model.SectionID)
}

// New builds an exam and starts its first attempt.
func New(cfg Config) (*Exam, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("exam needs a catalog")
	}
	e := &Exam{cfg: cfg, logger: slog.With("component", "exam")}
	if err := e.Restart(); err != nil {
		return nil, err
	}
	return e, nil
}

// Restart abandons the current attempt and starts a fresh one with zero
// scores and new section runners.
func (e *Exam) Restart() error {
	a := model.Attempt{ID: uuid.NewString(), StartedAt: time.Now().UTC()}

	intro, info, requests, err := e.build(a.ID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := []interface{ Close() }{}
	if e.intro != nil {
		old = append(old, e.intro, e.info, e.requests)
	}
	e.attempt = a
	e.scores = model.ExamScores{}
	e.finished = false
	e.report = FinalReport{}
	e.intro, e.info, e.requests = intro, info, requests
	hooks := e.onRestart
	e.mu.Unlock()

	for _, r := range old {
		r.Close()
	}
	for _, fn := range hooks {
		fn()
	}

	e.journal(func(ctx context.Context, j Journal) error { return j.StartAttempt(ctx, a) })
	e.logger.Info("attempt started", "attempt", a.ID)
	return nil
}

func (e *Exam) build(attemptID string) (*Single, *Interactive, *Interactive, error) {
	cb := Callbacks{
		Report: func(section model.SectionID, score float64) {
			e.record(attemptID, section, score)
		},
		Evaluated: func(section model.SectionID, turn model.TurnState, res model.EvaluationResult) {
			rec := model.EvaluationRecord{Section: section, Turn: turn, Result: res, At: time.Now().UTC()}
			e.journal(func(ctx context.Context, j Journal) error {
				return j.RecordEvaluation(ctx, attemptID, rec)
			})
		},
		RoundReset: func(section model.SectionID) {
			e.mu.Lock()
			hooks := e.onReset
			e.mu.Unlock()
			for _, fn := range hooks {
				fn(section)
			}
		},
	}
	c := e.cfg.Catalog

	intro, err := NewSingle(model.SectionIntro, MaxScores[model.SectionIntro], c.IntroPrompts, e.cfg.Deps, cb)
	if err != nil {
		return nil, nil, nil, err
	}
	info, err := NewInteractive(Rules{
		Section:  model.SectionInfo,
		MaxScore: MaxScores[model.SectionInfo],
		Task:     TaskAskQuestion,
		Cards:    c.TopicCards(),
	}, e.cfg.Deps, cb)
	if err != nil {
		return nil, nil, nil, err
	}
	requests, err := NewInteractive(Rules{
		Section:  model.SectionRequests,
		MaxScore: MaxScores[model.SectionRequests],
		Final:    true,
		Task:     TaskMakeRequest,
		Cards:    c.RequestCards(),
	}, e.cfg.Deps, cb)
	if err != nil {
		return nil, nil, nil, err
	}
	return intro, info, requests, nil
}

// record stores a section score. Reports from a previous attempt, or after
// the final report was produced, are ignored.
func (e *Exam) record(attemptID string, section model.SectionID, score float64) {
	e.mu.Lock()
	if attemptID != e.attempt.ID {
		e.mu.Unlock()
		e.logger.Debug("ignoring score from previous attempt", "attempt", attemptID, "section", section)
		return
	}
	if e.finished {
		e.mu.Unlock()
		e.logger.Warn("ignoring score after exam finished", "section", section, "score", score)
		return
	}
	e.scores = e.scores.Set(section, score)
	final := section == finalSection
	if final {
		now := time.Now().UTC()
		e.finished = true
		e.attempt.FinishedAt = &now
		e.report = Compute(e.scores)
	}
	rep := e.report
	e.mu.Unlock()

	e.logger.Info("section score recorded", "section", section, "score", score)
	e.journal(func(ctx context.Context, j Journal) error {
		return j.RecordScore(ctx, attemptID, section, score)
	})
	if final {
		e.logger.Info("exam finished", "raw", rep.RawTotal, "scaled", rep.Scaled, "rating", rep.Rating.Label)
		e.journal(func(ctx context.Context, j Journal) error {
			return j.RecordReport(ctx, attemptID, model.ReportRecord{
				RawTotal:   rep.RawTotal,
				Scaled:     rep.Scaled,
				Percentage: rep.Percentage,
				Rating:     rep.Rating.Label,
				Passed:     rep.Passed(),
				At:         time.Now().UTC(),
			})
		})
	}
}

func (e *Exam) journal(fn func(context.Context, Journal) error) {
	if e.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := fn(ctx, e.cfg.Journal); err != nil {
		e.logger.Error("journal write failed", "error", err)
	}
}

// OnRestart registers fn to run after every restart.
func (e *Exam) OnRestart(fn func()) {
	e.mu.Lock()
	e.onRestart = append(e.onRestart, fn)
	e.mu.Unlock()
}

// OnRoundReset registers fn to run whenever an interactive section returns
// to card selection, whether by choice or after a failed call.
func (e *Exam) OnRoundReset(fn func(model.SectionID)) {
	e.mu.Lock()
	e.onReset = append(e.onReset, fn)
	e.mu.Unlock()
}

// Attempt returns the current attempt.
func (e *Exam) Attempt() model.Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

// Scores returns the scores reported so far.
func (e *Exam) Scores() model.ExamScores {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scores
}

// Report returns the final report once the exam has finished.
func (e *Exam) Report() (FinalReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report, e.finished
}

// Intro returns the self-introduction section.
func (e *Exam) Intro() *Single {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intro
}

// Interactive returns the two-sided section with the given id.
func (e *Exam) Interactive(id model.SectionID) (*Interactive, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch id {
	case model.SectionInfo:
		return e.info, true
	case model.SectionRequests:
		return e.requests, true
	}
	return nil, false
}

// Wait blocks until every section of the current attempt is idle.
func (e *Exam) Wait() {
	e.mu.Lock()
	intro, info, requests := e.intro, e.info, e.requests
	e.mu.Unlock()
	intro.Wait()
	info.Wait()
	requests.Wait()
}

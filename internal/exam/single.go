package exam

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/model"
)

// SingleState is the state of a single-turn section.
type SingleState struct {
	Generation uint64
	Status     model.RecordingStatus
	Result     *model.EvaluationResult
	Err        error
}

// Single drives a section scored from one recording against a rubric.
type Single struct {
	section  model.SectionID
	maxScore float64
	topics   []string
	deps     Deps
	cb       Callbacks
	logger   *slog.Logger

	mu    sync.Mutex
	state SingleState
	wg    sync.WaitGroup
}

// NewSingle creates a runner for the self-introduction covering topics.
func NewSingle(section model.SectionID, maxScore float64, topics []string, deps Deps, cb Callbacks) (*Single, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("section %s: no topics", section)
	}
	if deps.Prompts == nil || deps.Evaluator == nil {
		return nil, errors.New("single-turn section needs prompts and an evaluator")
	}
	return &Single{
		section:  section,
		maxScore: maxScore,
		topics:   topics,
		deps:     deps,
		cb:       cb,
		logger:   slog.With("component", "section", "section", string(section)),
		state:    SingleState{Status: model.StatusIdle},
	}, nil
}

// Section returns the section identifier.
func (s *Single) Section() model.SectionID { return s.section }

// MaxScore returns the section's budget.
func (s *Single) MaxScore() float64 { return s.maxScore }

// Topics returns the prompts the candidate should cover.
func (s *Single) Topics() []string { return s.topics }

// Snapshot returns the current state.
func (s *Single) Snapshot() SingleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submit evaluates a recording in the background. A finished section may be
// recorded again; the new score replaces the old one.
func (s *Single) Submit(b audio.Blob) error {
	s.mu.Lock()
	if s.state.Status == model.StatusEvaluating {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = SingleState{
		Generation: s.state.Generation + 1,
		Status:     model.StatusEvaluating,
	}
	gen := s.state.Generation
	s.mu.Unlock()

	instruction, err := s.deps.Prompts.Intro(s.topics)
	if err != nil {
		s.finish(gen, nil, err)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.deps.callContext()
		defer cancel()

		res, err := s.deps.Evaluator.Evaluate(ctx, llm.Request{
			Instruction: instruction,
			Audio:       &b,
			Structured:  true,
		})
		if err == nil && res.Eval == nil {
			err = fmt.Errorf("%w: no evaluation in reply", llm.ErrMalformedResponse)
		}
		if err != nil {
			s.finish(gen, nil, err)
			return
		}
		s.finish(gen, res.Eval, nil)
	}()
	return nil
}

// Close abandons a recording still being evaluated.
func (s *Single) Close() {
	s.mu.Lock()
	s.state = SingleState{Generation: s.state.Generation + 1, Status: model.StatusIdle}
	s.mu.Unlock()
}

// Wait blocks until no remote call is running.
func (s *Single) Wait() { s.wg.Wait() }

func (s *Single) finish(gen uint64, res *model.EvaluationResult, err error) {
	s.mu.Lock()
	if gen != s.state.Generation || s.state.Status != model.StatusEvaluating {
		s.mu.Unlock()
		s.logger.Debug("discarding stale result", "generation", gen)
		return
	}
	if err != nil {
		s.state.Status = model.StatusError
		s.state.Err = err
		s.mu.Unlock()
		s.logger.Error("evaluation failed", "error", err)
		return
	}
	scaled := *res
	scaled.Score = clamp(res.Score, 0, 1) * s.maxScore
	s.state.Status = model.StatusDone
	s.state.Result = &scaled
	s.mu.Unlock()

	s.logger.Info("section completed", "score", scaled.Score)
	s.cb.evaluated(s.section, "", scaled)
	s.cb.report(s.section, scaled.Score)
}

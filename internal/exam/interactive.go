package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/model"
)

// Interactive drives a two-sided section: the candidate acts on a card, the
// examiner replies on a different card, the candidate responds.
type Interactive struct {
	rules  Rules
	deps   Deps
	cb     Callbacks
	logger *slog.Logger

	mu    sync.Mutex
	round Round
	rng   *rand.Rand
	wg    sync.WaitGroup
}

// NewInteractive creates a runner. The card pool must leave the examiner at
// least one card besides the candidate's.
func NewInteractive(rules Rules, deps Deps, cb Callbacks) (*Interactive, error) {
	if len(rules.Cards) < 2 {
		return nil, fmt.Errorf("section %s: %w", rules.Section, catalog.ErrPoolTooSmall)
	}
	if deps.Prompts == nil || deps.Evaluator == nil {
		return nil, errors.New("interactive section needs prompts and an evaluator")
	}
	rng := deps.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Interactive{
		rules:  rules,
		deps:   deps,
		cb:     cb,
		logger: slog.With("component", "section", "section", string(rules.Section)),
		round:  NewRound(),
		rng:    rng,
	}, nil
}

// Rules returns the section's fixed parameters.
func (s *Interactive) Rules() Rules { return s.rules }

// Snapshot returns the current round.
func (s *Interactive) Snapshot() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// SelectCard starts a round on the candidate's card.
func (s *Interactive) SelectCard(cardID string) error {
	return s.apply(SelectCard{CardID: cardID})
}

// ChangeCard goes back to card selection. An evaluation still in flight is
// abandoned.
func (s *Interactive) ChangeCard() error {
	return s.apply(ChangeCard{})
}

// PlayAgain starts another round after a completed one.
func (s *Interactive) PlayAgain() error {
	return s.apply(PlayAgain{})
}

// Finish reports the final section's held score.
func (s *Interactive) Finish() error {
	return s.apply(Finish{})
}

// SubmitAction evaluates the candidate's question or request in the
// background.
func (s *Interactive) SubmitAction(b audio.Blob) error {
	s.mu.Lock()
	next, _, err := Apply(s.round, s.rules, SubmitAction{})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.round = next
	gen, card := next.Generation, next.UserCard
	s.mu.Unlock()

	instruction, err := s.deps.Prompts.UserAction(s.rules.Task, card)
	if err != nil {
		s.fail(gen, err)
		return nil
	}
	s.goEvaluate(gen, instruction, b, func(ctx context.Context, res *model.EvaluationResult) Event {
		var clip string
		if res.AIResponse != "" {
			clip = s.speak(ctx, res.AIResponse)
		}
		return ActionEvaluated{Generation: gen, Result: *res, ReplyClip: clip}
	})
	return nil
}

// Continue picks the examiner's card and asks for the examiner's turn.
func (s *Interactive) Continue() error {
	s.mu.Lock()
	card, err := PickAICard(s.rules.Cards, s.round.UserCard, s.rng)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next, _, err := Apply(s.round, s.rules, RequestAITurn{Card: card})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.round = next
	gen := next.Generation
	s.mu.Unlock()

	instruction, err := s.deps.Prompts.ExaminerTurn(card)
	if err != nil {
		s.fail(gen, err)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.deps.callContext()
		defer cancel()

		res, err := s.deps.Evaluator.Evaluate(ctx, llm.Request{Instruction: instruction})
		if err != nil {
			s.fail(gen, err)
			return
		}
		clip := s.speak(ctx, res.Text)
		s.deliver(AIPromptReady{Generation: gen, Text: res.Text, Clip: clip})
	}()
	return nil
}

// SubmitResponse evaluates the candidate's reply to the examiner in the
// background.
func (s *Interactive) SubmitResponse(b audio.Blob) error {
	s.mu.Lock()
	next, _, err := Apply(s.round, s.rules, SubmitResponse{})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.round = next
	gen, prompt, card := next.Generation, next.AIPrompt, next.AICard
	s.mu.Unlock()

	instruction, err := s.deps.Prompts.UserResponse(prompt, card)
	if err != nil {
		s.fail(gen, err)
		return nil
	}
	s.goEvaluate(gen, instruction, b, func(_ context.Context, res *model.EvaluationResult) Event {
		return ResponseEvaluated{Generation: gen, Result: *res}
	})
	return nil
}

// Close abandons the current round; results still in flight are dropped.
func (s *Interactive) Close() {
	s.mu.Lock()
	s.round = fresh(s.round)
	s.mu.Unlock()
}

// Wait blocks until no remote call is running.
func (s *Interactive) Wait() { s.wg.Wait() }

func (s *Interactive) goEvaluate(gen uint64, instruction string, b audio.Blob, done func(context.Context, *model.EvaluationResult) Event) {
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
			s.fail(gen, err)
			return
		}
		s.deliver(done(ctx, res.Eval))
	}()
}

// speak synthesizes the examiner's line. Playback is optional, so failures
// only cost the audio.
func (s *Interactive) speak(ctx context.Context, text string) string {
	if s.deps.Speaker == nil {
		return ""
	}
	clip, err := s.deps.Speaker.Prompt(ctx, text)
	if err != nil {
		s.logger.Warn("speech synthesis failed", "error", err)
		return ""
	}
	return clip
}

func (s *Interactive) fail(gen uint64, err error) {
	s.logger.Error("remote call failed", "generation", gen, "error", err)
	s.deliver(CallFailed{Generation: gen, Err: err})
}

func (s *Interactive) deliver(ev Event) {
	if err := s.apply(ev); err != nil {
		if errors.Is(err, ErrStale) {
			s.logger.Debug("discarding stale result", "event", fmt.Sprintf("%T", ev))
			return
		}
		s.logger.Warn("result not applied", "error", err)
	}
}

func (s *Interactive) apply(ev Event) error {
	s.mu.Lock()
	prev := s.round.Generation
	next, rep, err := Apply(s.round, s.rules, ev)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.round = next
	s.mu.Unlock()

	if next.Generation != prev {
		s.cb.roundReset(s.rules.Section)
	}

	switch ev.(type) {
	case ActionEvaluated:
		s.cb.evaluated(s.rules.Section, model.TurnEvaluatingUserAction, *next.ActionEval)
	case ResponseEvaluated:
		s.cb.evaluated(s.rules.Section, model.TurnEvaluatingUserResponse, *next.ResponseEval)
	}
	if rep != nil {
		s.logger.Info("section completed", "score", rep.Score)
		s.cb.report(rep.Section, rep.Score)
	}
	return nil
}

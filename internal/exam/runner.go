// Package exam runs the three sections of the oral exam and aggregates
// their scores into a final report.
package exam

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/llm/prompts"
	"github.com/pavelanni/sprechen/internal/model"
)

// DefaultEvalTimeout bounds a single remote call.
const DefaultEvalTimeout = 60 * time.Second

// Evaluator performs remote evaluation and generation calls.
type Evaluator interface {
	Evaluate(ctx context.Context, req llm.Request) (llm.Result, error)
}

// Speaker turns examiner text into a playable clip id.
type Speaker interface {
	Prompt(ctx context.Context, text string) (string, error)
}

// Callbacks connect a runner to its attempt. Any may be nil.
type Callbacks struct {
	// Report receives a section's score when the section completes.
	Report func(section model.SectionID, score float64)
	// Evaluated receives every applied evaluation, already rescaled.
	Evaluated func(section model.SectionID, turn model.TurnState, res model.EvaluationResult)
	// RoundReset runs when an interactive section drops its round and
	// returns to card selection.
	RoundReset func(section model.SectionID)
}

func (c Callbacks) report(section model.SectionID, score float64) {
	if c.Report != nil {
		c.Report(section, score)
	}
}

func (c Callbacks) roundReset(section model.SectionID) {
	if c.RoundReset != nil {
		c.RoundReset(section)
	}
}

func (c Callbacks) evaluated(section model.SectionID, turn model.TurnState, res model.EvaluationResult) {
	if c.Evaluated != nil {
		c.Evaluated(section, turn, res)
	}
}

// Deps are the collaborators shared by all section runners.
type Deps struct {
	Prompts   *prompts.Builder
	Evaluator Evaluator
	Speaker   Speaker // optional
	Timeout   time.Duration
	Rand      *rand.Rand
}

func (d Deps) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultEvalTimeout
	}
	return d.Timeout
}

// Remote calls outlive the request that started them; they are bounded only
// by the evaluation timeout.
func (d Deps) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.timeout())
}

package exam

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/model"
)

var (
	// ErrWrongState is returned for an event the current turn does not accept.
	ErrWrongState = errors.New("action not allowed in current state")
	// ErrBusy is returned while an evaluation is in flight.
	ErrBusy = errors.New("evaluation in progress")
	// ErrStale marks a result that belongs to an abandoned round.
	ErrStale = errors.New("stale result")
	// ErrUnknownCard is returned when a card id is not in the section's pool.
	ErrUnknownCard = errors.New("unknown card")
)

// Rules are the fixed parameters of an interactive section.
type Rules struct {
	Section  model.SectionID
	MaxScore float64
	Final    bool
	Task     string // what the candidate is asked to do with their card
	Cards    []catalog.Card
}

// Round is the state of an interactive section. Every change goes through
// Apply; a new Generation invalidates results of calls issued earlier.
type Round struct {
	Generation uint64
	State      model.TurnState
	Status     model.RecordingStatus

	UserCard catalog.Card
	AICard   catalog.Card
	AIPrompt string
	// ReplyClip is the synthesized audio of the examiner's reply to the
	// candidate's action.
	ReplyClip string
	// PromptClip is the synthesized audio of AIPrompt, empty if unavailable.
	PromptClip string

	ActionEval   *model.EvaluationResult
	ResponseEval *model.EvaluationResult

	Err      error
	Reported bool
}

// Total is the round's score so far.
func (r Round) Total() float64 {
	var total float64
	if r.ActionEval != nil {
		total += r.ActionEval.Score
	}
	if r.ResponseEval != nil {
		total += r.ResponseEval.Score
	}
	return total
}

// Pending reports whether a remote call is outstanding for this round.
func (r Round) Pending() bool { return r.Status == model.StatusEvaluating }

// Report is a section score handed to the aggregator.
type Report struct {
	Section model.SectionID
	Score   float64
}

// Event is an input to Apply.
type Event interface{ event() }

type (
	// SelectCard starts a round with the candidate's card.
	SelectCard struct{ CardID string }
	// ChangeCard returns to card selection without penalty.
	ChangeCard struct{}
	// SubmitAction hands the candidate's question or request to the examiner.
	SubmitAction struct{}
	// ActionEvaluated delivers the evaluation of the candidate's action.
	ActionEvaluated struct {
		Generation uint64
		Result     model.EvaluationResult
		ReplyClip  string
	}
	// RequestAITurn asks for the examiner's turn on Card.
	RequestAITurn struct{ Card catalog.Card }
	// AIPromptReady delivers the examiner's question or request.
	AIPromptReady struct {
		Generation uint64
		Text       string
		Clip       string
	}
	// SubmitResponse hands the candidate's reply to the examiner.
	SubmitResponse struct{}
	// ResponseEvaluated delivers the evaluation of the candidate's reply.
	ResponseEvaluated struct {
		Generation uint64
		Result     model.EvaluationResult
	}
	// CallFailed aborts the round after a failed remote call.
	CallFailed struct {
		Generation uint64
		Err        error
	}
	// PlayAgain starts a new round of a non-final section.
	PlayAgain struct{}
	// Finish reports the held score of the final section.
	Finish struct{}
)

func (SelectCard) event()        {}
func (ChangeCard) event()        {}
func (SubmitAction) event()      {}
func (ActionEvaluated) event()   {}
func (RequestAITurn) event()     {}
func (AIPromptReady) event()     {}
func (SubmitResponse) event()    {}
func (ResponseEvaluated) event() {}
func (CallFailed) event()        {}
func (PlayAgain) event()         {}
func (Finish) event()            {}

// NewRound returns the initial state.
func NewRound() Round {
	return Round{State: model.TurnSelectCard, Status: model.StatusIdle}
}

// Apply computes the state following ev. It never mutates r; on error the
// returned round equals r.
func Apply(r Round, rules Rules, ev Event) (Round, *Report, error) {
	switch e := ev.(type) {
	case SelectCard:
		if r.State != model.TurnSelectCard {
			return r, nil, wrongState(r, ev)
		}
		card, ok := catalog.Find(rules.Cards, e.CardID)
		if !ok {
			return r, nil, fmt.Errorf("%w: %q", ErrUnknownCard, e.CardID)
		}
		next := fresh(r)
		next.UserCard = card
		next.State = model.TurnUserAction
		return next, nil, nil

	case ChangeCard:
		if r.State != model.TurnUserAction && r.State != model.TurnEvaluatingUserAction {
			return r, nil, wrongState(r, ev)
		}
		return fresh(r), nil, nil

	case SubmitAction:
		if r.Pending() {
			return r, nil, ErrBusy
		}
		if r.State != model.TurnUserAction {
			return r, nil, wrongState(r, ev)
		}
		r.State = model.TurnEvaluatingUserAction
		r.Status = model.StatusEvaluating
		r.ActionEval = nil
		r.ReplyClip = ""
		r.Err = nil
		return r, nil, nil

	case ActionEvaluated:
		if e.Generation != r.Generation || r.State != model.TurnEvaluatingUserAction {
			return r, nil, ErrStale
		}
		res := e.Result
		res.Score = Rescale(res.Score, rules.MaxScore)
		r.ActionEval = &res
		r.ReplyClip = e.ReplyClip
		r.State = model.TurnAIAction
		r.Status = model.StatusDone
		return r, nil, nil

	case RequestAITurn:
		if r.Pending() {
			return r, nil, ErrBusy
		}
		if r.State != model.TurnAIAction {
			return r, nil, wrongState(r, ev)
		}
		if e.Card == nil || (r.UserCard != nil && e.Card.ID() == r.UserCard.ID()) {
			return r, nil, fmt.Errorf("%w: examiner card must differ from the candidate's", ErrWrongState)
		}
		r.AICard = e.Card
		r.AIPrompt = ""
		r.PromptClip = ""
		r.Status = model.StatusEvaluating
		return r, nil, nil

	case AIPromptReady:
		if e.Generation != r.Generation || r.State != model.TurnAIAction || !r.Pending() {
			return r, nil, ErrStale
		}
		r.AIPrompt = e.Text
		r.PromptClip = e.Clip
		r.State = model.TurnUserResponse
		r.Status = model.StatusIdle
		return r, nil, nil

	case SubmitResponse:
		if r.Pending() {
			return r, nil, ErrBusy
		}
		if r.State != model.TurnUserResponse {
			return r, nil, wrongState(r, ev)
		}
		r.State = model.TurnEvaluatingUserResponse
		r.Status = model.StatusEvaluating
		r.ResponseEval = nil
		r.Err = nil
		return r, nil, nil

	case ResponseEvaluated:
		if e.Generation != r.Generation || r.State != model.TurnEvaluatingUserResponse {
			return r, nil, ErrStale
		}
		res := e.Result
		res.Score = Rescale(res.Score, rules.MaxScore)
		r.ResponseEval = &res
		r.State = model.TurnRoundComplete
		r.Status = model.StatusDone
		if rules.Final {
			return r, nil, nil
		}
		r.Reported = true
		return r, &Report{Section: rules.Section, Score: r.Total()}, nil

	case CallFailed:
		if e.Generation != r.Generation || !r.Pending() {
			return r, nil, ErrStale
		}
		next := fresh(r)
		next.Status = model.StatusError
		next.Err = e.Err
		return next, nil, nil

	case PlayAgain:
		if r.State != model.TurnRoundComplete || rules.Final {
			return r, nil, wrongState(r, ev)
		}
		return fresh(r), nil, nil

	case Finish:
		if r.State != model.TurnRoundComplete || !rules.Final || r.Reported {
			return r, nil, wrongState(r, ev)
		}
		r.Reported = true
		return r, &Report{Section: rules.Section, Score: r.Total()}, nil
	}
	return r, nil, fmt.Errorf("%w: unknown event %T", ErrWrongState, ev)
}

// fresh returns a new SELECT_CARD round, discarding everything the
// previous one collected.
func fresh(r Round) Round {
	next := NewRound()
	next.Generation = r.Generation + 1
	return next
}

func wrongState(r Round, ev Event) error {
	return fmt.Errorf("%w: %T in %s", ErrWrongState, ev, r.State)
}

// Rescale maps a 0..1 remote score onto one half of a section's budget.
func Rescale(score, maxScore float64) float64 {
	return clamp(score, 0, 1) * (maxScore / 2)
}

// PickAICard chooses the examiner's card uniformly among cards other than
// the candidate's.
func PickAICard(cards []catalog.Card, user catalog.Card, rng *rand.Rand) (catalog.Card, error) {
	candidates := make([]catalog.Card, 0, len(cards))
	for _, c := range cards {
		if user != nil && c.ID() == user.ID() {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, catalog.ErrPoolTooSmall
	}
	return candidates[rng.IntN(len(candidates))], nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

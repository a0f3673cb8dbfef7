package exam

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/model"
)

func topicRules(t *testing.T, final bool) Rules {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return Rules{Section: model.SectionInfo, MaxScore: 6, Final: final, Task: TaskAskQuestion, Cards: c.TopicCards()}
}

func step(t *testing.T, r Round, rules Rules, ev Event) (Round, *Report) {
	t.Helper()
	next, rep, err := Apply(r, rules, ev)
	require.NoError(t, err, "event %T in %s", ev, r.State)
	return next, rep
}

// playRound drives a round up to ROUND_COMPLETE with the given remote scores.
func playRound(t *testing.T, rules Rules, s1, s2 float64) (Round, *Report) {
	t.Helper()
	r := NewRound()
	r, _ = step(t, r, rules, SelectCard{CardID: rules.Cards[0].ID()})
	r, _ = step(t, r, rules, SubmitAction{})
	r, _ = step(t, r, rules, ActionEvaluated{Generation: r.Generation, Result: model.EvaluationResult{Score: s1}})
	r, _ = step(t, r, rules, RequestAITurn{Card: rules.Cards[1]})
	r, _ = step(t, r, rules, AIPromptReady{Generation: r.Generation, Text: "Was kostet das Brot?", Clip: "clip-1"})
	r, _ = step(t, r, rules, SubmitResponse{})
	return step(t, r, rules, ResponseEvaluated{Generation: r.Generation, Result: model.EvaluationResult{Score: s2}})
}

func TestApplyFullRoundReportsOnce(t *testing.T) {
	rules := topicRules(t, false)

	r, rep := playRound(t, rules, 0.5, 1.0)
	require.Equal(t, model.TurnRoundComplete, r.State)
	require.NotNil(t, rep)
	require.Equal(t, model.SectionInfo, rep.Section)
	require.InDelta(t, 4.5, rep.Score, 1e-9)
	require.True(t, r.Reported)
	require.InDelta(t, 1.5, r.ActionEval.Score, 1e-9)
	require.InDelta(t, 3.0, r.ResponseEval.Score, 1e-9)

	_, _, err := Apply(r, rules, Finish{})
	require.ErrorIs(t, err, ErrWrongState, "non-final section has no finish step")

	r, rep = step(t, r, rules, PlayAgain{})
	require.Nil(t, rep)
	require.Equal(t, model.TurnSelectCard, r.State)
	require.Nil(t, r.ActionEval)
	require.Nil(t, r.UserCard)
}

func TestApplyFinalSectionHoldsScore(t *testing.T) {
	rules := topicRules(t, true)

	r, rep := playRound(t, rules, 1, 1)
	require.Nil(t, rep, "final section must wait for finish")
	require.False(t, r.Reported)

	_, _, err := Apply(r, rules, PlayAgain{})
	require.ErrorIs(t, err, ErrWrongState)

	r, rep = step(t, r, rules, Finish{})
	require.NotNil(t, rep)
	require.InDelta(t, 6.0, rep.Score, 1e-9)

	_, _, err = Apply(r, rules, Finish{})
	require.ErrorIs(t, err, ErrWrongState, "finish reports only once")
}

func TestRescaleRoundTrip(t *testing.T) {
	rules := topicRules(t, false)
	for _, s := range []float64{0, 0.25, 0.5, 0.8, 1} {
		_, rep := playRound(t, rules, s, s)
		require.NotNil(t, rep)
		require.InDelta(t, rules.MaxScore*s, rep.Score, 1e-9, "s=%v", s)
	}
	require.Equal(t, 3.0, Rescale(7, 6), "scores above one are clamped")
	require.Equal(t, 0.0, Rescale(-1, 6))
}

func TestApplyChangeCardDropsInflightResult(t *testing.T) {
	rules := topicRules(t, false)
	r := NewRound()
	r, _ = step(t, r, rules, SelectCard{CardID: "Brot"})
	require.Equal(t, "Brot", r.UserCard.ID())

	r, _ = step(t, r, rules, SubmitAction{})
	gen := r.Generation
	r, _ = step(t, r, rules, ChangeCard{})
	require.Equal(t, model.TurnSelectCard, r.State)
	require.Greater(t, r.Generation, gen)

	_, _, err := Apply(r, rules, ActionEvaluated{Generation: gen, Result: model.EvaluationResult{Score: 1}})
	require.ErrorIs(t, err, ErrStale)

	_, _, err = Apply(r, rules, CallFailed{Generation: gen, Err: errors.New("late")})
	require.ErrorIs(t, err, ErrStale)
}

func TestApplyFailureAbortsRound(t *testing.T) {
	rules := topicRules(t, false)
	r := NewRound()
	r, _ = step(t, r, rules, SelectCard{CardID: "Obst"})
	r, _ = step(t, r, rules, SubmitAction{})
	r, _ = step(t, r, rules, ActionEvaluated{Generation: r.Generation, Result: model.EvaluationResult{Score: 1}, ReplyClip: "reply-1"})
	require.Equal(t, "reply-1", r.ReplyClip)
	r, _ = step(t, r, rules, RequestAITurn{Card: rules.Cards[0]})
	r, _ = step(t, r, rules, AIPromptReady{Generation: r.Generation, Text: "Essen Sie gern Obst?"})
	r, _ = step(t, r, rules, SubmitResponse{})

	boom := errors.New("timeout")
	r, rep := step(t, r, rules, CallFailed{Generation: r.Generation, Err: boom})
	require.Nil(t, rep)
	require.Equal(t, model.TurnSelectCard, r.State)
	require.Equal(t, model.StatusError, r.Status)
	require.Empty(t, r.ReplyClip)
	require.ErrorIs(t, r.Err, boom)
	require.Nil(t, r.ActionEval, "partial scores are dropped")
	require.Zero(t, r.Total())

	r, _ = step(t, r, rules, SelectCard{CardID: "Obst"})
	require.NoError(t, r.Err, "selecting a card clears the error")
	require.Equal(t, model.StatusIdle, r.Status)
}

func TestApplyRejectsOutOfOrderEvents(t *testing.T) {
	rules := topicRules(t, false)
	r := NewRound()

	tests := []struct {
		name string
		ev   Event
		want error
	}{
		{"submit before select", SubmitAction{}, ErrWrongState},
		{"response before select", SubmitResponse{}, ErrWrongState},
		{"ai turn before action", RequestAITurn{Card: rules.Cards[0]}, ErrWrongState},
		{"change card in select", ChangeCard{}, ErrWrongState},
		{"again before complete", PlayAgain{}, ErrWrongState},
		{"unknown card", SelectCard{CardID: "Flugzeug"}, ErrUnknownCard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, rep, err := Apply(r, rules, tt.ev)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, rep)
			require.Equal(t, r, next)
		})
	}
}

func TestApplyBusyWhileEvaluating(t *testing.T) {
	rules := topicRules(t, false)
	r := NewRound()
	r, _ = step(t, r, rules, SelectCard{CardID: "Brot"})
	r, _ = step(t, r, rules, SubmitAction{})

	_, _, err := Apply(r, rules, SubmitAction{})
	require.ErrorIs(t, err, ErrBusy)
}

func TestApplyExaminerCardMustDiffer(t *testing.T) {
	rules := topicRules(t, false)
	r := NewRound()
	r, _ = step(t, r, rules, SelectCard{CardID: rules.Cards[2].ID()})
	r, _ = step(t, r, rules, SubmitAction{})
	r, _ = step(t, r, rules, ActionEvaluated{Generation: r.Generation, Result: model.EvaluationResult{Score: 1}})

	_, _, err := Apply(r, rules, RequestAITurn{Card: rules.Cards[2]})
	require.ErrorIs(t, err, ErrWrongState)

	r, _ = step(t, r, rules, RequestAITurn{Card: rules.Cards[3]})
	_, _, err = Apply(r, rules, RequestAITurn{Card: rules.Cards[4]})
	require.ErrorIs(t, err, ErrBusy, "only one examiner turn in flight")
}

func TestPickAICardNeverPicksUserCard(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 2))

	for _, pool := range [][]catalog.Card{c.TopicCards(), c.RequestCards()} {
		for i := range 500 {
			user := pool[i%len(pool)]
			got, err := PickAICard(pool, user, rng)
			require.NoError(t, err)
			require.NotEqual(t, user.ID(), got.ID())
		}
	}

	_, err = PickAICard(c.RequestCards()[:1], c.RequestCards()[0], rng)
	require.ErrorIs(t, err, catalog.ErrPoolTooSmall)
}

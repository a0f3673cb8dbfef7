package exam

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/llm/prompts"
	"github.com/pavelanni/sprechen/internal/model"
)

type fakeEvaluator struct {
	mu    sync.Mutex
	score float64
	text  string
	reply string
	err   error
	gate  chan struct{}
	calls []llm.Request
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	score, text, reply, err, gate := f.score, f.text, f.reply, f.err, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return llm.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return llm.Result{}, err
	}
	if !req.Structured {
		return llm.Result{Text: text}, nil
	}
	return llm.Result{Eval: &model.EvaluationResult{
		Transcription: "Ich heiße Anna.",
		Score:         score,
		Feedback:      "gut",
		AIResponse:    reply,
	}}, nil
}

func (f *fakeEvaluator) set(score float64, err error) {
	f.mu.Lock()
	f.score, f.err = score, err
	f.mu.Unlock()
}

func (f *fakeEvaluator) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeEvaluator) unblock(gate chan struct{}) {
	f.mu.Lock()
	f.gate = nil
	f.mu.Unlock()
	close(gate)
}

type fakeSpeaker struct {
	err error
}

func (s fakeSpeaker) Prompt(_ context.Context, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "clip:" + text, nil
}

type fakeJournal struct {
	mu          sync.Mutex
	attempts    []string
	scores      []model.SectionID
	evaluations []model.EvaluationRecord
	reports     []model.ReportRecord
}

func (j *fakeJournal) StartAttempt(_ context.Context, a model.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a.ID)
	return nil
}

func (j *fakeJournal) RecordScore(_ context.Context, _ string, section model.SectionID, _ float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.scores = append(j.scores, section)
	return nil
}

func (j *fakeJournal) RecordEvaluation(_ context.Context, _ string, rec model.EvaluationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evaluations = append(j.evaluations, rec)
	return nil
}

func (j *fakeJournal) RecordReport(_ context.Context, _ string, rec model.ReportRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reports = append(j.reports, rec)
	return nil
}

func (j *fakeJournal) scoreCount(section model.SectionID) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, s := range j.scores {
		if s == section {
			n++
		}
	}
	return n
}

type fixture struct {
	exam    *Exam
	eval    *fakeEvaluator
	journal *fakeJournal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	b, err := prompts.New(prompts.PromptStandard, "Persian")
	require.NoError(t, err)

	eval := &fakeEvaluator{score: 1, text: "Haben Sie Brot?"}
	journal := &fakeJournal{}
	e, err := New(Config{
		Catalog: c,
		Deps: Deps{
			Prompts:   b,
			Evaluator: eval,
			Speaker:   fakeSpeaker{},
			Rand:      rand.New(rand.NewPCG(7, 7)),
		},
		Journal: journal,
	})
	require.NoError(t, err)
	return fixture{exam: e, eval: eval, journal: journal}
}

var blob = audio.Blob{Data: []byte("webm"), MIMEType: audio.DefaultMIMEType}

func section(t *testing.T, e *Exam, id model.SectionID) *Interactive {
	t.Helper()
	s, ok := e.Interactive(id)
	require.True(t, ok)
	return s
}

// completeRound plays one round of an interactive section to ROUND_COMPLETE.
func completeRound(t *testing.T, s *Interactive, cardID string) {
	t.Helper()
	require.NoError(t, s.SelectCard(cardID))
	require.NoError(t, s.SubmitAction(blob))
	s.Wait()
	require.Equal(t, model.TurnAIAction, s.Snapshot().State)
	require.NoError(t, s.Continue())
	s.Wait()
	r := s.Snapshot()
	require.Equal(t, model.TurnUserResponse, r.State)
	require.NotEqual(t, r.UserCard.ID(), r.AICard.ID())
	require.NoError(t, s.SubmitResponse(blob))
	s.Wait()
	require.Equal(t, model.TurnRoundComplete, s.Snapshot().State)
}

func TestSingleReportsScaledScore(t *testing.T) {
	f := newFixture(t)
	f.eval.set(0.8, nil)
	intro := f.exam.Intro()

	require.NoError(t, intro.Submit(blob))
	intro.Wait()

	st := intro.Snapshot()
	require.Equal(t, model.StatusDone, st.Status)
	require.InDelta(t, 2.4, st.Result.Score, 1e-9)
	require.InDelta(t, 2.4, f.exam.Scores().Part1, 1e-9)
	require.Equal(t, 1, f.journal.scoreCount(model.SectionIntro))

	f.eval.mu.Lock()
	req := f.eval.calls[0]
	f.eval.mu.Unlock()
	require.True(t, req.Structured)
	require.NotNil(t, req.Audio)
	require.Contains(t, req.Instruction, "Name")

	f.eval.set(0.5, nil)
	require.NoError(t, intro.Submit(blob))
	intro.Wait()
	require.InDelta(t, 1.5, f.exam.Scores().Part1, 1e-9, "re-recording replaces the score")
}

func TestSingleBusyAndError(t *testing.T) {
	f := newFixture(t)
	intro := f.exam.Intro()

	gate := f.eval.block()
	require.NoError(t, intro.Submit(blob))
	require.ErrorIs(t, intro.Submit(blob), ErrBusy)
	f.eval.unblock(gate)
	intro.Wait()

	f.eval.set(0, llm.ErrRemoteCallFailed)
	require.NoError(t, intro.Submit(blob))
	intro.Wait()
	st := intro.Snapshot()
	require.Equal(t, model.StatusError, st.Status)
	require.ErrorIs(t, st.Err, llm.ErrRemoteCallFailed)
}

func TestInteractiveRoundReportsOncePerRound(t *testing.T) {
	f := newFixture(t)
	info := section(t, f.exam, model.SectionInfo)
	f.eval.set(0.5, nil)

	completeRound(t, info, "Brot")
	require.InDelta(t, 3.0, f.exam.Scores().Part2, 1e-9)
	require.Equal(t, 1, f.journal.scoreCount(model.SectionInfo))

	r := info.Snapshot()
	require.Equal(t, "Haben Sie Brot?", r.AIPrompt)
	require.Equal(t, "clip:Haben Sie Brot?", r.PromptClip)

	require.NoError(t, info.PlayAgain())
	f.eval.set(1, nil)
	completeRound(t, info, "Zeitung")
	require.InDelta(t, 6.0, f.exam.Scores().Part2, 1e-9, "a replayed round replaces the score")
	require.Equal(t, 2, f.journal.scoreCount(model.SectionInfo))

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	require.Len(t, f.journal.evaluations, 4)
	require.Equal(t, model.TurnEvaluatingUserAction, f.journal.evaluations[2].Turn)
}

func TestInteractiveAbortKeepsReportedScore(t *testing.T) {
	f := newFixture(t)
	info := section(t, f.exam, model.SectionInfo)

	completeRound(t, info, "Brot")
	before := f.exam.Scores()

	require.NoError(t, info.PlayAgain())
	require.NoError(t, info.SelectCard("Obst"))
	f.eval.set(0, errors.New("connection reset"))
	require.NoError(t, info.SubmitAction(blob))
	info.Wait()

	r := info.Snapshot()
	require.Equal(t, model.TurnSelectCard, r.State)
	require.Equal(t, model.StatusError, r.Status)
	require.Error(t, r.Err)
	require.Equal(t, before, f.exam.Scores())
}

func TestInteractiveExaminerTurnFailureAborts(t *testing.T) {
	f := newFixture(t)
	info := section(t, f.exam, model.SectionInfo)

	require.NoError(t, info.SelectCard("Brot"))
	require.NoError(t, info.SubmitAction(blob))
	info.Wait()

	f.eval.set(0, llm.ErrRemoteCallFailed)
	require.NoError(t, info.Continue())
	info.Wait()
	r := info.Snapshot()
	require.Equal(t, model.TurnSelectCard, r.State)
	require.ErrorIs(t, r.Err, llm.ErrRemoteCallFailed)
}

func TestInteractiveSpeechFailureKeepsPrompt(t *testing.T) {
	f := newFixture(t)
	f.exam.cfg.Deps.Speaker = fakeSpeaker{err: errors.New("tts down")}
	require.NoError(t, f.exam.Restart())
	info := section(t, f.exam, model.SectionInfo)

	require.NoError(t, info.SelectCard("Brot"))
	require.NoError(t, info.SubmitAction(blob))
	info.Wait()
	require.NoError(t, info.Continue())
	info.Wait()

	r := info.Snapshot()
	require.Equal(t, model.TurnUserResponse, r.State)
	require.Equal(t, "Haben Sie Brot?", r.AIPrompt)
	require.Empty(t, r.PromptClip)
}

func TestInteractiveSpeaksExaminerReply(t *testing.T) {
	f := newFixture(t)
	f.eval.reply = "Ja, gerne. Hier ist Ihr Wasser."
	requests := section(t, f.exam, model.SectionRequests)

	require.NoError(t, requests.SelectCard("card-0"))
	require.NoError(t, requests.SubmitAction(blob))
	requests.Wait()

	r := requests.Snapshot()
	require.Equal(t, model.TurnAIAction, r.State)
	require.Equal(t, "Ja, gerne. Hier ist Ihr Wasser.", r.ActionEval.AIResponse)
	require.Equal(t, "clip:Ja, gerne. Hier ist Ihr Wasser.", r.ReplyClip)

	require.NoError(t, requests.ChangeCard())
	require.Empty(t, requests.Snapshot().ReplyClip)
}

func TestInteractiveNoReplyNoClip(t *testing.T) {
	f := newFixture(t)
	info := section(t, f.exam, model.SectionInfo)

	require.NoError(t, info.SelectCard("Brot"))
	require.NoError(t, info.SubmitAction(blob))
	info.Wait()
	require.Empty(t, info.Snapshot().ReplyClip)
}

func TestOnRoundResetFiresWhenRoundIsDropped(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var resets []model.SectionID
	f.exam.OnRoundReset(func(id model.SectionID) {
		mu.Lock()
		resets = append(resets, id)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(resets)
	}

	info := section(t, f.exam, model.SectionInfo)
	require.NoError(t, info.SelectCard("Brot"))
	require.Equal(t, 1, count(), "selecting a card starts a new round")

	require.NoError(t, info.SubmitAction(blob))
	info.Wait()
	require.Equal(t, 1, count(), "an applied result keeps the round")

	require.NoError(t, info.ChangeCard())
	require.Equal(t, 2, count())

	require.NoError(t, info.SelectCard("Obst"))
	f.eval.set(0, llm.ErrRemoteCallFailed)
	require.NoError(t, info.SubmitAction(blob))
	info.Wait()
	require.Equal(t, 4, count(), "a failed call drops the round")

	mu.Lock()
	defer mu.Unlock()
	for _, id := range resets {
		require.Equal(t, model.SectionInfo, id)
	}
}

func TestInteractiveChangeCardDiscardsLateResult(t *testing.T) {
	f := newFixture(t)
	info := section(t, f.exam, model.SectionInfo)

	require.NoError(t, info.SelectCard("Brot"))
	gate := f.eval.block()
	require.NoError(t, info.SubmitAction(blob))
	require.ErrorIs(t, info.SubmitAction(blob), ErrBusy)

	require.NoError(t, info.ChangeCard())
	f.eval.unblock(gate)
	info.Wait()

	r := info.Snapshot()
	require.Equal(t, model.TurnSelectCard, r.State)
	require.Nil(t, r.ActionEval)
}

func TestFinalSectionFinishesExam(t *testing.T) {
	f := newFixture(t)
	f.eval.set(1, nil)

	intro := f.exam.Intro()
	require.NoError(t, intro.Submit(blob))
	intro.Wait()
	completeRound(t, section(t, f.exam, model.SectionInfo), "Brot")

	requests := section(t, f.exam, model.SectionRequests)
	completeRound(t, requests, "card-3")
	_, finished := f.exam.Report()
	require.False(t, finished, "final section waits for finish")

	require.NoError(t, requests.Finish())
	rep, finished := f.exam.Report()
	require.True(t, finished)
	require.InDelta(t, 25.0, rep.Scaled, 1e-9)
	require.Equal(t, "Sehr gut", rep.Rating.Label)
	require.NotNil(t, f.exam.Attempt().FinishedAt)

	f.journal.mu.Lock()
	require.Len(t, f.journal.reports, 1)
	f.journal.mu.Unlock()

	// Reports after the exam finished do not change the frozen report.
	info := section(t, f.exam, model.SectionInfo)
	require.NoError(t, info.PlayAgain())
	f.eval.set(0, nil)
	completeRound(t, info, "Obst")
	require.InDelta(t, 6.0, f.exam.Scores().Part2, 1e-9)
	after, _ := f.exam.Report()
	require.Equal(t, rep, after)
}

func TestRestartResetsScoresAndDropsOldResults(t *testing.T) {
	f := newFixture(t)
	first := f.exam.Attempt().ID

	var restarted int
	f.exam.OnRestart(func() { restarted++ })

	completeRound(t, section(t, f.exam, model.SectionInfo), "Brot")
	require.NotZero(t, f.exam.Scores().Part2)

	oldIntro := f.exam.Intro()
	gate := f.eval.block()
	require.NoError(t, oldIntro.Submit(blob))

	require.NoError(t, f.exam.Restart())
	f.eval.unblock(gate)
	oldIntro.Wait()

	require.NotEqual(t, first, f.exam.Attempt().ID)
	require.Equal(t, model.ExamScores{}, f.exam.Scores())
	require.Equal(t, 1, restarted)
	require.NotSame(t, oldIntro, f.exam.Intro())
	require.Equal(t, model.StatusIdle, f.exam.Intro().Snapshot().Status)
	require.Equal(t, model.TurnSelectCard, section(t, f.exam, model.SectionInfo).Snapshot().State)

	f.journal.mu.Lock()
	require.Len(t, f.journal.attempts, 2)
	f.journal.mu.Unlock()
}

func TestNewRequiresCatalog(t *testing.T) {
	_, err := New(Config{})
	require.EqualError(t, err, "exam needs a catalog")
}

func TestNewInteractiveRejectsSmallPool(t *testing.T) {
	b, err := prompts.New(prompts.PromptStandard, "")
	require.NoError(t, err)
	_, err = NewInteractive(Rules{
		Section:  model.SectionRequests,
		MaxScore: 6,
		Cards:    []catalog.Card{catalog.RequestCard{Title: "Radio"}},
	}, Deps{Prompts: b, Evaluator: &fakeEvaluator{}}, Callbacks{})
	require.ErrorIs(t, err, catalog.ErrPoolTooSmall)
}

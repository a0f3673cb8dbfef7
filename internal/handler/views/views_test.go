package views

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/a-h/templ"

	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/exam"
	appI18n "github.com/pavelanni/sprechen/internal/i18n"
	"github.com/pavelanni/sprechen/internal/model"
)

func renderString(t *testing.T, ctx context.Context, c templ.Component) string {
	t.Helper()
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	return buf.String()
}

func testContext(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("init i18n: %v", err)
	}
	ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer(lang))
	ctx = appI18n.WithLang(ctx, lang)
	ctx = model.ContextWithBasePath(ctx, "/sprechen")
	return model.ContextWithCSRFToken(ctx, "tok123")
}

func requestRules(t *testing.T) exam.Rules {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return exam.Rules{
		Section:  model.SectionRequests,
		MaxScore: 6,
		Final:    true,
		Task:     exam.TaskMakeRequest,
		Cards:    cat.RequestCards(),
	}
}

func TestSectionFragmentCardSelection(t *testing.T) {
	ctx := testContext(t, "en")
	rules := requestRules(t)
	out := renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: exam.NewRound()}))

	for _, want := range []string{
		`id="part3"`,
		"Make requests and respond to them.",
		`action="/sprechen/part3/select/card-0"`,
		`value="tok123"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("fragment missing %q", want)
		}
	}
	if strings.Contains(out, `data-poll="/`) {
		t.Error("idle section should not poll")
	}
}

func TestSectionFragmentCompletedRound(t *testing.T) {
	ctx := testContext(t, "en")
	rules := requestRules(t)
	round := exam.NewRound()
	round.State = model.TurnRoundComplete
	round.Status = model.StatusDone
	round.UserCard = rules.Cards[0]
	round.AICard = rules.Cards[1]
	round.AIPrompt = "Können Sie mir bitte helfen?"
	round.PromptClip = "clip-1"
	round.ActionEval = &model.EvaluationResult{Transcription: "Ein Glas Wasser, bitte.", Score: 3, Feedback: "Gut."}
	round.ResponseEval = &model.EvaluationResult{Transcription: "Ja, gern.", Score: 1.5, Feedback: "Kurz."}

	out := renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: round, Autoplay: true}))
	for _, want := range []string{
		"Können Sie mir bitte helfen?",
		`src="/sprechen/clips/clip-1"`,
		" autoplay",
		"4.5 / 6.0",
		`action="/sprechen/part3/finish"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("fragment missing %q", want)
		}
	}

	round.Reported = true
	out = renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: round}))
	if strings.Contains(out, "/part3/finish") {
		t.Error("finish offered twice")
	}
	if strings.Contains(out, " autoplay") {
		t.Error("autoplay rendered without permission")
	}
}

func TestSectionFragmentExaminerReply(t *testing.T) {
	ctx := testContext(t, "en")
	rules := requestRules(t)
	round := exam.NewRound()
	round.State = model.TurnAIAction
	round.Status = model.StatusDone
	round.UserCard = rules.Cards[0]
	round.ActionEval = &model.EvaluationResult{
		Transcription: "Ein Glas Wasser, bitte.",
		Score:         3,
		AIResponse:    "Ja, gerne. Hier ist Ihr Wasser.",
	}
	round.ReplyClip = "reply-7"

	out := renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: round, Autoplay: true}))
	for _, want := range []string{
		"Examiner&#39;s answer",
		"Ja, gerne. Hier ist Ihr Wasser.",
		`<audio class="reply-audio" controls preload="none" src="/sprechen/clips/reply-7"`,
		`action="/sprechen/part3/continue"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("fragment missing %q", want)
		}
	}
	if strings.Contains(out, "autoplay") {
		t.Error("examiner reply must wait for the candidate to press play")
	}

	round.ReplyClip = ""
	out = renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: round}))
	if !strings.Contains(out, "Ja, gerne. Hier ist Ihr Wasser.") {
		t.Error("reply text should be shown without audio")
	}
	if strings.Contains(out, "reply-audio") {
		t.Error("reply audio rendered without a clip")
	}
}

func TestSectionFragmentPollsWhileEvaluating(t *testing.T) {
	ctx := testContext(t, "en")
	rules := requestRules(t)
	round := exam.NewRound()
	round.State = model.TurnEvaluatingUserAction
	round.Status = model.StatusEvaluating
	round.UserCard = rules.Cards[0]

	out := renderString(t, ctx, SectionFragment(Section{Rules: rules, Round: round, Error: "ErrBusy"}))
	if !strings.Contains(out, `data-poll="/sprechen/part3"`) {
		t.Error("evaluating section should poll")
	}
	if !strings.Contains(out, "/part3/change-card") {
		t.Error("change card should stay available while evaluating")
	}
	if !strings.Contains(out, `role="alert"`) {
		t.Error("error message not rendered")
	}
}

func TestReportPage(t *testing.T) {
	ctx := testContext(t, "de")
	rep := exam.Compute(model.ExamScores{Part1: 3, Part2: 6, Part3: 3})
	out := renderString(t, ctx, ReportPage(Report{Report: rep, Finished: true}))

	for _, want := range []string{
		`<html lang="de" dir="ltr">`,
		"Gesamtergebnis",
		"20.0 / 25.0",
		"80%",
		"Gut",
		`content="tok123"`,
		`href="/sprechen/static/style.css"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestReportPageRightToLeft(t *testing.T) {
	ctx := testContext(t, "fa")
	out := renderString(t, ctx, ReportPage(Report{Report: exam.Compute(model.ExamScores{}), Finished: true}))
	if !strings.Contains(out, `dir="rtl"`) {
		t.Error("Persian page should be right to left")
	}
	if !strings.Contains(out, "مردود") {
		t.Error("failed rating not localized")
	}
}

func TestExamPage(t *testing.T) {
	ctx := testContext(t, "en")
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	p := Page{
		Intro: Intro{
			Section:  model.SectionIntro,
			MaxScore: 3,
			Topics:   cat.IntroPrompts,
			State:    exam.SingleState{Status: model.StatusIdle},
		},
		Sections: []Section{{Rules: requestRules(t), Round: exam.NewRound()}},
	}
	out := renderString(t, ctx, ExamPage(p))
	for _, want := range []string{
		"Introduce yourself.",
		"Wohnort?",
		`data-owner="part1-record"`,
		`id="part3"`,
		`src="/sprechen/static/recorder.js"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exam page missing %q", want)
		}
	}
}

func TestAttemptPage(t *testing.T) {
	ctx := testContext(t, "en")
	rep := exam.Compute(model.ExamScores{Part1: 3, Part2: 3})
	res := model.AttemptResult{
		ID:     "a1",
		Scores: rep.Scores,
		Evaluations: []model.EvaluationRecord{
			{Section: model.SectionInfo, Turn: model.TurnEvaluatingUserResponse, Result: model.EvaluationResult{Transcription: "Ja, gern.", Score: 1.5}},
		},
		Report: &model.ReportRecord{Scaled: rep.Scaled, Percentage: rep.Percentage, Rating: rep.Rating.Label, Passed: rep.Passed()},
	}
	out := renderString(t, ctx, AttemptPage(2, res))
	for _, want := range []string{
		"Attempt 2",
		"10.0 / 25.0",
		"40%",
		`class="rating failed"`,
		"Nicht bestanden",
		"Your answer",
		`href="/sprechen/history"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("attempt page missing %q", want)
		}
	}
}

func TestHistoryPageMarksCurrentAttempt(t *testing.T) {
	ctx := testContext(t, "en")
	out := renderString(t, ctx, HistoryPage([]HistoryEntry{
		{N: 1, Attempt: model.Attempt{ID: "old"}},
		{N: 2, Attempt: model.Attempt{ID: "new"}, Current: true},
	}))
	if !strings.Contains(out, `<tr class="current"><td><a href="/sprechen/history/new">Attempt 2</a>`) {
		t.Error("current attempt not highlighted")
	}
	if !strings.Contains(out, "in progress") {
		t.Error("unfinished attempt should be marked in progress")
	}
}

func TestOwner(t *testing.T) {
	if got := Owner(model.SectionInfo, "action"); got != "part2-action" {
		t.Errorf("Owner = %q", got)
	}
}

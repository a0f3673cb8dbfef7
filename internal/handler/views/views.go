// Package views renders the exam pages as templ components.
package views

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"time"

	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/exam"
	appI18n "github.com/pavelanni/sprechen/internal/i18n"
	"github.com/pavelanni/sprechen/internal/model"
)

//go:embed static
var staticFS embed.FS

// Static holds the browser assets served under /static/.
var Static, _ = fs.Sub(staticFS, "static")

// Intro is the self-introduction section as shown to the candidate.
type Intro struct {
	Section   model.SectionID
	MaxScore  float64
	Topics    []string
	State     exam.SingleState
	Recording string // clip of the last recording
	Error     string // message id
}

// Evaluating reports whether the page should poll for a result.
func (in Intro) Evaluating() bool { return in.State.Status == model.StatusEvaluating }

// Section is an interactive section as shown to the candidate.
type Section struct {
	Rules        exam.Rules
	Round        exam.Round
	Autoplay     bool
	ActionClip   string
	ResponseClip string
	Error        string // message id
}

// Evaluating reports whether the page should poll for a result.
func (s Section) Evaluating() bool { return s.Round.Pending() }

// In reports whether the round is in one of states.
func (s Section) In(states ...model.TurnState) bool {
	for _, st := range states {
		if s.Round.State == st {
			return true
		}
	}
	return false
}

// Page is the complete exam screen.
type Page struct {
	Attempt  model.Attempt
	Intro    Intro
	Sections []Section
	Finished bool
}

// Report is the final result screen.
type Report struct {
	Report   exam.FinalReport
	Finished bool
}

// HistoryEntry is one row of the attempt history.
type HistoryEntry struct {
	N       int
	Attempt model.Attempt
	Current bool
}

type recorderProps struct {
	Owner  string
	Submit string
	Target string
	Again  bool
}

// Owner names the recordings of one turn of a section.
func Owner(id model.SectionID, turn string) string {
	return string(id) + "-" + turn
}

func t(ctx context.Context, id string) string { return appI18n.T(ctx, id) }

// td translates id with alternating key/value template data.
func td(ctx context.Context, id string, kv ...any) string {
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return appI18n.Td(ctx, id, data)
}

func tp(ctx context.Context, id string, n int) string { return appI18n.Tp(ctx, id, n) }

func langOf(ctx context.Context) string { return appI18n.Lang(ctx) }

func dirOf(ctx context.Context) string { return appI18n.Dir(ctx) }

func path(ctx context.Context, p string) string {
	return model.BasePathFromContext(ctx) + p
}

func csrfToken(ctx context.Context) string { return model.CSRFTokenFromContext(ctx) }

func clipPath(ctx context.Context, id string) string {
	return path(ctx, "/clips/"+id)
}

func actionPath(ctx context.Context, id model.SectionID, action string) string {
	return path(ctx, "/"+string(id)+"/"+action)
}

func selectPath(ctx context.Context, id model.SectionID, c catalog.Card) string {
	return actionPath(ctx, id, "select/"+url.PathEscape(c.ID()))
}

// pollPath is where the page script polls while a result is pending.
func pollPath(ctx context.Context, id model.SectionID, evaluating bool) string {
	if !evaluating {
		return ""
	}
	return path(ctx, "/"+string(id))
}

func introRecorder(ctx context.Context, in Intro) recorderProps {
	return recorderProps{
		Owner:  Owner(in.Section, "record"),
		Submit: actionPath(ctx, in.Section, "record"),
		Target: string(in.Section),
		Again:  in.State.Status == model.StatusDone,
	}
}

func turnRecorder(ctx context.Context, id model.SectionID, turn string) recorderProps {
	return recorderProps{
		Owner:  Owner(id, turn),
		Submit: actionPath(ctx, id, turn),
		Target: string(id),
	}
}

func score(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}

func scoreOf(ctx context.Context, got, outOf float64) string {
	return td(ctx, "ScoreOf", "Score", score(got), "Max", score(outOf))
}

func pct(f float64) string {
	return strconv.FormatFloat(f, 'f', 0, 64) + "%"
}

// partMessage is the message id of a per-section text such as "Title".
func partMessage(id model.SectionID, suffix string) string {
	switch id {
	case model.SectionIntro:
		return "Part1" + suffix
	case model.SectionInfo:
		return "Part2" + suffix
	}
	return "Part3" + suffix
}

func themeOf(c catalog.Card) string {
	if tc, ok := c.(catalog.TopicCard); ok {
		return tc.Theme
	}
	return ""
}

func formatTime(ts time.Time) string {
	return ts.Local().Format("2006-01-02 15:04")
}

func evaluationHeading(ctx context.Context, rec model.EvaluationRecord) string {
	title := t(ctx, partMessage(rec.Section, "Title"))
	switch rec.Turn {
	case "":
		return title
	case model.TurnEvaluatingUserResponse:
		return title + " · " + t(ctx, "SecondRound")
	}
	return title + " · " + t(ctx, "FirstRound")
}

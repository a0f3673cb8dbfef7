package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/sprechen/internal/catalog"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	candidateAudioRegex     = regexp.MustCompile(`(?i)</?\s*candidate-audio\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxQuotedRunes = 2000

// PromptVariant represents an examiner strictness variant.
type PromptVariant string

const (
	// PromptStrict mirrors a pedantic examiner.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default examiner.
	PromptStandard PromptVariant = "standard"
	// PromptLenient rewards understandable communication.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Builder renders examiner instructions for one variant.
type Builder struct {
	persona          string
	feedbackLanguage string
	tmpl             *template.Template
}

type introData struct {
	Persona          string
	Topics           string
	FeedbackLanguage string
}

type actionData struct {
	Persona          string
	Task             string
	CardLabel        string
	Theme            string
	Example          string
	FeedbackLanguage string
}

type responseData struct {
	Persona          string
	Prompt           string
	Example          string
	FeedbackLanguage string
}

type topicQuestionData struct {
	Word    string
	Theme   string
	Example string
}

type requestQuestionData struct {
	Title   string
	Example string
}

// New parses the embedded templates for the given variant.
// feedbackLanguage names the language the examiner writes feedback in.
func New(variant PromptVariant, feedbackLanguage string) (*Builder, error) {
	if !validVariants[variant] {
		return nil, fmt.Errorf("invalid prompt variant: %s", variant)
	}
	persona, err := templateFS.ReadFile("templates/persona_" + string(variant) + ".txt")
	if err != nil {
		return nil, fmt.Errorf("read persona for %s: %w", variant, err)
	}
	tmpl, err := template.ParseFS(templateFS,
		"templates/intro.txt",
		"templates/action.txt",
		"templates/response.txt",
		"templates/question_topic.txt",
		"templates/question_request.txt",
	)
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	if feedbackLanguage == "" {
		feedbackLanguage = "English"
	}
	return &Builder{
		persona:          strings.TrimSpace(string(persona)),
		feedbackLanguage: feedbackLanguage,
		tmpl:             tmpl,
	}, nil
}

// Intro builds the self-introduction rubric instruction.
func (b *Builder) Intro(topics []string) (string, error) {
	return b.render("intro.txt", introData{
		Persona:          b.persona,
		Topics:           strings.Join(topics, ", "),
		FeedbackLanguage: b.feedbackLanguage,
	})
}

// UserAction builds the instruction for evaluating the candidate's own turn on a card.
func (b *Builder) UserAction(task string, card catalog.Card) (string, error) {
	data := actionData{
		Persona:          b.persona,
		Task:             task,
		CardLabel:        card.Label(),
		FeedbackLanguage: b.feedbackLanguage,
	}
	switch c := card.(type) {
	case catalog.TopicCard:
		data.Theme = c.Theme
		data.Example = c.ExampleQuestion
	case catalog.RequestCard:
		data.Example = c.ExampleRequest
	}
	return b.render("action.txt", data)
}

// UserResponse builds the instruction for evaluating the candidate's reply to
// the examiner's prompt. The prompt text came back from the model, so it is
// sanitized before being quoted.
func (b *Builder) UserResponse(examinerPrompt string, card catalog.Card) (string, error) {
	data := responseData{
		Persona:          b.persona,
		Prompt:           sanitizeQuoted(examinerPrompt),
		FeedbackLanguage: b.feedbackLanguage,
	}
	if c, ok := card.(catalog.RequestCard); ok {
		data.Example = c.ExampleResponse
	}
	return b.render("response.txt", data)
}

// ExaminerTurn builds the instruction asking the model for the examiner's
// question or request keyed to the given card.
func (b *Builder) ExaminerTurn(card catalog.Card) (string, error) {
	switch c := card.(type) {
	case catalog.TopicCard:
		return b.render("question_topic.txt", topicQuestionData{
			Word:    c.Word,
			Theme:   c.Theme,
			Example: c.ExampleQuestion,
		})
	case catalog.RequestCard:
		return b.render("question_request.txt", requestQuestionData{
			Title:   c.Title,
			Example: c.ExampleRequest,
		})
	}
	return "", fmt.Errorf("no examiner turn for %s card %q", card.Kind(), card.ID())
}

func (b *Builder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// WrapTranscript encloses a transcript in the tags the instructions refer to.
func WrapTranscript(transcript string) string {
	return "<candidate-audio>\n" + SanitizeTranscript(transcript) + "\n</candidate-audio>"
}

// SanitizeTranscript strips tag look-alikes and truncates very long input.
func SanitizeTranscript(s string) string {
	s = candidateAudioRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if s == "" {
		return "[No speech detected]"
	}
	return truncate(s)
}

func sanitizeQuoted(s string) string {
	s = candidateAudioRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, `"`, "'")
	return truncate(strings.TrimSpace(s))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxQuotedRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxQuotedRunes]) + "\n\n[truncated]"
}

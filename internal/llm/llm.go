// Package llm talks to an OpenAI-compatible service for transcription,
// evaluation and speech synthesis.
package llm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/llm/prompts"
	"github.com/pavelanni/sprechen/internal/model"
)

//go:embed evaluation.schema.json
var evaluationSchemaJSON []byte

var (
	// ErrRemoteCallFailed covers transport failures, timeouts and error statuses.
	ErrRemoteCallFailed = errors.New("remote call failed")
	// ErrMalformedResponse means the reply did not decode into the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
)

// Options configures a Client.
type Options struct {
	BaseURL            string
	APIKey             string
	Model              string
	TranscriptionModel string
	SpeechModel        string
	Language           string // spoken language passed to transcription
}

// Request is a single evaluation or generation call.
type Request struct {
	Instruction string
	Audio       *audio.Blob
	Structured  bool
}

// Result carries either free text or a decoded evaluation.
type Result struct {
	Text string
	Eval *model.EvaluationResult
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	sttModel    string
	speechModel string
	language    string
	schema      *jsonschema.Schema
}

// New creates a new LLM client.
func New(opts Options) (*Client, error) {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	schema, err := compileSchema(evaluationSchemaJSON)
	if err != nil {
		return nil, err
	}
	c := &Client{
		api:         openai.NewClientWithConfig(config),
		model:       opts.Model,
		sttModel:    opts.TranscriptionModel,
		speechModel: opts.SpeechModel,
		language:    opts.Language,
		schema:      schema,
	}
	if c.sttModel == "" {
		c.sttModel = openai.Whisper1
	}
	if c.speechModel == "" {
		c.speechModel = string(openai.TTSModel1)
	}
	if c.language == "" {
		c.language = "de"
	}
	return c, nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse evaluation schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("evaluation.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add evaluation schema: %w", err)
	}
	sch, err := compiler.Compile("evaluation.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile evaluation schema: %w", err)
	}
	return sch, nil
}

// Ping checks that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: list models: %w", ErrRemoteCallFailed, err)
	}
	return nil
}

// Model returns the chat model name.
func (c *Client) Model() string { return c.model }

// Evaluate sends an instruction, optionally with recorded audio, and returns
// the model's reply. Audio is transcribed first and the transcript is handed
// to the chat model inside <candidate-audio> tags.
func (c *Client) Evaluate(ctx context.Context, req Request) (Result, error) {
	var transcript string
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.Instruction},
	}
	if req.Audio != nil {
		var err error
		transcript, err = c.Transcribe(ctx, *req.Audio)
		if err != nil {
			return Result{}, err
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompts.WrapTranscript(transcript),
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.3,
	}
	if req.Structured {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		chatReq.Temperature = 0.1
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: chat completion: %w", ErrRemoteCallFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw, "structured", req.Structured)

	if !req.Structured {
		text := strings.TrimSpace(raw)
		if text == "" {
			return Result{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
		}
		return Result{Text: text}, nil
	}

	eval, err := c.decodeEvaluation(raw)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(transcript) != "" {
		eval.Transcription = strings.TrimSpace(transcript)
	}
	return Result{Text: raw, Eval: eval}, nil
}

func (c *Client) decodeEvaluation(raw string) (*model.EvaluationResult, error) {
	raw = stripCodeFence(raw)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w (raw: %s)", ErrMalformedResponse, err, raw)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	var eval model.EvaluationResult
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &eval, nil
}

// Some OpenAI-compatible servers wrap JSON mode replies in a markdown fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Transcribe converts recorded speech to text.
func (c *Client) Transcribe(ctx context.Context, b audio.Blob) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.sttModel,
		FilePath: "recording" + extensionFor(b.MIMEType),
		Reader:   bytes.NewReader(b.Data),
		Language: c.language,
	})
	if err != nil {
		return "", fmt.Errorf("%w: transcription: %w", ErrRemoteCallFailed, err)
	}
	return resp.Text, nil
}

// Synthesize returns raw 16-bit mono PCM at 24 kHz for text.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.speechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: speech: %w", ErrRemoteCallFailed, err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: read speech: %w", ErrRemoteCallFailed, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty speech", ErrMalformedResponse)
	}
	return pcm, nil
}

// The transcription endpoint infers the container from the file name.
func extensionFor(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = mimeType
	}
	switch mt {
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "audio/mpeg":
		return ".mp3"
	}
	return ".webm"
}

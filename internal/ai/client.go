// Package ai wraps the transcription and structured-extraction service.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	appLog "currently/internal/log"
)

const (
	DefaultTranscribeModel = openai.Whisper1
	DefaultChatModel       = openai.GPT4o
)

// ServiceError is returned for every failed call to the service. Op names
// the operation ("transcribe", "extract_task", ...).
type ServiceError struct {
	Op     string
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ai %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("ai %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

var ErrNoAPIKey = errors.New("missing OpenAI API key")

// api is the subset of the OpenAI client this package uses.
type api interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey          string
	BaseURL         string
	TranscribeModel string
	ChatModel       string
}

type Client struct {
	api             api
	transcribeModel string
	chatModel       string
	now             func() time.Time
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(oc), cfg), nil
}

func newClient(a api, cfg Config) *Client {
	c := &Client{api: a, transcribeModel: cfg.TranscribeModel, chatModel: cfg.ChatModel, now: time.Now}
	if c.transcribeModel == "" {
		c.transcribeModel = DefaultTranscribeModel
	}
	if c.chatModel == "" {
		c.chatModel = DefaultChatModel
	}
	return c
}

// Transcribe turns recorded audio into text. filename only carries the
// container format ("audio.webm").
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", &ServiceError{Op: "transcribe", Err: errors.New("empty audio")}
	}
	if filename == "" {
		filename = "audio.webm"
	}
	start := time.Now()
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", wrap("transcribe", err)
	}
	appLog.Debug("ai transcription done", "bytes", len(audio), "chars", len(resp.Text), "elapsed", time.Since(start).String())
	return resp.Text, nil
}

func (c *Client) completeJSON(ctx context.Context, op string, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.chatModel,
		Messages:       msgs,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", wrap(op, err)
	}
	if len(resp.Choices) == 0 {
		return "{}", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func wrap(op string, err error) error {
	se := &ServiceError{Op: op, Err: err}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		se.Status = apiErr.HTTPStatusCode
	}
	appLog.Error("ai call failed", err, "op", op, "status", se.Status)
	return se
}

// Package llm generates assistant replies through OpenAI-compatible APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// Supported providers.
const (
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderGrok     = "grok"
	ProviderOllama   = "ollama"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty model response")

// Config holds the generator settings.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Vision    bool
	Timeout   time.Duration

	// Audio settings, used by the openai provider only.
	TranscriptionModel string
	SpeechModel        string
	SpeechVoice        string
}

type providerDefaults struct {
	baseURL string
	model   string
	audio   bool
}

var defaults = map[string]providerDefaults{
	ProviderOpenAI:   {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini", audio: true},
	ProviderDeepSeek: {baseURL: "https://api.deepseek.com", model: "deepseek-chat"},
	ProviderGrok:     {baseURL: "https://api.x.ai/v1", model: "grok-3-mini"},
	ProviderOllama:   {baseURL: "http://localhost:11434/v1", model: "llama3.2"},
}

// Generator produces assistant text from a conversation history.
type Generator interface {
	GenerateResponse(ctx context.Context, history []domain.Message) (string, error)
}

// Client talks to a chat completions endpoint. It also answers vision
// requests when the configured model accepts images.
type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
	vision    bool
}

// AudioClient adds Whisper transcription and text-to-speech to Client.
type AudioClient struct {
	*Client
	transcriptionModel string
	speechModel        string
	voice              string
}

// New builds the generator for cfg.Provider. The openai provider returns an
// *AudioClient; the others return a *Client.
func New(cfg Config) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	d, ok := defaults[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if cfg.APIKey == "" && provider != ProviderOllama {
		return nil, fmt.Errorf("LLM_API_KEY is required for provider %s", provider)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = d.baseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}

	c := &Client{
		api:       openai.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: cfg.MaxTokens,
		vision:    cfg.Vision,
	}
	if !d.audio {
		return c, nil
	}

	ac := &AudioClient{
		Client:             c,
		transcriptionModel: cfg.TranscriptionModel,
		speechModel:        cfg.SpeechModel,
		voice:              cfg.SpeechVoice,
	}
	if ac.transcriptionModel == "" {
		ac.transcriptionModel = openai.Whisper1
	}
	if ac.speechModel == "" {
		ac.speechModel = string(openai.TTSModel1)
	}
	if ac.voice == "" {
		ac.voice = string(openai.VoiceAlloy)
	}
	return ac, nil
}

// GenerateResponse returns the model's reply to history.
func (c *Client) GenerateResponse(ctx context.Context, history []domain.Message) (string, error) {
	return c.complete(ctx, toChatMessages(history))
}

// SupportsVision reports whether image input is enabled.
func (c *Client) SupportsVision() bool {
	return c.vision
}

// GenerateWithImage answers history whose last turn is an image plus an
// optional caption.
func (c *Client) GenerateWithImage(ctx context.Context, history []domain.Message, image []byte, mimeType, caption string) (string, error) {
	if !c.vision {
		return "", errors.New("vision is not enabled for this model")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if caption == "" {
		caption = "Describe this image."
	}

	msgs := toChatMessages(history)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: caption},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		},
	})
	return c.complete(ctx, msgs)
}

func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// TranscribeAudio converts speech to text. A recording without speech
// yields "" and no error.
func (a *AudioClient) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "voice.ogg"
	}
	resp, err := a.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    a.transcriptionModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// GenerateSpeech renders text as Opus audio suitable for a voice note.
func (a *AudioClient) GenerateSpeech(ctx context.Context, text string) ([]byte, error) {
	resp, err := a.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(a.speechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(a.voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyResponse
	}
	return data, nil
}

func toChatMessages(history []domain.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case domain.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

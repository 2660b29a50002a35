package bot

import (
	"context"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/telegram"
)

// Generator produces the assistant reply for a conversation history.
type Generator interface {
	GenerateResponse(ctx context.Context, history []domain.Message) (string, error)
}

// VisionCapable generators can answer a turn that carries an image.
type VisionCapable interface {
	SupportsVision() bool
	GenerateWithImage(ctx context.Context, history []domain.Message, image []byte, mimeType, caption string) (string, error)
}

// Transcriber converts recorded speech to text.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error)
}

// SpeechSynthesizer renders reply text as audio.
type SpeechSynthesizer interface {
	GenerateSpeech(ctx context.Context, text string) ([]byte, error)
}

// Capabilities is the optional feature set of a Generator. A nil field
// means the capability is absent.
type Capabilities struct {
	Vision      VisionCapable
	Transcriber Transcriber
	Speech      SpeechSynthesizer
}

// ResolveCapabilities inspects g once and reports what it can do.
func ResolveCapabilities(g Generator) Capabilities {
	var caps Capabilities
	if v, ok := g.(VisionCapable); ok && v.SupportsVision() {
		caps.Vision = v
	}
	if t, ok := g.(Transcriber); ok {
		caps.Transcriber = t
	}
	if s, ok := g.(SpeechSynthesizer); ok {
		caps.Speech = s
	}
	return caps
}

// Channel delivers output to the chat platform.
type Channel interface {
	SendText(ctx context.Context, chatID int64, html string, keyboard *telegram.InlineKeyboardMarkup) error
	SendVoice(ctx context.Context, chatID int64, audio []byte) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error)
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error
	CreateInvoiceLink(ctx context.Context, inv telegram.Invoice) (string, error)
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tgrelay/internal/dedup"
	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/session"
	"github.com/ashureev/tgrelay/internal/store"
	"github.com/ashureev/tgrelay/internal/telegram"
)

const (
	testSecret = "123:secret"
	testPrompt = "You are a helpful assistant."
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	panicMsg string
	block    chan struct{}
	delay    time.Duration
	calls    [][]domain.Message
	inFlight int
	maxIn    int
}

func (g *fakeGenerator) GenerateResponse(ctx context.Context, history []domain.Message) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]domain.Message(nil), history...))
	g.inFlight++
	if g.inFlight > g.maxIn {
		g.maxIn = g.inFlight
	}
	reply, err, panicMsg, block, delay := g.reply, g.err, g.panicMsg, g.block, g.delay
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxIn
}

// mediaGenerator adds every optional capability to fakeGenerator.
type mediaGenerator struct {
	*fakeGenerator
	vision     bool
	transcript string
	speech     []byte
	speechErr  error

	imageCaption string
	imageHistory []domain.Message
	audioName    string
}

func (g *mediaGenerator) SupportsVision() bool { return g.vision }

func (g *mediaGenerator) GenerateWithImage(ctx context.Context, history []domain.Message, image []byte, mimeType, caption string) (string, error) {
	g.mu.Lock()
	g.imageCaption = caption
	g.imageHistory = append([]domain.Message(nil), history...)
	g.mu.Unlock()
	return g.GenerateResponse(ctx, history)
}

func (g *mediaGenerator) TranscribeAudio(_ context.Context, _ []byte, filename string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audioName = filename
	return g.transcript, nil
}

func (g *mediaGenerator) GenerateSpeech(_ context.Context, _ string) ([]byte, error) {
	return g.speech, g.speechErr
}

type sentText struct {
	chatID   int64
	text     string
	keyboard *telegram.InlineKeyboardMarkup
}

type preCheckoutAnswer struct {
	id string
	ok bool
}

type fakeChannel struct {
	mu          sync.Mutex
	texts       []sentText
	voices      [][]byte
	actions     []string
	files       map[string][]byte
	downloads   int
	answers     []preCheckoutAnswer
	invoices    []telegram.Invoice
	invoiceErr  error
	sendTextErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{files: map[string][]byte{}}
}

func (c *fakeChannel) SendText(_ context.Context, chatID int64, html string, keyboard *telegram.InlineKeyboardMarkup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendTextErr != nil {
		return c.sendTextErr
	}
	c.texts = append(c.texts, sentText{chatID: chatID, text: html, keyboard: keyboard})
	return nil
}

func (c *fakeChannel) SendVoice(_ context.Context, _ int64, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voices = append(c.voices, audio)
	return nil
}

func (c *fakeChannel) SendChatAction(_ context.Context, _ int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

func (c *fakeChannel) DownloadFile(_ context.Context, fileID string, maxBytes int64) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads++
	data, ok := c.files[fileID]
	if !ok {
		return nil, "", errors.New("file not found")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", telegram.ErrFileTooLarge, maxBytes)
	}
	return data, fileID + ".oga", nil
}

func (c *fakeChannel) AnswerPreCheckout(_ context.Context, queryID string, ok bool, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, preCheckoutAnswer{id: queryID, ok: ok})
	return nil
}

func (c *fakeChannel) CreateInvoiceLink(_ context.Context, inv telegram.Invoice) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invoiceErr != nil {
		return "", c.invoiceErr
	}
	c.invoices = append(c.invoices, inv)
	return "https://t.me/$invoice", nil
}

func (c *fakeChannel) sent() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.texts...)
}

func (c *fakeChannel) lastText() string {
	texts := c.sent()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1].text
}

type harness struct {
	d        *Dispatcher
	ch       *fakeChannel
	updates  *dedup.Store
	sessions *session.Store
}

func newHarness(t *testing.T, gen Generator, cfg Config) *harness {
	t.Helper()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = testPrompt
	}
	if cfg.Quota == (quota.Config{}) {
		cfg.Quota = quota.UnlimitedConfig()
	}
	now := func() time.Time { return testNow }

	repo := store.NewMemory()
	updates := dedup.NewStore(repo, dedup.WithClock(now))
	sessions := session.NewStore(repo,
		session.WithClock(now),
		session.WithDefaults(session.Defaults{SystemPrompt: cfg.SystemPrompt, Quota: cfg.Quota}),
	)
	ch := newFakeChannel()

	d := NewDispatcher(testSecret, Deps{
		Updates:   updates,
		Sessions:  sessions,
		Generator: gen,
		Channel:   ch,
		Now:       now,
	}, cfg)
	return &harness{d: d, ch: ch, updates: updates, sessions: sessions}
}

func (h *harness) dispatch(t *testing.T, u *telegram.Update) Result {
	t.Helper()
	res, err := h.d.Dispatch(context.Background(), testSecret, u)
	if err != nil {
		t.Fatalf("dispatch update %d: %v", u.UpdateID, err)
	}
	return res
}

func (h *harness) status(t *testing.T, id string) *domain.UpdateRecord {
	t.Helper()
	rec, err := h.updates.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get update %s: %v", id, err)
	}
	return rec
}

func (h *harness) session(t *testing.T, userID string) *domain.Session {
	t.Helper()
	sess, err := h.sessions.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get session %s: %v", userID, err)
	}
	return sess
}

func message(id, userID int64) *telegram.Message {
	return &telegram.Message{
		MessageID: id,
		From:      &telegram.User{ID: userID, FirstName: "Test"},
		Chat:      telegram.Chat{ID: userID, Type: "private"},
	}
}

func textUpdate(id, userID int64, text string) *telegram.Update {
	m := message(id, userID)
	m.Text = text
	return &telegram.Update{UpdateID: id, Message: m}
}

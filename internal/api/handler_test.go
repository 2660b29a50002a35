//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/tgrelay/internal/bot"
	"github.com/ashureev/tgrelay/internal/dedup"
	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/session"
	"github.com/ashureev/tgrelay/internal/store"
	"github.com/ashureev/tgrelay/internal/telegram"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusUnauthorized, "Invalid token")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Invalid token"}`, w.Body.String())
}

type stubDispatcher struct {
	secret string
	res    bot.Result
	err    error
	got    *telegram.Update
}

func (s *stubDispatcher) Authenticate(token string) bool { return token == s.secret }

func (s *stubDispatcher) Dispatch(_ context.Context, token string, u *telegram.Update) (bot.Result, error) {
	if token != s.secret {
		return bot.Result{}, bot.ErrInvalidToken
	}
	s.got = u
	return s.res, s.err
}

func serveWebhook(t *testing.T, d Dispatcher, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewWebhookHandler(d, nil).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookResponses(t *testing.T) {
	const update = `{"update_id": 77, "message": {"message_id": 1, "chat": {"id": 5, "type": "private"}, "text": "hi"}}`

	tests := []struct {
		name       string
		path       string
		body       string
		res        bot.Result
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "processed",
			path:       "/webhook/s3cret",
			body:       update,
			res:        bot.Result{UpdateID: "77", Claim: domain.ClaimProceed},
			wantStatus: http.StatusOK,
			wantBody:   `{"ok":true}`,
		},
		{
			name:       "duplicate",
			path:       "/webhook/s3cret",
			body:       update,
			res:        bot.Result{UpdateID: "77", Claim: domain.ClaimAlreadyDone},
			wantStatus: http.StatusOK,
			wantBody:   `{"ok":true,"info":"Update already processed"}`,
		},
		{
			name:       "handler failure",
			path:       "/webhook/s3cret",
			body:       update,
			res:        bot.Result{UpdateID: "77", Claim: domain.ClaimProceed, Err: errors.New("generation failed: boom")},
			wantStatus: http.StatusOK,
			wantBody:   `{"ok":false,"error":"generation failed: boom"}`,
		},
		{
			name:       "claim failure",
			path:       "/webhook/s3cret",
			body:       update,
			err:        errors.New("database is locked"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"ok":false,"error":"failed to process update"}`,
		},
		{
			name:       "wrong secret",
			path:       "/webhook/nope",
			body:       update,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"Invalid token"}`,
		},
		{
			name:       "malformed body",
			path:       "/webhook/s3cret",
			body:       `{"update_id": `,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"ok":false,"error":"invalid update payload"}`,
		},
		{
			name:       "missing update id",
			path:       "/webhook/s3cret",
			body:       `{"message": {"message_id": 1, "chat": {"id": 5, "type": "private"}, "text": "hi"}}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"ok":false,"error":"invalid update payload"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDispatcher{secret: "s3cret", res: tt.res, err: tt.err}
			w := serveWebhook(t, d, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestWebhookDecodesUpdate(t *testing.T) {
	d := &stubDispatcher{secret: "s3cret"}
	body := `{"update_id": 9, "message": {"message_id": 3, "from": {"id": 42, "first_name": "A"}, "chat": {"id": 42, "type": "private"}, "text": "hello"}}`

	w := serveWebhook(t, d, "/webhook/s3cret", body)
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, d.got)
	assert.Equal(t, int64(9), d.got.UpdateID)
	require.NotNil(t, d.got.Message)
	assert.Equal(t, "hello", d.got.Message.Text)
	assert.Equal(t, int64(42), d.got.Message.From.ID)
}

func TestWebhookAcceptsStringUpdateID(t *testing.T) {
	d := &stubDispatcher{secret: "s3cret"}
	body := `{"update_id": "evt-7", "message": {"message_id": 3, "chat": {"id": 42, "type": "private"}, "text": "hello"}}`

	w := serveWebhook(t, d, "/webhook/s3cret", body)
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, d.got)
	assert.Equal(t, "evt-7", d.got.ID())
}

func TestWebhookMissingUpdateIDNotDispatched(t *testing.T) {
	d := &stubDispatcher{secret: "s3cret"}

	w := serveWebhook(t, d, "/webhook/s3cret", `{"update_id": null}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, d.got)
}

type echoGenerator struct{}

func (echoGenerator) GenerateResponse(_ context.Context, history []domain.Message) (string, error) {
	return "echo: " + history[len(history)-1].Content, nil
}

type recordingChannel struct {
	texts []string
}

func (c *recordingChannel) SendText(_ context.Context, _ int64, html string, _ *telegram.InlineKeyboardMarkup) error {
	c.texts = append(c.texts, html)
	return nil
}

func (c *recordingChannel) SendVoice(context.Context, int64, []byte) error { return nil }

func (c *recordingChannel) SendChatAction(context.Context, int64, string) error { return nil }

func (c *recordingChannel) AnswerPreCheckout(context.Context, string, bool, string) error {
	return nil
}

func (c *recordingChannel) DownloadFile(context.Context, string, int64) ([]byte, string, error) {
	return nil, "", errors.New("not available")
}

func (c *recordingChannel) CreateInvoiceLink(context.Context, telegram.Invoice) (string, error) {
	return "", errors.New("not available")
}

func TestWebhookEndToEndRedelivery(t *testing.T) {
	repo := store.NewMemory()
	ch := &recordingChannel{}
	d := bot.NewDispatcher("123:abc", bot.Deps{
		Updates:   dedup.NewStore(repo),
		Sessions:  session.NewStore(repo),
		Generator: echoGenerator{},
		Channel:   ch,
	}, bot.Config{})

	body := `{"update_id": 1001, "message": {"message_id": 1, "from": {"id": 7}, "chat": {"id": 7, "type": "private"}, "text": "ping"}}`

	first := serveWebhook(t, d, "/webhook/123:abc", body)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"ok":true}`, first.Body.String())

	second := serveWebhook(t, d, "/webhook/123:abc", body)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"ok":true,"info":"Update already processed"}`, second.Body.String())

	assert.Equal(t, []string{"echo: ping"}, ch.texts)

	denied := serveWebhook(t, d, "/webhook/123:abd", body)
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	fixed := time.Unix(1750000000, 0)

	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantBody   string
	}{
		{"healthy", nil, http.StatusOK, `{"status":"healthy","version":"1.2.3","timestamp":1750000000}`},
		{"degraded", errors.New("down"), http.StatusServiceUnavailable, `{"status":"degraded","version":"1.2.3","timestamp":1750000000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(stubPinger{err: tt.pingErr}, "1.2.3", time.Second)
			h.now = func() time.Time { return fixed }

			r := chi.NewRouter()
			h.RegisterHealth(r)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

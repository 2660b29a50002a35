package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// ErrFileTooLarge is returned by DownloadFile when the file exceeds the limit.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// APIError is a Bot API call that returned ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client is a minimal Bot API client.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another Bot API server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient creates a Bot API client for token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultAPIURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// call posts params as JSON and decodes the result into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, stripURL(err))
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: ar.Description}
	}
	if out == nil || len(ar.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// SendText sends an HTML formatted message, optionally with an inline keyboard.
func (c *Client) SendText(ctx context.Context, chatID int64, html string, keyboard *InlineKeyboardMarkup) error {
	params := map[string]any{
		"chat_id":    chatID,
		"text":       html,
		"parse_mode": "HTML",
		"link_preview_options": map[string]bool{
			"is_disabled": true,
		},
	}
	if keyboard != nil {
		params["reply_markup"] = keyboard
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendVoice uploads audio as a voice note.
func (c *Client) SendVoice(ctx context.Context, chatID int64, audio []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", fmt.Sprint(chatID)); err != nil {
		return fmt.Errorf("encode sendVoice: %w", err)
	}
	fw, err := mw.CreateFormFile("voice", "voice.ogg")
	if err != nil {
		return fmt.Errorf("encode sendVoice: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return fmt.Errorf("encode sendVoice: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("encode sendVoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendVoice"), &buf)
	if err != nil {
		return fmt.Errorf("build sendVoice request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendVoice", nil)
}

// SendChatAction shows a status such as "typing" in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DownloadFile fetches a file by id. Files larger than maxBytes are rejected
// with ErrFileTooLarge; a non-positive maxBytes disables the check. The
// returned name is the base of the server-side file path.
func (c *Client) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, "", err
	}
	if f.FilePath == "" {
		return nil, "", fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	if maxBytes > 0 && f.FileSize > maxBytes {
		return nil, "", fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, f.FileSize, maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/bot"+c.token+"/"+f.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", fileID, stripURL(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", fileID, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxBytes)
	}

	name := f.FilePath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return data, name, nil
}

// AnswerPreCheckout confirms or rejects a pending payment.
func (c *Client) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	params := map[string]any{"pre_checkout_query_id": queryID, "ok": ok}
	if !ok && errMsg != "" {
		params["error_message"] = errMsg
	}
	return c.call(ctx, "answerPreCheckoutQuery", params, nil)
}

// CreateInvoiceLink creates a payment link for inv.
func (c *Client) CreateInvoiceLink(ctx context.Context, inv Invoice) (string, error) {
	var link string
	if err := c.call(ctx, "createInvoiceLink", inv, &link); err != nil {
		return "", err
	}
	return link, nil
}

// SetWebhook registers webhookURL as the update endpoint.
func (c *Client) SetWebhook(ctx context.Context, webhookURL string) error {
	return c.call(ctx, "setWebhook", map[string]any{"url": webhookURL}, nil)
}

// GetWebhookInfo returns the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", map[string]any{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// stripURL drops the request URL from transport errors since it carries the
// bot token.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

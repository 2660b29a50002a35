// Package telegram decodes Bot API webhook updates and talks to the Bot API.
package telegram

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingUpdateID is returned when decoding an update without an
// update_id. Such a delivery cannot be deduplicated.
var ErrMissingUpdateID = errors.New("update_id is required")

// Update is an incoming webhook delivery. Only the shapes the bot handles
// are decoded; everything else is ignored.
//
// update_id may arrive as a JSON number or a string. Numeric strings are
// normalized into UpdateID; any other string is kept verbatim as the key.
type Update struct {
	UpdateID         int64             `json:"update_id"`
	Message          *Message          `json:"message,omitempty"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`

	key string
}

// ID returns the update id as the string key used for deduplication.
func (u *Update) ID() string {
	if u.key != "" {
		return u.key
	}
	return strconv.FormatInt(u.UpdateID, 10)
}

// UnmarshalJSON decodes an update, rejecting one without an update_id.
func (u *Update) UnmarshalJSON(data []byte) error {
	type plain Update
	aux := struct {
		*plain
		UpdateID json.RawMessage `json:"update_id"`
	}{plain: (*plain)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.UpdateID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrMissingUpdateID
	}

	u.UpdateID, u.key = 0, ""
	if raw[0] != '"' {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid update_id %s: %w", raw, err)
		}
		u.UpdateID = id
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("invalid update_id: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ErrMissingUpdateID
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		u.UpdateID = id
		return nil
	}
	u.key = s
	return nil
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies where a message was sent.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is a chat message.
type Message struct {
	MessageID         int64              `json:"message_id"`
	From              *User              `json:"from,omitempty"`
	Chat              Chat               `json:"chat"`
	Date              int64              `json:"date"`
	Text              string             `json:"text,omitempty"`
	Caption           string             `json:"caption,omitempty"`
	Voice             *Voice             `json:"voice,omitempty"`
	Audio             *Audio             `json:"audio,omitempty"`
	Photo             []PhotoSize        `json:"photo,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

// Command returns the bot command the message starts with, lowercased and
// without the leading slash or an @botname suffix, or "" if it is not a
// command.
func (m *Message) Command() string {
	if !strings.HasPrefix(m.Text, "/") {
		return ""
	}
	word := strings.Fields(m.Text)[0][1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

// LargestPhoto returns the highest resolution photo size, or nil.
func (m *Message) LargestPhoto() *PhotoSize {
	var best *PhotoSize
	for i := range m.Photo {
		p := &m.Photo[i]
		if best == nil || p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

// Voice is a voice note.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Audio is a music or audio file.
type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// SuccessfulPayment is attached to the service message sent after a payment.
type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int    `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id,omitempty"`
}

// PreCheckoutQuery must be answered before Telegram completes a payment.
type PreCheckoutQuery struct {
	ID             string `json:"id"`
	From           User   `json:"from"`
	Currency       string `json:"currency"`
	TotalAmount    int    `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is a single inline button. Only URL buttons are used.
type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// URLKeyboard builds a one-button keyboard that opens url.
func URLKeyboard(text, url string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{{{Text: text, URL: url}}},
	}
}

// LabeledPrice is a price line of an invoice.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int    `json:"amount"`
}

// Invoice describes a Telegram Stars invoice link.
type Invoice struct {
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Payload            string         `json:"payload"`
	Currency           string         `json:"currency"`
	Prices             []LabeledPrice `json:"prices"`
	SubscriptionPeriod int            `json:"subscription_period,omitempty"`
}

// WebhookInfo is the result of getWebhookInfo.
type WebhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
	MaxConnections       int    `json:"max_connections,omitempty"`
}

// Chat actions accepted by sendChatAction.
const (
	ActionTyping      = "typing"
	ActionRecordVoice = "record_voice"
)

// CurrencyStars is the currency code for Telegram Stars.
const CurrencyStars = "XTR"

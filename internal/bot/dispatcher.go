// Package bot turns webhook updates into conversation turns: it
// authenticates and deduplicates deliveries, routes them to a handler and
// records the outcome.
package bot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/ashureev/tgrelay/internal/dedup"
	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/session"
	"github.com/ashureev/tgrelay/internal/telegram"
	"golang.org/x/sync/semaphore"
)

// DefaultGenerationTimeout bounds a single generator call.
const DefaultGenerationTimeout = 60 * time.Second

// DefaultMaxMediaBytes is the voice/audio/photo download limit.
const DefaultMaxMediaBytes = 20 * 1024 * 1024

const finalizeTimeout = 5 * time.Second

// Config holds the bot behaviour settings.
type Config struct {
	SystemPrompt          string
	BotName               string
	SpeechOnly            bool
	Quota                 quota.Config
	MaxMediaBytes         int64
	GenerationTimeout     time.Duration
	GenerationConcurrency int64
}

// Deps are the collaborators a Dispatcher needs.
type Deps struct {
	Updates   *dedup.Store
	Sessions  *session.Store
	Gate      *quota.Gate
	Generator Generator
	Channel   Channel
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result describes how an update was resolved.
type Result struct {
	UpdateID string
	Claim    domain.ClaimResult
	// Err is the handler failure recorded at finalize. The user has already
	// been sent a best-effort reply when it is set.
	Err error
}

// Duplicate reports whether the update was short-circuited by dedup.
func (r Result) Duplicate() bool {
	return r.Claim != domain.ClaimProceed
}

// Dispatcher drives an update through
// authenticate → claim → route → handle → finalize.
type Dispatcher struct {
	secret   []byte
	updates  *dedup.Store
	sessions *session.Store
	gate     *quota.Gate
	gen      Generator
	ch       Channel
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	sem      *semaphore.Weighted
}

// NewDispatcher creates a dispatcher that accepts updates for secret.
func NewDispatcher(secret string, deps Deps, cfg Config) *Dispatcher {
	if cfg.BotName == "" {
		cfg.BotName = "Assistant"
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	if cfg.Quota == (quota.Config{}) {
		cfg.Quota = quota.UnlimitedConfig()
	}

	d := &Dispatcher{
		secret:   []byte(secret),
		updates:  deps.Updates,
		sessions: deps.Sessions,
		gate:     deps.Gate,
		gen:      deps.Generator,
		ch:       deps.Channel,
		cfg:      cfg,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if d.gate == nil {
		d.gate = quota.NewGate()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if cfg.GenerationConcurrency > 0 {
		d.sem = semaphore.NewWeighted(cfg.GenerationConcurrency)
	}
	return d
}

// Authenticate reports whether token matches the webhook secret. The
// comparison is constant time.
func (d *Dispatcher) Authenticate(token string) bool {
	return len(d.secret) > 0 && subtle.ConstantTimeCompare([]byte(token), d.secret) == 1
}

// Dispatch processes one webhook delivery. It returns ErrInvalidToken for a
// bad secret without touching any store, and a non-nil error only when the
// update could not be claimed. Handler failures are reported in Result.Err
// after the update has been finalized.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, u *telegram.Update) (res Result, err error) {
	if !d.Authenticate(token) {
		return Result{}, ErrInvalidToken
	}
	if u == nil {
		return Result{}, errors.New("nil update")
	}

	id := u.ID()
	res.UpdateID = id
	logger := d.logger.With("update_id", id)

	if removed, sweepErr := d.updates.Sweep(ctx, d.now()); sweepErr != nil {
		logger.Warn("Update sweep failed", "error", sweepErr)
	} else if removed > 0 {
		logger.Debug("Swept expired updates", "removed", removed)
	}

	claim, err := d.updates.Claim(ctx, id)
	if err != nil {
		return res, fmt.Errorf("claim update %s: %w", id, err)
	}
	res.Claim = claim
	if claim != domain.ClaimProceed {
		logger.Info("Skipping duplicate update", "claim", claim.String())
		return res, nil
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
			logger.Error("Update handler panicked", "panic", r, "stack", string(debug.Stack()))
			d.replyBestEffort(ctx, u, msgApology)
		}
		d.finalize(ctx, logger, id, res.Err)
	}()

	res.Err = d.route(ctx, logger, u)
	return res, nil
}

func (d *Dispatcher) finalize(ctx context.Context, logger *slog.Logger, id string, handleErr error) {
	// The request may already be cancelled; the outcome must still be recorded.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status, msg := domain.UpdateCompleted, ""
	if handleErr != nil {
		status, msg = domain.UpdateError, handleErr.Error()
		logger.Warn("Update finished with error", "error", handleErr)
	}
	if err := d.updates.Finalize(fctx, id, status, msg); err != nil {
		logger.Error("Failed to finalize update", "status", status, "error", err)
	}
}

// route runs exactly one handler for the update's content shape.
func (d *Dispatcher) route(ctx context.Context, logger *slog.Logger, u *telegram.Update) error {
	if q := u.PreCheckoutQuery; q != nil {
		return d.handlePreCheckout(ctx, logger, q)
	}

	msg := u.Message
	if msg == nil {
		logger.Debug("Ignoring unsupported update shape")
		return nil
	}

	in := &incoming{msg: msg, chatID: msg.Chat.ID, userID: userKey(msg)}
	logger = logger.With("user_id", in.userID, "chat_id", in.chatID)
	caps := ResolveCapabilities(d.gen)

	switch {
	case msg.SuccessfulPayment != nil:
		return d.handlePayment(ctx, logger, in)
	case msg.Command() != "":
		return d.handleCommand(ctx, logger, in, msg.Command())
	case msg.Voice != nil || msg.Audio != nil:
		return d.handleAudio(ctx, logger, in, caps)
	case len(msg.Photo) > 0:
		return d.handlePhoto(ctx, logger, in, caps)
	case msg.Text != "":
		return d.handleText(ctx, logger, in, caps, msg.Text)
	default:
		logger.Debug("Ignoring message without supported content")
		return nil
	}
}

type incoming struct {
	msg    *telegram.Message
	chatID int64
	userID string
}

func userKey(msg *telegram.Message) string {
	if msg.From != nil {
		return strconv.FormatInt(msg.From.ID, 10)
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

// replyBestEffort sends text to the update's chat, logging any failure.
func (d *Dispatcher) replyBestEffort(ctx context.Context, u *telegram.Update, text string) {
	if u.Message == nil {
		return
	}
	if err := d.ch.SendText(context.WithoutCancel(ctx), u.Message.Chat.ID, text, nil); err != nil {
		d.logger.Warn("Failed to send reply", "chat_id", u.Message.Chat.ID, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, logger *slog.Logger, chatID int64, html string, keyboard *telegram.InlineKeyboardMarkup) error {
	if err := d.ch.SendText(ctx, chatID, html, keyboard); err != nil {
		logger.Warn("Failed to send message", "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// generate bounds a generator call by the configured timeout and, when set,
// the generation semaphore.
func (d *Dispatcher) generate(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, d.cfg.GenerationTimeout)
	defer cancel()

	if d.sem != nil {
		if err := d.sem.Acquire(gctx, 1); err != nil {
			return "", &GenerationError{Err: fmt.Errorf("wait for generation slot: %w", err)}
		}
		defer d.sem.Release(1)
	}

	text, err := call(gctx)
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	if text == "" {
		return "", &GenerationError{Err: ErrEmptyResponse}
	}
	return text, nil
}

// sessionDefaults is how a session is created on first contact.
func (d *Dispatcher) sessionDefaults() session.Defaults {
	return session.Defaults{SystemPrompt: d.cfg.SystemPrompt, Quota: d.cfg.Quota}
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
	"github.com/ashureev/tgrelay/internal/markup"
	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/telegram"
)

const speechTimeout = 30 * time.Second

func (d *Dispatcher) handleCommand(ctx context.Context, logger *slog.Logger, in *incoming, cmd string) error {
	logger.Info("Handling command", "command", cmd)

	switch cmd {
	case "start", "clear":
		if _, err := d.sessions.Reset(ctx, in.userID, d.cfg.SystemPrompt); err != nil {
			d.replyApology(ctx, logger, in)
			return fmt.Errorf("reset session: %w", err)
		}
		if cmd == "start" {
			return d.send(ctx, logger, in.chatID, greeting(d.cfg.BotName), nil)
		}
		return d.send(ctx, logger, in.chatID, msgCleared, nil)

	case "help":
		return d.send(ctx, logger, in.chatID, helpText(d.cfg.BotName), nil)

	case "usage":
		sess, err := d.sessions.GetOrInit(ctx, in.userID, d.cfg.SystemPrompt, d.cfg.Quota)
		if err != nil {
			d.replyApology(ctx, logger, in)
			return fmt.Errorf("load session: %w", err)
		}
		sess.DailyUsage.Limit = d.cfg.Quota.DailyLimit
		now := d.now()
		remaining := d.gate.Remaining(sess, now)
		used := 0
		if remaining >= 0 {
			used = sess.DailyUsage.Limit - remaining
		}
		text := usageText(remaining, used, sess.DailyUsage.Limit, sess.IsPremium, quota.UntilReset(now))
		return d.send(ctx, logger, in.chatID, text, nil)

	case "premium":
		sess, err := d.sessions.GetOrInit(ctx, in.userID, d.cfg.SystemPrompt, d.cfg.Quota)
		if err != nil {
			d.replyApology(ctx, logger, in)
			return fmt.Errorf("load session: %w", err)
		}
		if sess.IsPremium {
			return d.send(ctx, logger, in.chatID, msgAlreadyPremium, nil)
		}
		return d.sendUpgrade(ctx, logger, in, premiumOfferText(d.premiumPrice()))

	default:
		return d.send(ctx, logger, in.chatID, msgUnknownCommand, nil)
	}
}

func (d *Dispatcher) handleText(ctx context.Context, logger *slog.Logger, in *incoming, caps Capabilities, text string) error {
	d.chatAction(ctx, logger, in.chatID, telegram.ActionTyping)

	sess, decision, err := d.admitTurn(ctx, in.userID, text)
	if err != nil {
		d.replyApology(ctx, logger, in)
		return fmt.Errorf("record user message: %w", err)
	}
	if decision == quota.Denied {
		return d.sendLimitReached(ctx, logger, in, sess)
	}

	history := sess.History
	reply, err := d.generate(ctx, func(gctx context.Context) (string, error) {
		return d.gen.GenerateResponse(gctx, history)
	})
	if err != nil {
		logger.Error("Response generation failed", "error", err)
		d.replyApology(ctx, logger, in)
		return err
	}
	return d.deliverReply(ctx, logger, in, caps, reply)
}

// admitTurn runs the usage gate and, when allowed, appends the user turn,
// all in one session transaction.
func (d *Dispatcher) admitTurn(ctx context.Context, userID, content string) (*domain.Session, quota.Decision, error) {
	var decision quota.Decision
	sess, err := d.sessions.Update(ctx, userID, d.sessionDefaults(), func(s *domain.Session) error {
		// The configured limit applies to existing users as well.
		s.DailyUsage.Limit = d.cfg.Quota.DailyLimit
		decision = d.gate.Admit(s, d.now())
		if decision == quota.Allowed {
			s.History = append(s.History, domain.Message{Role: domain.RoleUser, Content: content})
		}
		return nil
	})
	if err != nil {
		return nil, quota.Denied, err
	}
	return sess, decision, nil
}

// quotaExhausted reports whether the user has no requests left today. It
// lets media handlers skip downloads and transcription that would be denied.
func (d *Dispatcher) quotaExhausted(ctx context.Context, userID string) (*domain.Session, bool) {
	sess, err := d.sessions.Get(ctx, userID)
	if err != nil || sess == nil {
		return nil, false
	}
	probe := *sess
	probe.DailyUsage.Limit = d.cfg.Quota.DailyLimit
	return &probe, d.gate.Remaining(&probe, d.now()) == 0
}

// deliverReply stores the assistant turn and sends it, as voice when speech
// only mode is on and the generator can speak.
func (d *Dispatcher) deliverReply(ctx context.Context, logger *slog.Logger, in *incoming, caps Capabilities, reply string) error {
	var storeErr error
	if _, err := d.sessions.Append(ctx, in.userID, domain.RoleAssistant, reply); err != nil {
		logger.Error("Failed to store assistant reply", "error", err)
		storeErr = fmt.Errorf("record assistant reply: %w", err)
	}

	if d.cfg.SpeechOnly && caps.Speech != nil {
		if err := d.sendSpeech(ctx, logger, in, caps.Speech, reply); err == nil {
			return storeErr
		}
	}

	for _, part := range markup.Split(reply, markup.MaxMessageRunes) {
		if err := d.send(ctx, logger, in.chatID, markup.Sanitize(part), nil); err != nil {
			return errors.Join(err, storeErr)
		}
	}
	return storeErr
}

func (d *Dispatcher) sendSpeech(ctx context.Context, logger *slog.Logger, in *incoming, speech SpeechSynthesizer, text string) error {
	d.chatAction(ctx, logger, in.chatID, telegram.ActionRecordVoice)

	sctx, cancel := context.WithTimeout(ctx, speechTimeout)
	defer cancel()
	audio, err := speech.GenerateSpeech(sctx, text)
	if err != nil {
		logger.Warn("Speech synthesis failed, falling back to text", "error", err)
		return err
	}
	if err := d.ch.SendVoice(ctx, in.chatID, audio); err != nil {
		logger.Warn("Failed to send voice reply, falling back to text", "error", err)
		return err
	}
	return nil
}

func (d *Dispatcher) handlePayment(ctx context.Context, logger *slog.Logger, in *incoming) error {
	p := in.msg.SuccessfulPayment
	logger.Info("Successful payment", "charge_id", p.TelegramPaymentChargeID, "amount", p.TotalAmount, "currency", p.Currency)

	if _, err := d.sessions.SetPremium(ctx, in.userID, p.TelegramPaymentChargeID); err != nil {
		if sendErr := d.send(ctx, logger, in.chatID, msgPaymentIssue, nil); sendErr != nil {
			return errors.Join(fmt.Errorf("upgrade to premium: %w", err), sendErr)
		}
		return fmt.Errorf("upgrade to premium: %w", err)
	}
	logger.Info("Upgraded user to premium")
	return d.send(ctx, logger, in.chatID, msgWelcomePremium, nil)
}

func (d *Dispatcher) handlePreCheckout(ctx context.Context, logger *slog.Logger, q *telegram.PreCheckoutQuery) error {
	ok := q.Currency == telegram.CurrencyStars && strings.HasPrefix(q.InvoicePayload, invoicePayloadPrefix)
	logger.Info("Answering pre-checkout query", "user_id", q.From.ID, "payload", q.InvoicePayload, "ok", ok)

	if err := d.ch.AnswerPreCheckout(ctx, q.ID, ok, "This product is no longer available."); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendLimitReached(ctx context.Context, logger *slog.Logger, in *incoming, sess *domain.Session) error {
	logger.Info("Daily limit reached", "count", sess.DailyUsage.Count, "limit", sess.DailyUsage.Limit)
	return d.sendUpgrade(ctx, logger, in, limitReachedText(sess.DailyUsage.Limit, quota.UntilReset(d.now())))
}

// sendUpgrade sends text with a Stars invoice button. Without a link the
// text still goes out.
func (d *Dispatcher) sendUpgrade(ctx context.Context, logger *slog.Logger, in *incoming, text string) error {
	price := d.premiumPrice()
	link, err := d.ch.CreateInvoiceLink(ctx, telegram.Invoice{
		Title:              invoiceTitle,
		Description:        invoiceDescription,
		Payload:            fmt.Sprintf("%s%d", invoicePayloadPrefix, price),
		Currency:           telegram.CurrencyStars,
		Prices:             []telegram.LabeledPrice{{Label: invoicePriceLabel, Amount: price}},
		SubscriptionPeriod: subscriptionPeriod,
	})
	if err != nil {
		logger.Warn("Failed to create invoice link", "error", err)
		return d.send(ctx, logger, in.chatID, text, nil)
	}
	return d.send(ctx, logger, in.chatID, text, telegram.URLKeyboard(upgradeButtonText(price), link))
}

func (d *Dispatcher) premiumPrice() int {
	if d.cfg.Quota.PremiumPrice > 0 {
		return d.cfg.Quota.PremiumPrice
	}
	return quota.DefaultPremiumPrice
}

func (d *Dispatcher) replyApology(ctx context.Context, logger *slog.Logger, in *incoming) {
	if err := d.ch.SendText(context.WithoutCancel(ctx), in.chatID, msgApology, nil); err != nil {
		logger.Warn("Failed to send apology", "error", err)
	}
}

func (d *Dispatcher) chatAction(ctx context.Context, logger *slog.Logger, chatID int64, action string) {
	if err := d.ch.SendChatAction(ctx, chatID, action); err != nil {
		logger.Debug("Chat action failed", "action", action, "error", err)
	}
}

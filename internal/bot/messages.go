package bot

import (
	"fmt"
	"html"
	"time"

	"github.com/ashureev/tgrelay/internal/quota"
)

const (
	msgApology          = "Sorry, I'm having trouble right now. Could you try again in a moment?"
	msgCleared          = "Conversation history has been cleared!"
	msgUnknownCommand   = "Unknown command. Send /help to see what I can do."
	msgVoiceUnsupported = "Voice messages aren't supported with the current model. Please send text instead."
	msgPhotoUnsupported = "Images aren't supported with the current model. Please describe it in text instead."
	msgEmptyTranscript  = "I couldn't make out any speech in that recording. Could you try again?"
	msgPaymentIssue     = "Payment received, but there was an issue upgrading your account. Please contact support."
	msgAlreadyPremium   = "⭐ You already have <b>Premium</b>. Enjoy unlimited conversations!"
	msgWelcomePremium   = "🎉 <b>Welcome to Premium!</b>\n\nYou now have unlimited daily conversations! Thank you for supporting the bot! 💫"

	invoiceTitle         = "Premium Subscription"
	invoiceDescription   = "Unlimited AI conversations with premium features"
	invoicePayloadPrefix = "premium_subscription_"
	invoicePriceLabel    = "Monthly Access"
	subscriptionPeriod   = 30 * 24 * 60 * 60
)

func greeting(botName string) string {
	return fmt.Sprintf("Hi! I'm <b>%s</b>. How can I help you today?", html.EscapeString(botName))
}

func helpText(botName string) string {
	return fmt.Sprintf("<b>%s</b> commands:\n\n"+
		"/start - start a new conversation\n"+
		"/clear - clear conversation history\n"+
		"/usage - show today's usage\n"+
		"/premium - upgrade for unlimited messages\n"+
		"/help - show this message", html.EscapeString(botName))
}

func usageText(remaining, used, limit int, premium bool, wait time.Duration) string {
	switch {
	case premium:
		return "⭐ You have <b>Premium</b>: unlimited messages."
	case remaining < 0:
		return "You have unlimited messages."
	default:
		return fmt.Sprintf("You've used <b>%d</b> of <b>%d</b> messages today. %d left, resets in %s.",
			used, limit, remaining, quota.FormatWait(wait))
	}
}

func limitReachedText(limit int, wait time.Duration) string {
	return fmt.Sprintf("You've reached your daily limit of <b>%d</b> messages. It resets in %s.\n\n"+
		"Upgrade to <b>Premium</b> for unlimited conversations.", limit, quota.FormatWait(wait))
}

func premiumOfferText(price int) string {
	return fmt.Sprintf("Upgrade to <b>Premium</b> for unlimited daily conversations: %s/month, paid with Telegram Stars.",
		quota.FormatPrice(price))
}

func upgradeButtonText(price int) string {
	return fmt.Sprintf("⭐ Upgrade for %s/month", quota.FormatPrice(price))
}

func oversizeText(size, limit int64) string {
	if size <= 0 {
		return fmt.Sprintf("That file is too large. The maximum size is %s.", FormatFileSize(limit))
	}
	return fmt.Sprintf("That file is too large (%s). The maximum size is %s.", FormatFileSize(size), FormatFileSize(limit))
}

// FormatFileSize renders a byte count as "1.5 MB".
func FormatFileSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f GB", size)
}

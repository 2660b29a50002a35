// setwebhook registers the relay server's webhook with the Telegram Bot API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ashureev/tgrelay/internal/telegram"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		token   string
		baseURL string
		apiURL  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "setwebhook [url]",
		Short: "Point the bot's webhook at this server",
		Long: `Register <url>/webhook/<token> as the bot's webhook.

The current registration is fetched first and left alone when it already
matches. The URL may also come from WEBHOOK_URL and the token from
TELEGRAM_TOKEN.

Examples:
  setwebhook https://bot.example.com
  setwebhook --token 123:abc https://bot.example.com`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				baseURL = args[0]
			}
			if baseURL == "" {
				return fmt.Errorf("a server URL is required (argument or WEBHOOK_URL)")
			}
			if token == "" {
				return fmt.Errorf("a bot token is required (--token or TELEGRAM_TOKEN)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := telegram.NewClient(token, telegram.WithBaseURL(apiURL))
			return setWebhook(ctx, cmd.OutOrStdout(), client, webhookURL(baseURL, token))
		},
	}

	cmd.Flags().StringVar(&token, "token", os.Getenv("TELEGRAM_TOKEN"), "bot token")
	cmd.Flags().StringVar(&baseURL, "url", os.Getenv("WEBHOOK_URL"), "public base URL of the server")
	cmd.Flags().StringVar(&apiURL, "api-url", telegram.DefaultAPIURL, "Bot API server")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")

	return cmd
}

type webhookClient interface {
	GetWebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error)
	SetWebhook(ctx context.Context, webhookURL string) error
}

func webhookURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/webhook/" + token
}

// setWebhook registers target unless it is already the current webhook, then
// prints the resulting registration.
func setWebhook(ctx context.Context, out io.Writer, client webhookClient, target string) error {
	info, err := client.GetWebhookInfo(ctx)
	if err != nil {
		return fmt.Errorf("get webhook info: %w", err)
	}

	if info.URL == target {
		fmt.Fprintln(out, "Webhook already set")
	} else {
		if err := client.SetWebhook(ctx, target); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		fmt.Fprintln(out, "Webhook updated")

		info, err = client.GetWebhookInfo(ctx)
		if err != nil {
			return fmt.Errorf("get webhook info: %w", err)
		}
	}

	printInfo(out, info)
	return nil
}

func printInfo(out io.Writer, info *telegram.WebhookInfo) {
	fmt.Fprintf(out, "  url:              %s\n", info.URL)
	fmt.Fprintf(out, "  pending updates:  %d\n", info.PendingUpdateCount)
	if info.MaxConnections > 0 {
		fmt.Fprintf(out, "  max connections:  %d\n", info.MaxConnections)
	}
	if info.LastErrorMessage != "" {
		at := time.Unix(info.LastErrorDate, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(out, "  last error:       %s (%s)\n", info.LastErrorMessage, at)
	}
}

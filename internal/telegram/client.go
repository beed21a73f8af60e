// Package telegram delivers alerts through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// sender is the subset of the bot API the client needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications and implements notify.Sink.
type Client struct {
	bot            *tgbotapi.BotAPI
	out            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	status         func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(out sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		out:            out,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SetStatusFunc installs the reply for the /status command.
func (c *Client) SetStatusFunc(fn func() string) {
	c.status = fn
}

// Name identifies the sink in delivery metrics.
func (c *Client) Name() string { return "telegram" }

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if c.status == nil {
			return
		}
		text = c.status()
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.out.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.out.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// Send delivers one alert.
func (c *Client) Send(ctx context.Context, alert models.Alert) error {
	return c.sendMarkdownV2(ctx, formatAlert(alert))
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🚨"
	case models.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// formatAlert renders an alert as a Telegram MarkdownV2 message.
func formatAlert(a models.Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *%s* \\[%s\\]\n",
		severityEmoji(a.Severity),
		escapeMarkdownV2(strings.ReplaceAll(string(a.Type), "_", " ")),
		escapeMarkdownV2(strings.ToUpper(a.Severity.String())))

	if a.BorrowerID != "" {
		fmt.Fprintf(&b, "👤 `%s`\n", escapeMarkdownV2(a.BorrowerID))
	}
	if a.HealthFactor > 0 {
		fmt.Fprintf(&b, "❤️ Health factor: *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.3f", a.HealthFactor)))
	}
	if a.LiquidationProbability > 0 {
		fmt.Fprintf(&b, "🎲 Liquidation probability: *%s*\n",
			escapeMarkdownV2(fmt.Sprintf("%.1f%%", a.LiquidationProbability*100)))
	}
	if a.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdownV2(a.Message))
	}

	if len(a.SuggestedActions) > 0 {
		b.WriteString("\n*Suggested actions*\n")
		for i, act := range a.SuggestedActions {
			line := act.Description
			if act.Amount > 0 {
				line = fmt.Sprintf("%s (%.2f)", line, act.Amount)
			}
			fmt.Fprintf(&b, "%d\\. %s _%s_\n", i+1, escapeMarkdownV2(line), escapeMarkdownV2(string(act.Urgency)))
		}
	}

	fmt.Fprintf(&b, "\n📅 %s", escapeMarkdownV2(a.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

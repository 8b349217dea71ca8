// Package telegram sends late line movement alerts via the Telegram Bot API.
// Detected movements are queued without blocking detection, batched, formatted
// into MarkdownV2 messages and delivered with retry.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
)

// sender is the part of tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// Send sends one alert covering the given movements
func (c *Client) Send(ctx context.Context, movements []models.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	msg := tgbotapi.NewMessage(c.chatID, formatMessage(movements))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatMessage formats movements into a Telegram message
func formatMessage(movements []models.Movement) string {
	var b strings.Builder
	b.WriteString("🚨 *Late Line Movement Detected*\n\n")

	for i, m := range movements {
		directionEmoji := "📈"
		if m.AbsoluteChange.IsNegative() {
			directionEmoji = "📉"
		}

		pct := "n/a"
		if m.PercentChange.Valid {
			pct = m.PercentChange.Decimal.StringFixed(1) + "%"
		}

		fmt.Fprintf(&b, "%d\\. *%s* %s\n", i+1, escapeMarkdownV2(m.Player), escapeMarkdownV2(propLabel(m.PropType)))
		fmt.Fprintf(&b, "   %s %s → %s \\(%s, %s\\)\n",
			directionEmoji,
			escapeMarkdownV2(m.InitialLine.String()),
			escapeMarkdownV2(m.FinalLine.String()),
			escapeMarkdownV2(signed(m.AbsoluteChange.String())),
			escapeMarkdownV2(pct))
		fmt.Fprintf(&b, "   ⏱ %s before kickoff \\(%s\\)\n",
			escapeMarkdownV2(formatDuration(time.Duration(m.HoursBeforeKickoff*float64(time.Hour)))),
			escapeMarkdownV2(m.GameStartTime.UTC().Format("2006-01-02 15:04 MST")))
		if m.HasOutcome() {
			fmt.Fprintf(&b, "   🏁 Result: %s\n", escapeMarkdownV2(strconv.FormatFloat(*m.ActualValue, 'f', -1, 64)))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func propLabel(p models.PropType) string {
	return strings.ReplaceAll(string(p), "_", " ")
}

func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	mins := int(d.Minutes()) - hours*60

	switch {
	case hours > 0 && mins > 0:
		return fmt.Sprintf("%dh%dm", hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", mins)
}

// Alerter queues movements for delivery so detection never waits on Telegram.
type Alerter struct {
	client   *Client
	queue    chan models.Movement
	batch    int
	interval time.Duration
}

// NewAlerter creates an alerter that sends at most batch movements per
// message, flushing every interval.
func NewAlerter(client *Client, queueSize, batch int, interval time.Duration) *Alerter {
	if queueSize <= 0 {
		queueSize = 64
	}
	if batch <= 0 {
		batch = 10
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Alerter{
		client:   client,
		queue:    make(chan models.Movement, queueSize),
		batch:    batch,
		interval: interval,
	}
}

// Enqueue queues a movement without blocking. Movements are dropped when the
// queue is full.
func (a *Alerter) Enqueue(m models.Movement) {
	select {
	case a.queue <- m:
	default:
		logger.Warn("Telegram alert queue full, dropped movement %s", m.ID)
	}
}

// Run delivers queued movements until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var pending []models.Movement
	flush := func() {
		for len(pending) > 0 {
			n := min(a.batch, len(pending))
			if err := a.client.Send(ctx, pending[:n]); err != nil {
				logger.Error("Failed to send Telegram alert: %v", err)
			} else {
				logger.Info("Sent Telegram alert for %d movement(s)", n)
			}
			pending = pending[n:]
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.queue:
			pending = append(pending, m)
			if len(pending) >= a.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

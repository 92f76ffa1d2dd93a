// Package notify pushes trade events to Telegram. Sends are fire and
// forget: a delivery failure is logged and never blocks the sequencer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/config"
	"autotrader/internal/models"
)

// Notifier delivers human-readable trade events.
type Notifier interface {
	SendOrder(ctx context.Context, order models.Order, strategies []string, orderErr error)
	SendError(ctx context.Context, context string, err error)
	SendMessage(ctx context.Context, text string)
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram builds a Telegram notifier. With incomplete configuration it
// stays disabled and every send is a no-op.
func NewTelegram(cfg config.TelegramConfig, logger zerolog.Logger) *Telegram {
	return &Telegram{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// SendOrder announces an order attempt and its outcome.
func (t *Telegram) SendOrder(ctx context.Context, order models.Order, strategies []string, orderErr error) {
	var sb strings.Builder
	if orderErr != nil {
		sb.WriteString(fmt.Sprintf("❌ <b>%s %s FAILED</b>\n", order.Side, order.Symbol))
	} else if order.Side == models.OrderSideSell {
		sb.WriteString(fmt.Sprintf("🔴 <b>SELL %s</b>\n", order.Symbol))
	} else {
		sb.WriteString(fmt.Sprintf("🟢 <b>BUY %s</b>\n", order.Symbol))
	}
	sb.WriteString(fmt.Sprintf("Qty: %d @ %s\n", order.Quantity, formatCurrency(order.Price)))
	if len(strategies) > 0 {
		sb.WriteString(fmt.Sprintf("Strategies: %s\n", strings.Join(strategies, ", ")))
	}
	if orderErr != nil {
		sb.WriteString(fmt.Sprintf("Error: %v", orderErr))
	} else if order.OrderID != "" {
		sb.WriteString(fmt.Sprintf("Order ID: %s", order.OrderID))
	}
	t.SendMessage(ctx, sb.String())
}

// SendError announces an operational failure.
func (t *Telegram) SendError(ctx context.Context, where string, err error) {
	t.SendMessage(ctx, fmt.Sprintf("⚠️ <b>%s</b>\n%v", where, err))
}

// SendMessage delivers raw HTML-formatted text asynchronously.
func (t *Telegram) SendMessage(ctx context.Context, text string) {
	if !t.enabled {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := t.send(sendCtx, text); err != nil {
			t.logger.Warn().Err(err).Msg("Telegram delivery failed")
		}
	}()
}

func (t *Telegram) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// formatCurrency formats a rupee amount with Indian digit grouping.
func formatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	result := "₹" + formatIndianNumber(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups digits as lakh/crore: 3 from the right, then 2s.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}
	return result
}

// Noop discards every notification.
type Noop struct{}

func (Noop) SendOrder(context.Context, models.Order, []string, error) {}
func (Noop) SendError(context.Context, string, error)                 {}
func (Noop) SendMessage(context.Context, string)                      {}

var (
	_ Notifier = (*Telegram)(nil)
	_ Notifier = Noop{}
)

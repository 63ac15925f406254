package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/market"
)

// Notification 封装状态切换告警上下文。
type Notification struct {
	Environment string
	Event       eventlog.TriggerEvent
	Channels    []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("event_id", note.Event.ID).
		Str("from", string(note.Event.From)).
		Str("to", string(note.Event.To)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func headline(ev eventlog.TriggerEvent) string {
	switch {
	case ev.Kind == eventlog.KindFalseTrigger:
		return "FALSE TRIGGER MARKED"
	case ev.To == market.StateTriggered:
		return "CIRCUIT BREAKER TRIGGERED: trading halted"
	case ev.To == market.StateRecovering:
		return "Recovery observation started"
	case ev.To == market.StateSafe && ev.From != market.StateWarning:
		return "Circuit breaker cleared: trading resumed"
	case ev.To == market.StateWarning:
		return "Market warning"
	default:
		return "Guardian state change"
	}
}

func renderMessage(note Notification) string {
	ev := note.Event
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[crashguard] %s\n", headline(ev)))
	if note.Environment != "" {
		builder.WriteString(fmt.Sprintf("Env: %s\n", note.Environment))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", ev.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("State: %s -> %s\n", ev.From, ev.To))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", ev.Reason))
	for _, r := range ev.TriggerReadings {
		builder.WriteString(fmt.Sprintf("Drawdown: %s\n", r.String()))
	}
	for _, sig := range ev.ConfirmationSignals {
		builder.WriteString(fmt.Sprintf("Signal: %s[%s] = %s\n", sig.Kind, sig.Scope, sig.Value.StringFixed(2)))
	}
	if a := ev.Assessment; a != nil {
		builder.WriteString(fmt.Sprintf("Recovery: %s%% retraced, stable for %s\n", a.RecoveryPct.StringFixed(1), a.StabilizationElapsed.Round(time.Second)))
	}
	if s := ev.Summary; s != nil {
		builder.WriteString(fmt.Sprintf("Downtime: %s\n", s.Downtime.Round(time.Second)))
		builder.WriteString(fmt.Sprintf("Max drawdown: %s%%\n", s.MaxDrawdownPct.StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Capital protected: $%s\n", s.CapitalProtected.StringFixed(0)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	builder.WriteString(fmt.Sprintf("Event: %s", ev.ID))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

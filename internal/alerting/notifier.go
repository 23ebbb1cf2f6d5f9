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
)

// Severity orders notifications from informational to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ParseSeverity validates a severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Notification is one message handed to the notifiers.
type Notification struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Category string    `json:"category,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier delivers a notification to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, note Notification) error
}

// TelegramOptions configure the Telegram Bot API notifier.
type TelegramOptions struct {
	BotToken    string
	ChatID      string
	BaseURL     string
	Timeout     time.Duration
	MinSeverity Severity
	// Categories limits delivery to these categories; empty means all.
	Categories []string
}

// TelegramNotifier pushes notifications through the Bot API sendMessage call.
type TelegramNotifier struct {
	botToken    string
	chatID      string
	baseURL     string
	minSeverity Severity
	categories  map[string]struct{}
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = SeverityWarning
	}
	var categories map[string]struct{}
	if len(opts.Categories) > 0 {
		categories = make(map[string]struct{}, len(opts.Categories))
		for _, c := range opts.Categories {
			categories[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
		}
	}

	return &TelegramNotifier{
		botToken:    opts.BotToken,
		chatID:      opts.ChatID,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		minSeverity: opts.MinSeverity,
		categories:  categories,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Name implements Notifier.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Accepts applies the severity floor and category filter.
func (n *TelegramNotifier) Accepts(note Notification) bool {
	if !note.Severity.AtLeast(n.minSeverity) {
		return false
	}
	if n.categories == nil {
		return true
	}
	_, ok := n.categories[strings.ToLower(note.Category)]
	return ok
}

// Notify calls sendMessage. Notifications rejected by Accepts are skipped silently.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if !n.Accepts(note) {
		return nil
	}
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
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Debug().Str("severity", string(note.Severity)).
		Str("category", note.Category).
		Str("title", note.Title).
		Msg("notification sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(note.Severity)), note.Title))
	if note.Category != "" {
		builder.WriteString(fmt.Sprintf("Category: %s\n", note.Category))
	}
	if !note.Time.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
	}
	if note.Body != "" {
		builder.WriteString("\n")
		builder.WriteString(note.Body)
	}
	return builder.String()
}

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the always-on log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifications").Logger()}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	var event *zerolog.Event
	switch note.Severity {
	case SeverityCritical, SeverityError:
		event = n.logger.Error()
	case SeverityWarning:
		event = n.logger.Warn()
	default:
		event = n.logger.Info()
	}
	event.Str("severity", string(note.Severity)).
		Str("category", note.Category).
		Str("body", note.Body).
		Msg(note.Title)
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

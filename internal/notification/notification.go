package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trading-sync-client/internal/logging"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
	NotifyWarning NotificationType = "warning"
	NotifyInfo    NotificationType = "info"
)

// Notification represents a human-readable message pushed to the sink
type Notification struct {
	ID        string
	Type      NotificationType
	Title     string
	Message   string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to all enabled providers. Sends run in
// goroutines so callers are never blocked on a slow provider.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	log       *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool, log *logging.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		log:       log,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers a notification to all enabled providers
func (m *Manager) Send(notification *Notification) {
	if !m.enabled {
		return
	}
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		notifier := n
		go func() {
			if err := notifier.Send(notification); err != nil {
				m.log.Warn("notification send failed", "provider", notifier.Name(), "error", err)
			}
		}()
	}
}

// Success sends a success notification
func (m *Manager) Success(title, message string) {
	m.Send(&Notification{Type: NotifySuccess, Title: title, Message: message})
}

// Error sends an error notification
func (m *Manager) Error(title, message string) {
	m.Send(&Notification{Type: NotifyError, Title: title, Message: message})
}

// Warning sends a warning notification
func (m *Manager) Warning(title, message string) {
	m.Send(&Notification{Type: NotifyWarning, Title: title, Message: message})
}

// Info sends an informational notification
func (m *Manager) Info(title, message string) {
	m.Send(&Notification{Type: NotifyInfo, Title: title, Message: message})
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes notifications to the structured log. It is always
// registered so outcomes are visible even with no external provider.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("notify")}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(notification *Notification) error {
	switch notification.Type {
	case NotifyError:
		l.log.Error(notification.Message, "title", notification.Title)
	case NotifyWarning:
		l.log.Warn(notification.Message, "title", notification.Title)
	default:
		l.log.Info(notification.Message, "title", notification.Title)
	}
	return nil
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	color := 0x00FF00
	switch notification.Type {
	case NotifyError:
		color = 0xFF0000
	case NotifyWarning:
		color = 0xFFAA00
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}

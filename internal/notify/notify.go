// Package notify delivers user and staff alerts raised by the engine
// after a change has been committed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gopkg.in/gomail.v2"
)

const (
	KindDisputeOpened  = "dispute.opened"
	KindSupportRequest = "support.requested"
	KindBadgeEarned    = "badge.earned"
	KindPayoutReleased = "payout.released"
	KindStatusChanged  = "task.status"
)

// Notification is one alert. An empty Recipient addresses the support team.
type Notification struct {
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (n Notification) ForStaff() bool { return n.Recipient == "" }

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "kind", n.Kind, "task_id", n.TaskID, "recipient", n.Recipient, "subject", n.Subject)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramSender is the part of tgbotapi.BotAPI used here.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts staff notifications to a support chat.
type Telegram struct {
	Bot    TelegramSender
	ChatID int64
}

func NewTelegram(token string, chatID int64, client *http.Client) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{Bot: bot, ChatID: chatID}, nil
}

func (t *Telegram) Notify(_ context.Context, n Notification) error {
	if !n.ForStaff() {
		return nil
	}
	text := n.Subject
	if n.Body != "" {
		text += "\n" + n.Body
	}
	if n.TaskID != "" {
		text += "\nServiço: " + n.TaskID
	}
	if _, err := t.Bot.Send(tgbotapi.NewMessage(t.ChatID, text)); err != nil {
		return fmt.Errorf("telegram notify: %w", err)
	}
	return nil
}

// MailDialer is the part of gomail.Dialer used here.
type MailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mail emails staff notifications to the support inbox.
type Mail struct {
	Dialer MailDialer
	From   string
	To     []string
}

func NewMail(host string, port int, user, password, from string, to []string) *Mail {
	return &Mail{
		Dialer: gomail.NewDialer(host, port, user, password),
		From:   from,
		To:     to,
	}
}

func (m *Mail) Notify(_ context.Context, n Notification) error {
	if !n.ForStaff() || len(m.To) == 0 {
		return nil
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", "[Vale Conecta] "+n.Subject)
	body := fmt.Sprintf("<p>%s</p>", strings.ReplaceAll(n.Body, "\n", "<br>"))
	if n.TaskID != "" {
		body += fmt.Sprintf("<p>Serviço: <strong>%s</strong></p>", n.TaskID)
	}
	msg.SetBody("text/html", body)
	if err := m.Dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	return nil
}

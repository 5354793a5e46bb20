// Package app builds the engine and its adapters from runtime settings.
// The CLI and the server both start here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"valeconecta/internal/attachments"
	"valeconecta/internal/broker"
	"valeconecta/internal/classify"
	"valeconecta/internal/config"
	"valeconecta/internal/db"
	"valeconecta/internal/engine"
	"valeconecta/internal/metrics"
	"valeconecta/internal/migrate"
	"valeconecta/internal/notify"
	"valeconecta/internal/payment"
	"valeconecta/internal/realtime"
)

// Settings are the runtime knobs. Domain policy lives in valeconecta.yml.
type Settings struct {
	Workspace string
	DBDriver  string
	DBDSN     string

	Gateway          string // sandbox or mercadopago
	MercadoPagoURL   string
	MercadoPagoToken string
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	NATSURL          string
	NATSPrefix       string
	TelegramToken    string
	TelegramChatID   int64
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPFrom         string
	SMTPTo           []string
	CloudinaryURL    string
	CloudinaryFolder string
	SkipMigrate      bool
}

// App is a wired engine plus the resources it owns.
type App struct {
	Conn        *sql.DB
	Dialect     db.Dialect
	Config      *config.Config
	Engine      engine.Engine
	Hub         *realtime.Hub
	Metrics     *metrics.Metrics
	Attachments attachments.Store
	Logger      *slog.Logger

	closers []func() error
}

// Open connects to the store, migrates it, and wires every configured
// adapter. Adapters whose settings are empty are left out.
func Open(ctx context.Context, s Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOrDefault(s.Workspace)
	if err != nil {
		return nil, err
	}
	dialect := db.Dialect(strings.ToLower(s.DBDriver))
	if dialect == "" {
		dialect = db.SQLite
	}
	conn, err := db.Open(db.Config{Driver: dialect, DSN: s.DBDSN, Workspace: s.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Conn: conn, Dialect: dialect, Config: cfg, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := conn.PingContext(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if !s.SkipMigrate {
		if err := migrate.Migrate(conn, dialect); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	gw, err := Gateway(s)
	if err != nil {
		a.Close()
		return nil, err
	}
	e, err := engine.New(conn, dialect, cfg, gw)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Metrics = metrics.New()
	e = e.WithObservers(a.Metrics, logger)

	a.Hub = realtime.NewHub(logger)
	e.Chat = a.Hub

	e.Notifier, err = Notifier(s, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if s.NATSURL != "" {
		pub, err := broker.Connect(s.NATSURL, s.NATSPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		e.Publisher = pub
		logger.Info("publishing events to NATS", "url", s.NATSURL)
	}
	if s.OpenAIKey != "" {
		e.Classifier = classify.NewOpenAI(s.OpenAIKey, s.OpenAIBaseURL, s.OpenAIModel)
	}
	if s.CloudinaryURL != "" {
		store, err := attachments.NewCloudinary(s.CloudinaryURL, s.CloudinaryFolder)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Attachments = store
	}
	a.Engine = e
	return a, nil
}

// Gateway picks the payment gateway named in s.
func Gateway(s Settings) (payment.Gateway, error) {
	switch strings.ToLower(s.Gateway) {
	case "", "sandbox":
		return payment.NewSandbox(), nil
	case "mercadopago":
		if s.MercadoPagoToken == "" {
			return nil, errors.New("mercadopago gateway needs an access token")
		}
		return payment.NewMercadoPago(s.MercadoPagoURL, s.MercadoPagoToken), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway %q (want sandbox or mercadopago)", s.Gateway)
	}
}

// Notifier always logs, and also alerts staff over Telegram and e-mail
// when those are configured.
func Notifier(s Settings, logger *slog.Logger) (notify.Notifier, error) {
	sinks := notify.Multi{notify.Log{Logger: logger}}
	if s.TelegramToken != "" {
		tg, err := notify.NewTelegram(s.TelegramToken, s.TelegramChatID, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	if s.SMTPHost != "" && len(s.SMTPTo) > 0 {
		port := s.SMTPPort
		if port == 0 {
			port = 587
		}
		sinks = append(sinks, notify.NewMail(s.SMTPHost, port, s.SMTPUser, s.SMTPPassword, s.SMTPFrom, s.SMTPTo))
	}
	return sinks, nil
}

// Close releases everything Open acquired, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

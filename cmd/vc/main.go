package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"valeconecta/internal/app"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "vc",
	Short: "Vale Conecta marketplace CLI",
	Long: `Vale Conecta connects clients with home-service professionals.
Core concepts:
- Task: a service request that moves open -> evaluating -> scheduled -> in_progress -> completed -> client_confirmed -> rated, with disputed and canceled as side exits.
- Proposal: a professional's quote; accepting one schedules the task and holds the money.
- Escrow: the client's payment, held until the client confirms and then released to the professional (minus the platform fee), or refunded.
- Reputation: the rolling average of the professional's ratings plus earned badges.
- Chat: one thread per task; every status change posts a system message.
- Caller: every command runs as --actor with --role (client, professional, admin).
- Event log: the audit trail, view with 'vc log tail'.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", errorLine(err))
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "detail:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VALECONECTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor", "local-admin", "actor identifier")
	pf.String("role", "admin", "actor role: client, professional or admin")
	pf.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	pf.String("db-dsn", "", "database DSN (defaults to the workspace SQLite file)")
	pf.String("gateway", "sandbox", "payment gateway: sandbox or mercadopago")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.Bool("verbose", false, "print underlying error details")
	for _, name := range []string{"workspace", "json", "actor", "role", "db-driver", "db-dsn", "gateway", "log-format", "log-level", "verbose"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(proCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

var domainErrors = []error{
	domain.ErrInvalidTransition,
	domain.ErrInvalidState,
	domain.ErrPreconditionFailed,
	domain.ErrUnauthorized,
	domain.ErrNotFound,
	domain.ErrInvalidRating,
	domain.ErrPaymentCaptureFailed,
	domain.ErrPaymentReleaseFailed,
	domain.ErrPaymentRefundFailed,
}

// errorLine shows domain failures in pt-BR and everything else verbatim.
func errorLine(err error) string {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return domain.UserMessage(err)
		}
	}
	return err.Error()
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// settings collects adapter settings from flags and VALECONECTA_* env.
func settings() app.Settings {
	return app.Settings{
		Workspace:        viper.GetString("workspace"),
		DBDriver:         viper.GetString("db-driver"),
		DBDSN:            viper.GetString("db-dsn"),
		Gateway:          viper.GetString("gateway"),
		MercadoPagoURL:   viper.GetString("mercadopago_url"),
		MercadoPagoToken: viper.GetString("mercadopago_token"),
		OpenAIKey:        viper.GetString("openai_api_key"),
		OpenAIBaseURL:    viper.GetString("openai_base_url"),
		OpenAIModel:      viper.GetString("openai_model"),
		NATSURL:          viper.GetString("nats_url"),
		NATSPrefix:       viper.GetString("nats_prefix"),
		TelegramToken:    viper.GetString("telegram_token"),
		TelegramChatID:   viper.GetInt64("telegram_chat_id"),
		SMTPHost:         viper.GetString("smtp_host"),
		SMTPPort:         viper.GetInt("smtp_port"),
		SMTPUser:         viper.GetString("smtp_user"),
		SMTPPassword:     viper.GetString("smtp_password"),
		SMTPFrom:         viper.GetString("smtp_from"),
		SMTPTo:           splitList(viper.GetString("smtp_to")),
		CloudinaryURL:    viper.GetString("cloudinary_url"),
		CloudinaryFolder: viper.GetString("cloudinary_folder"),
	}
}

func caller() (domain.Caller, error) {
	actor := strings.TrimSpace(viper.GetString("actor"))
	if actor == "" {
		return domain.Caller{}, fmt.Errorf("--actor required")
	}
	role, err := domain.ParseRole(strings.ToLower(viper.GetString("role")))
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{ActorID: actor, Role: role}, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, settings(), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Caller) error) error {
	c, err := caller()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine, c)
	})
}

func printJSONOrPretty(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func brl(cents *int64) string {
	if cents == nil {
		return ""
	}
	return domain.FormatBRL(*cents)
}

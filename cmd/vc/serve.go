package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"valeconecta/internal/app"
	"valeconecta/internal/config"
	"valeconecta/internal/db"
	"valeconecta/internal/migrate"
	"valeconecta/internal/payout"
	"valeconecta/internal/receipt"
	"valeconecta/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, fontPath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, payout sweeper and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("VALECONECTA_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				logger := a.Logger
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: logger},
					Hub:         a.Hub,
					Attachments: a.Attachments,
					Receipts:    receipt.Generator{FontPath: fontPath},
					Metrics:     a.Metrics,
					Logger:      logger,
				})
				if err != nil {
					return err
				}

				sweeper := payout.New(a.Engine, a.Config.Payout.Schedule, a.Config.Payout.Batch, logger)
				if err := sweeper.Start(ctx); err != nil {
					return err
				}
				defer sweeper.Stop()

				dispatcher := server.NewDispatcher(a.Engine.Repo, a.Config.Webhooks, logger)
				go dispatcher.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving Vale Conecta API", "addr", addr, "base_path", basePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&fontPath, "receipt-font", "", "TTF font for PDF receipts")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			conn, err := db.Open(db.Config{Driver: db.Dialect(s.DBDriver), DSN: s.DBDSN, Workspace: s.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, db.Dialect(s.DBDriver)); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Platform policy (valeconecta.yml)"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default valeconecta.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrPretty(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate valeconecta.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor and --role",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("VALECONECTA_JWT_SECRET is required")
			}
			c, err := caller()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(secret, c, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

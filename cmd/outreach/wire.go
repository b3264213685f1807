package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/outreach/internal/events"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/providers/email"
	"github.com/rendis/outreach/internal/providers/gemini"
	"github.com/rendis/outreach/internal/providers/httpcall"
	"github.com/rendis/outreach/internal/providers/social"
	"github.com/rendis/outreach/internal/secrets"
	"github.com/rendis/outreach/internal/service"
	"github.com/rendis/outreach/internal/store"
)

// app is everything a command needs. close releases it in reverse order.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	creds   *secrets.Credentials
	bus     *events.Bus
	service *service.Service
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat, w)
}

// openStore opens the database, creating its directory, and applies the
// schema.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// openCredentials returns nil when no vault passphrase is configured; runs
// then use the server-wide provider settings only.
func openCredentials(cfg Config, st *store.LibSQLStore) (*secrets.Credentials, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	if cfg.VaultSalt == "" {
		return nil, fmt.Errorf("vault_salt is required with vault_passphrase")
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		return nil, err
	}
	return secrets.NewCredentials(vault), nil
}

// buildApp wires the store, the providers and the service. The service is
// not started.
func buildApp(ctx context.Context, cfg Config, logOut io.Writer, disableScheduler bool) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg, logOut)}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() { _ = st.Close() })

	if a.creds, err = openCredentials(cfg, st); err != nil {
		a.close()
		return nil, err
	}

	providers, err := a.providers(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	sc, err := cfg.serviceConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	sc.DisableScheduler = disableScheduler

	a.bus = events.NewBus(a.logger)
	a.service, err = service.New(st, providers, a.bus, sc, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.service.Stop)
	return a, nil
}

func (a *app) providers(ctx context.Context) (service.Providers, error) {
	client := httpcall.New(httpcall.Config{})
	p := service.Providers{
		HTTP:   client,
		Social: social.New(client, a.cfg.SocialBaseURL),
		AI:     gemini.New(gemini.Config{APIKey: a.cfg.GeminiAPIKey, Model: a.cfg.GeminiModel}),
		Email: email.New(email.Config{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
			FromName: a.cfg.SMTPFromName,
		}),
	}
	// Assigned only when set: a nil *Credentials in the interface is not nil.
	if a.creds != nil {
		p.Credentials = a.creds
	}

	if a.cfg.RedisAddr != "" {
		client, err := store.OpenRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			return p, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		p.Quota = store.NewRedisQuotaStore(client, "")
		a.logger.Info("using redis quota store", slog.String("addr", a.cfg.RedisAddr))
	}
	return p, nil
}

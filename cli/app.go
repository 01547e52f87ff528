package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/szer/settlement/config"
	"github.com/szer/settlement/paypay"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/store/postgres"
	"github.com/szer/settlement/store/sqlite"
)

// durableStore is what every command needs from a store.
type durableStore interface {
	settlement.TxStore
	Ping(ctx context.Context) error
	Close() error
}

// app is the wiring shared by the commands: config, logger and an open store.
// Commands build engines from it and Close it when done.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store durableStore
}

func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	log, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log config", err)
	}
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	log.Debug().Str("driver", cfg.Database.Driver).Msg("store opened")
	return &app{cfg: cfg, log: log, store: store}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (durableStore, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// plan returns the configured top-up plan. Config.Validate has already parsed it.
func (a *app) plan() settlement.TopupPlan {
	plan, err := a.cfg.TopupPlan()
	if err != nil {
		return settlement.DefaultTopupPlan()
	}
	return plan
}

// newEngine builds the settlement engine with the PayPay provider. Repair never
// talks to the provider, so it passes needProvider=false and runs without
// PayPay credentials.
func (a *app) newEngine(needProvider bool) (*settlement.Engine, error) {
	var provider settlement.Provider
	client, err := paypay.NewClient(a.cfg.PayPayClient())
	switch {
	case err == nil:
		provider = paypay.NewProvider(client)
	case needProvider:
		return nil, WrapExitError(ExitCommandError, "invalid paypay config", err)
	}

	base := a.cfg.Frontend.BaseURL
	return settlement.NewEngine(a.store, provider,
		settlement.WithPlan(a.plan()),
		settlement.WithPendingWindow(a.cfg.Sweeper.PendingWindow),
		settlement.WithSweepBatch(a.cfg.Sweeper.Batch),
		settlement.WithReturnURL(func(id settlement.MerchantPaymentID) string {
			return paypay.ReturnURL(base, id)
		}),
		settlement.WithLogger(a.log),
	), nil
}

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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tankwatch/internal/adapter/file"
	adapthttp "tankwatch/internal/adapter/http"
	"tankwatch/internal/adapter/influxdb"
	"tankwatch/internal/adapter/kafka"
	"tankwatch/internal/adapter/memory"
	"tankwatch/internal/adapter/portal"
	"tankwatch/internal/adapter/postgres"
	"tankwatch/internal/adapter/websocket"
	"tankwatch/internal/app"
	"tankwatch/internal/config"
	"tankwatch/internal/domain"
	"tankwatch/internal/logging"
	"tankwatch/internal/metrics"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll every configured account and serve the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	repo, closeRepo, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeRepo()

	m := metrics.New()
	svc := app.NewConsumptionService(repo, log.Named("consumption"),
		app.WithMetrics(m),
		app.WithConfirmAfter(cfg.Polling.ConfirmAfter),
		app.WithParallelism(cfg.Polling.Parallelism),
	)
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load tank states: %w", err)
	}

	initial, err := cfg.Settings()
	if err != nil {
		return err
	}
	settings := app.NewSettingsStore(initial)

	hub := websocket.NewHub(log.Named("stream"), svc.Snapshots)
	publishers := []domain.Publisher{hub}
	if cfg.InfluxDB.URL != "" {
		p, err := influxdb.New(ctx, influxdb.Config{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		})
		if err != nil {
			return err
		}
		defer p.Close()
		publishers = append(publishers, p)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := kafka.New(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()
		publishers = append(publishers, p)
	}

	accounts, err := buildAccounts(cfg, log)
	if err != nil {
		return err
	}
	schedulers := make([]*app.Scheduler, 0, len(accounts))
	for _, acct := range accounts {
		schedulers = append(schedulers, app.NewScheduler(acct, cfg.Scheduler(), settings, svc,
			log.Named("scheduler"),
			app.WithPublishers(publishers...),
			app.WithSchedulerMetrics(m),
		))
	}
	mgr := app.NewManager(svc, settings, log.Named("manager"), schedulers...)

	api := adapthttp.New(mgr, log.Named("http"),
		adapthttp.WithStream(hub),
		adapthttp.WithMetrics(m.Handler()),
		adapthttp.WithControlToken(cfg.HTTP.ControlTokenHash),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.Int("accounts", len(accounts)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shut down")
	return err
}

// openStore returns the configured repository and its close function.
func openStore(cfg config.StoreConfig) (domain.StateRepository, func(), error) {
	switch cfg.Type {
	case config.StoreMemory:
		return memory.New(), func() {}, nil
	case config.StoreFile:
		s, err := file.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open state file: %w", err)
		}
		return s, func() {}, nil
	case config.StorePostgres:
		db, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
}

// buildAccounts creates one portal client per configured account.
func buildAccounts(cfg *config.Config, log *zap.Logger) ([]app.Account, error) {
	accounts := make([]app.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		region, err := domain.LookupRegion(a.Region)
		if err != nil {
			return nil, err
		}
		src, err := portal.New(region, a.Username, a.Password, portal.Options{
			BaseURL: a.BaseURL,
			Timeout: cfg.Polling.RequestTimeout,
			Logger:  log.Named("portal").With(zap.String("account", a.ID)),
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.ID, err)
		}
		accounts = append(accounts, app.Account{ID: a.ID, Region: region, Source: src})
	}
	return accounts, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/soundbet/bookstream/internal/api"
	"github.com/soundbet/bookstream/internal/auth"
	"github.com/soundbet/bookstream/internal/config"
	"github.com/soundbet/bookstream/internal/events"
	"github.com/soundbet/bookstream/internal/health"
	"github.com/soundbet/bookstream/internal/logging"
	"github.com/soundbet/bookstream/internal/relay"
	"github.com/soundbet/bookstream/internal/store"
	"github.com/soundbet/bookstream/internal/stream"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("bookstream stopped with error")
		os.Exit(1)
	}
	log.Info("bookstream stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithField("env", cfg.Env).Info("bookstream starting")

	tokens, err := tokenSource(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if sealed, ok := tokens.(*auth.SealedToken); ok {
		defer sealed.Destroy()
	}

	client, err := api.New(api.Config{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout}, tokens, log)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	defer bus.Close()

	manager := stream.NewManager(client, stream.Options{
		Policy: stream.Policy{
			ReconnectDelay:       cfg.Stream.ReconnectDelay,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			DebounceWindow:       cfg.Stream.DebounceWindow,
		},
		Bus:           bus,
		Logger:        log,
		MaxEventBytes: cfg.Stream.MaxEventBytes,
	}, cfg.Cache.SnapshotTTL)

	monitor := health.NewMonitor(health.Config{
		StaleThreshold: cfg.Health.StaleThreshold,
		CoolOff:        cfg.Health.CoolOff,
	})
	monitorFeed := bus.Subscribe(events.TopicSessionState)

	var writer *store.Writer
	if cfg.Redis.Addr != "" {
		rdb, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		writer = store.NewWriter(rdb, bus.Subscribe(events.TopicSessionState), log)
		log.WithField("addr", cfg.Redis.Addr).Info("redis book store enabled")
	}

	srv := relay.NewServer(relay.Config{
		Addr:        cfg.Relay.Addr,
		Mode:        cfg.Relay.Mode,
		EnablePprof: cfg.Relay.EnablePprof,
	}, manager, monitor, bus, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := manager.Run(gctx, bus)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		monitor.Run(gctx, monitorFeed)
		return nil
	})
	if writer != nil {
		g.Go(func() error {
			writer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Market.ID != "" {
		manager.Select(gctx, stream.Identity{
			MarketID: cfg.Market.ID,
			Side1:    cfg.Market.Side1,
			Side2:    cfg.Market.Side2,
		})
	}

	return g.Wait()
}

func tokenSource(ctx context.Context, cfg config.AuthConfig) (auth.TokenSource, error) {
	if cfg.KMSCiphertext == "" {
		return auth.StaticToken(cfg.Token), nil
	}

	dec, err := auth.NewKMSDecrypter(ctx, auth.KMSConfig{
		Region:            cfg.AWSRegion,
		Endpoint:          cfg.LocalStackEndpoint,
		KeyID:             cfg.KMSKeyID,
		EncryptionContext: map[string]string{"purpose": "stream-token"},
	})
	if err != nil {
		return nil, err
	}
	return auth.NewSealedToken(ctx, dec, cfg.KMSCiphertext, cfg.TokenTTL)
}

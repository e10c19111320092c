package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"timeline_tracker/internal/account"
	"timeline_tracker/internal/config"
	"timeline_tracker/internal/health"
	"timeline_tracker/internal/proxy"
	"timeline_tracker/internal/publisher"
	"timeline_tracker/internal/server"
	"timeline_tracker/internal/service"
	"timeline_tracker/internal/source/timeline"
	"timeline_tracker/internal/state"
	"timeline_tracker/internal/storage/postgres"
	"timeline_tracker/internal/task"
	"timeline_tracker/internal/workerpool"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling",
	Long: `Load the config and accounts, resolve the targets and poll them until
interrupted. The first SIGINT/SIGTERM starts a graceful shutdown: in-flight
fetches get poll.shutdown_timeout to finish and state is saved.

Example:
  tracker run -c config.yaml`,
	RunE: runTracker,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")
}

func runTracker(cmd *cobra.Command, args []string) error {
	logger := setupLogger("info")

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}
	logger = setupLogger(cfg.LogLevel)

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	pool := account.NewManager(accounts, account.Config{
		Strategy:    account.Strategy(cfg.Rotation.Strategy),
		MaxFailures: cfg.Rotation.MaxFailures,
	}, logger)

	store := state.NewStore(cfg.State.Path, logger)

	var checker service.HealthRunner
	if cfg.Health.IsEnabled() {
		checker = health.NewChecker(
			pool,
			proxy.NewProber(cfg.Health.ProbeURL, cfg.Health.Timeout),
			store,
			health.Config{Interval: cfg.Health.Interval, ErrorDelay: cfg.Health.ErrorDelay},
			logger,
		)
	}

	source := timeline.New(timeline.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		Timeout:   cfg.Fetch.Timeout,
		Limit:     cfg.Fetch.Limit,
		ClientTTL: cfg.Fetch.ClientTTL,
	}, logger)
	defer source.Close()

	sinks, archive, err := buildSinks(ctx, cfg.Delivery, logger)
	if err != nil {
		logger.Error("failed to set up delivery", "error", err)
		return err
	}

	enabled := 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
	}
	workers := workerpool.New(cfg.WorkerCount(enabled), logger)

	coord := service.NewCoordinator(
		source,
		sinks,
		store,
		pool,
		workers,
		checker,
		logger,
		service.Config{
			Targets:           cfg.Targets,
			Bootstrap:         cfg.Poll.BootstrapEnabled(),
			PollInterval:      cfg.Poll.Interval,
			ShutdownTimeout:   cfg.Poll.ShutdownTimeout,
			ResetCorruptState: cfg.State.OnCorrupt == "reset",
			Task: task.Config{
				MaxAttempts: cfg.Retry.MaxAttempts,
				MaxSkips:    cfg.Retry.MaxSkips,
				BaseDelay:   cfg.Retry.InitialBackoff,
				MaxDelay:    cfg.Retry.MaxBackoff,
				Jitter:      cfg.Retry.Jitter,
			},
		},
	)

	adminDone := make(chan struct{})
	if cfg.Admin.ListenAddr != "" {
		var history server.ItemHistory
		if archive != nil {
			history = archive
		}
		admin := server.New(cfg.Admin.ListenAddr, coord, pool, history, logger)
		go func() {
			defer close(adminDone)
			if err := admin.Run(ctx); err != nil {
				logger.Error("admin server error", "error", err)
			}
		}()
	} else {
		close(adminDone)
	}

	logger.Info("starting tracker",
		"version", version,
		"targets", len(cfg.Targets),
		"accounts", len(accounts),
		"workers", workers.Size(),
		"sinks", sinks.Len(),
		"interval", cfg.Poll.Interval,
	)

	err = coord.Run(ctx)
	cancel()
	<-adminDone

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tracker stopped with error", "error", err)
		return err
	}

	logger.Info("tracker stopped")
	return nil
}

// buildSinks connects every configured sink. Sinks opened before a failure
// are closed again. The archive is nil unless the database sink is enabled.
func buildSinks(ctx context.Context, d config.DeliveryConfig, logger *slog.Logger) (*publisher.Multi, *postgres.Archive, error) {
	var (
		sinks   []publisher.Sink
		archive *postgres.Archive
	)
	fail := func(err error) (*publisher.Multi, *postgres.Archive, error) {
		_ = publisher.NewMulti(logger, sinks...).Close()
		return nil, nil, err
	}

	if d.WebhookEnabled() {
		sinks = append(sinks, publisher.NewWebhook(publisher.WebhookConfig{
			URL:     d.Webhook.URL,
			Timeout: d.Webhook.Timeout,
			Source:  d.Source,
		}, logger))
	}

	if d.RabbitMQEnabled() {
		rmq, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        d.RabbitMQ.URL,
			Exchange:   d.RabbitMQ.Exchange,
			RoutingKey: d.RabbitMQ.RoutingKey,
			QueueName:  d.RabbitMQ.QueueName,
			Source:     d.Source,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, rmq)
	}

	if d.KafkaEnabled() {
		sinks = append(sinks, publisher.NewKafka(publisher.KafkaConfig{
			Brokers: d.Kafka.Brokers,
			Topic:   d.Kafka.Topic,
			Source:  d.Source,
		}, logger))
	}

	if d.DatabaseEnabled() {
		db, err := postgres.Connect(ctx, d.Database.DSN(), d.Database.Migrate, logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("connected to database", "host", d.Database.Host, "dbname", d.Database.DBName)
		archive = postgres.NewArchive(db, logger)
		sinks = append(sinks, archive)
	}

	if len(sinks) == 0 {
		return nil, nil, fmt.Errorf("no delivery sink configured")
	}
	return publisher.NewMulti(logger, sinks...), archive, nil
}

// handleSignals cancels on the first signal; later signals are logged and
// ignored so shutdown can finish saving state.
func handleSignals(cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()

	for sig := range sigCh {
		logger.Warn("shutdown already in progress, ignoring signal", "signal", sig.String())
	}
}

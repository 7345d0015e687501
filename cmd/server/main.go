package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/avlonitis/vigil/internal/adaptation"
	"github.com/avlonitis/vigil/internal/alerting"
	"github.com/avlonitis/vigil/internal/autonomy"
	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/eventscan"
	"github.com/avlonitis/vigil/internal/exchange"
	"github.com/avlonitis/vigil/internal/executor"
	"github.com/avlonitis/vigil/internal/heartbeat"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/paper"
	"github.com/avlonitis/vigil/internal/policy"
	"github.com/avlonitis/vigil/internal/scheduler"
	"github.com/avlonitis/vigil/internal/server"
	"github.com/avlonitis/vigil/pkg/logger"
)

const (
	scanJobName        = "autonomy-scan"
	heartbeatJobName   = "position-heartbeat"
	maintenanceJobName = "daily-maintenance"

	// Journal rows older than this are trimmed by the maintenance job. The
	// reflective windows only ever look at the most recent handful.
	journalRetention = 90 * 24 * time.Hour

	defaultPaperCash = 10000
)

// unconfiguredOracle stands in until an advisory LLM is attached. Every
// consultation degrades to a journaled skip.
type unconfiguredOracle struct{}

func (unconfiguredOracle) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("advisory oracle not configured")
}

func main() {
	// .env is optional; the environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "info"})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("mode", cfg.Execution.Mode).Str("venue", cfg.Exchange.Venue).Msg("Starting Vigil")

	db, err := database.New(database.Config{Path: cfg.DataDir + "/vigil.db"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	clk := clock.System{}

	// Repositories over the single durable store.
	journalRepo := journal.NewRepository(db.Conn(), log)
	tradeRepo := journal.NewTradeRepository(db.Conn(), log)
	stateRepo := policy.NewStateRepository(db.Conn(), log)
	schedRepo := scheduler.NewRepository(db.Conn(), log)

	// Alert pipeline.
	alertPolicy := alerting.NewPolicy(cfg.Alerts, clk)
	alertRepo := alerting.NewRepository(db.Conn(), clk, log)
	alerts := alerting.NewService(alertPolicy, alertRepo,
		[]alerting.Channel{alerting.NewLogChannel(log)}, log)

	// Paper book backs the executor in every mode until live order
	// construction is wired in.
	book := paper.NewEngine(db.Conn(), clk, log)
	if err := book.Init(decimal.NewFromInt(defaultPaperCash)); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize paper book")
	}
	exec := executor.NewPaperExecutor(book, log)

	// Policy engine, mutator, scan pipeline.
	engine := policy.NewEngine(cfg.Autonomy, cfg.Exchange.MaxLeverage,
		stateRepo, journalRepo, tradeRepo, clk, log)
	mutator := adaptation.New(cfg.Autonomy, cfg.Exchange.MaxLeverage,
		journalRepo, stateRepo, clk, log)
	coordinator := eventscan.New(cfg.EventScan, clk, log)

	// Discovery is an external collaborator; until one is attached, scans
	// see no candidates and only run reflection.
	source := autonomy.SourceFunc(func(ctx context.Context) ([]autonomy.Candidate, error) {
		return nil, nil
	})
	autonomySvc := autonomy.New(cfg.Autonomy, cfg.Wallet, cfg.Exchange.MaxLeverage,
		source, engine, journalRepo, tradeRepo, exec, alerts, mutator, coordinator, clk, log)

	// Heartbeat supervisor over the exchange info client.
	market := exchange.NewClient(cfg.Exchange, log)
	supervisor := heartbeat.New(cfg.Heartbeat, cfg.Execution.Mode, cfg.Exchange.Venue,
		market, exec, journalRepo, alerts, unconfiguredOracle{}, clk, log)

	sched := scheduler.New(schedRepo, clk, log)
	if err := registerJobs(sched, cfg, autonomySvc, supervisor, journalRepo, db, clk); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Log:       log,
		DB:        db,
		Scheduler: sched,
		Autonomy:  autonomySvc,
		Engine:    engine,
		State:     stateRepo,
		Alerts:    alerts,
		Paper:     book,
		Journal:   journalRepo,
		Clock:     clk,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Block until shutdown is requested.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config,
	autonomySvc *autonomy.Service, supervisor *heartbeat.Supervisor,
	journalRepo *journal.Repository, db *database.DB, clk clock.Clock) error {

	if err := sched.RegisterJob(scheduler.Definition{
		Name:     scanJobName,
		Kind:     scheduler.KindInterval,
		Interval: time.Duration(cfg.Autonomy.ScanIntervalSeconds) * time.Second,
		Lease:    5 * time.Minute,
	}, func(ctx context.Context) error {
		_, err := autonomySvc.RunScan(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := sched.RegisterJob(scheduler.Definition{
		Name:     heartbeatJobName,
		Kind:     scheduler.KindInterval,
		Interval: time.Duration(cfg.Heartbeat.TickIntervalSeconds) * time.Second,
		Lease:    2 * time.Minute,
	}, supervisor.Tick); err != nil {
		return err
	}

	return sched.RegisterJob(scheduler.Definition{
		Name:     maintenanceJobName,
		Kind:     scheduler.KindDaily,
		Hour:     4,
		Minute:   0,
		Timezone: "UTC",
		Lease:    10 * time.Minute,
	}, func(ctx context.Context) error {
		if _, err := journalRepo.TrimOlderThan(clk.Now().Add(-journalRetention)); err != nil {
			return err
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
		return db.Vacuum()
	})
}

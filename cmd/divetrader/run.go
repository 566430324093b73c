package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"divetrader/internal/broker"
	"divetrader/internal/cache/redis"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/engine"
	"divetrader/internal/marketdata"
	sig "divetrader/internal/signal"
	"divetrader/internal/store"
	"divetrader/internal/strategy"
	"divetrader/internal/strategy/builtins"
	"divetrader/internal/util"
)

func runCmd() *cobra.Command {
	var strategyID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trade the configured strategies live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLive(ctx, cfg, strategyID)
		},
	}
	cmd.Flags().StringVarP(&strategyID, "strategy", "s", "", "Run only the strategy with this id")
	return cmd
}

func runLive(ctx context.Context, cfg *config.Config, strategyID string) error {
	log := slog.Default().With("component", "live")

	events := engine.MultiSink{engine.NewLogSink(log)}
	var sink engine.Sink
	if cfg.Storage.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer db.Close()
		sink = db
		events = append(events, db)
	}

	var brk broker.Broker
	if cfg.Live.PaperMode {
		brk = broker.NewSimulatorBroker(broker.SimulatorOptions{
			FeeBps:      cfg.Backtest.FeeBps,
			SlippageBps: cfg.Backtest.SlippageBps,
			Cash:        cfg.Backtest.InitialCapital,
		})
	} else {
		brk = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	}
	info, err := brk.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}
	log.Info("account loaded", "broker", brk.Name(), "cash", info.Cash)

	// One account is shared by every instance, each spending from its own
	// capital. With Redis configured the reservation lock also covers other
	// processes on the same account.
	acct := engine.NewAccount(info.Cash)
	var advisor sig.Advisor
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		acct = acct.WithLocker(redis.NewLockManager(rc), "account:"+brk.Name()+":"+cfg.Alpaca.APIKey, cfg.Redis.LockTTL)
		advisor = redis.NewAdvisoryFeed(rc, cfg.Redis)
	}

	src := marketdata.NewAlpacaSource(cfg.Alpaca)
	calAPI := marketdata.NewCalendarClient(cfg.Alpaca)
	registry := builtins.NewRegistry()
	now := time.Now()

	var selected []config.StrategyConfig
	for _, sc := range cfg.Strategies {
		if strategyID == "" || sc.ID == strategyID {
			selected = append(selected, sc)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("%w: no strategy matches %q", domain.ErrInvalidConfig, strategyID)
	}

	var runners []*engine.Runner
	for _, sc := range selected {
		capital := sc.Capital
		if capital == 0 {
			capital = info.Cash / float64(len(selected))
		}
		cal, err := marketdata.AlpacaCalendar(calAPI, sc.Market, now.AddDate(0, 0, -14), now.AddDate(0, 6, 0))
		if err != nil {
			log.Warn("calendar unavailable, using weekday rules", "strategy", sc.ID, "error", err)
			cal = util.NewTradingCalendar(sc.Market)
		}
		strat, err := registry.New(sc, strategy.Deps{
			Advisor:  advisor,
			Calendar: cal,
			Events:   events,
			Logger:   log.With("strategy", sc.ID),
		})
		if err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		in, err := engine.NewInstance(engine.NewInstanceConfig(sc), strat, engine.Options{
			Broker:   brk,
			Account:  acct,
			Capital:  capital,
			Events:   events,
			Sink:     sink,
			IDs:      engine.UUIDs{},
			Calendar: cal,
			Logger:   log.With("strategy", sc.ID),
		})
		if err != nil {
			return fmt.Errorf("instance %s: %w", sc.ID, err)
		}
		runners = append(runners, engine.NewRunner(in, src, engine.RunnerConfig{
			Symbols:      sc.Symbols,
			PollInterval: cfg.Live.PollInterval,
			BarInterval:  cfg.Live.BarInterval,
			Lookback:     cfg.Live.Lookback,
			DrainTimeout: cfg.Live.DrainTimeout,
			Calendar:     cal,
		}))
	}
	sup := engine.NewSupervisor(runners...)
	log.Info("live trading started", "strategies", len(runners), "paper", cfg.Live.PaperMode)
	runErr := sup.Run(ctx)

	// Closing positions needs a context that outlives the signal.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Live.DrainTimeout+30*time.Second)
	defer cancel()
	stopErr := sup.Stop(stopCtx)
	log.Info("live trading stopped")
	return errors.Join(runErr, stopErr)
}

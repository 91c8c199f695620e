package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"TradeWarden/internal/config"
	"TradeWarden/internal/execution"
	"TradeWarden/internal/gateway"
	"TradeWarden/internal/ledger"
	"TradeWarden/internal/logger"
	"TradeWarden/internal/notifier"
	"TradeWarden/internal/protector"
	"TradeWarden/internal/recorder"
	"TradeWarden/internal/registry"
	"TradeWarden/internal/scanner"
	"TradeWarden/internal/scheduler"
	"TradeWarden/internal/watermark"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[FATAL] load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[FATAL] config validation: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("[FATAL] init logger: %v", err)
	}
	defer lg.Sync()
	lg.Info("TradeWarden starting", zap.String("env", cfg.App.Env))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.New(cfg.Registry.Path, lg.Named("registry"))
	if err != nil {
		lg.Fatal("load strategy registry", zap.Error(err))
	}

	gw := newGateway(cfg.Gateway, lg)
	if err := registry.CheckInstruments(ctx, reg.Snapshot(), gw); err != nil {
		lg.Fatal("registry does not match gateway", zap.Error(err))
	}

	marks := newWatermarks(ctx, cfg.Watermark, lg)

	led, err := ledger.NewManager(cfg.Ledger.StateFile, lg.Named("ledger"))
	if err != nil {
		lg.Fatal("init ledger", zap.Error(err))
	}

	// Init recorder; the SQLite recorder also persists protection state
	var (
		rec   recorder.Recorder   = recorder.NewNoopRecorder()
		store recorder.StateStore = recorder.NewMemoryStateStore()
		sinks                     = notifier.Multi{notifier.NewLogSink(lg.Named("events"))}
	)
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, lg.Named("recorder"))
		if err != nil {
			lg.Warn("init sqlite recorder failed, using noop", zap.Error(err))
		} else {
			rec, store = sr, sr
			sinks = append(sinks, sr)
			defer sr.Close()
		}
	}

	var tn *notifier.TelegramNotifier
	if cfg.Telegram.Enabled {
		tn, err = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, lg.Named("telegram"))
		if err != nil {
			lg.Fatal("init telegram notifier", zap.Error(err))
		}
		// Telegram delivery retries with backoff; keep it off the trading loops.
		async := notifier.NewAsync(tn, 256, lg.Named("telegram"))
		go async.Run(ctx)
		sinks = append(sinks, async)
	}

	engine := execution.New(execution.Deps{
		Gateway:  gw,
		Registry: reg,
		Ledger:   led,
		Sink:     sinks,
		Recorder: rec,
		Logger:   lg.Named("execution"),
	}, execution.Config{
		DefaultMode:     registry.ExecutionMode(cfg.Execution.DefaultMode),
		ApprovalTimeout: cfg.Execution.ApprovalTimeout,
	})

	prot := protector.New(protector.Deps{
		Gateway:  gw,
		Ledger:   led,
		Store:    store,
		Recorder: rec,
		Sink:     sinks,
		Logger:   lg.Named("protector"),
	}, cfg.Scheduler.Workers)

	sched := scheduler.NewScheduler(ctx, cfg.Scheduler, scheduler.Deps{
		Registry:  reg,
		Gateway:   gw,
		Scanner:   scanner.New(gw, marks, lg.Named("scanner")),
		Engine:    engine,
		Protector: prot,
		Ledger:    led,
		Sink:      sinks,
		Logger:    lg.Named("scheduler"),
	})
	if err := sched.RegisterAll(); err != nil {
		lg.Fatal("register cron tasks", zap.Error(err))
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Registry.Watch {
		if err := reg.Watch(ctx); err != nil {
			lg.Warn("registry watch disabled", zap.Error(err))
		}
	}

	if tn != nil {
		go func() {
			if err := tn.StartPolling(ctx, sched.HandleCommand); err != nil {
				lg.Error("telegram polling stopped", zap.Error(err))
			}
		}()
		lg.Info("telegram polling started")
	}

	if os.Getenv("RUN_ON_START") == "true" {
		lg.Info("RUN_ON_START enabled, scanning now")
		go sched.RunScanNow()
	}

	lg.Info("TradeWarden is running",
		zap.Int("strategies", len(reg.Snapshot().Strategies())),
		zap.Int("active", len(reg.Snapshot().Active())),
		zap.Duration("scan_every", sched.ScanInterval()),
	)

	// SIGHUP reloads the registry; SIGINT and SIGTERM stop the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if _, err := reg.Reload(); err != nil {
				lg.Warn("reload on SIGHUP failed", zap.Error(err))
			}
			continue
		}
		lg.Info("shutdown signal received, stopping", zap.String("signal", sig.String()))
		break
	}
	cancel()
}

func newGateway(cfg config.GatewayConfig, lg *zap.Logger) *gateway.Limited {
	var inner gateway.Gateway
	switch cfg.Kind {
	case "alpaca":
		creds := make(map[string]gateway.AlpacaCredentials, len(cfg.Alpaca))
		for account, c := range cfg.Alpaca {
			creds[account] = gateway.AlpacaCredentials{
				APIKey:    c.APIKey,
				APISecret: c.APISecret,
				BaseURL:   c.BaseURL,
				DataURL:   c.DataURL,
			}
		}
		inner = gateway.NewAlpaca(creds)
	default:
		var feed gateway.Feed
		if cfg.Feed.Kind == "rest" {
			feed = gateway.NewRESTFeed(cfg.Feed.BaseURL, cfg.Feed.APIKey, cfg.Feed.Proxy)
		} else {
			feed = gateway.NewYahooFeed(cfg.Feed.Proxy, cfg.Feed.Symbols)
		}
		lg.Info("paper gateway", zap.String("feed", feed.Name()), zap.Float64("balance", cfg.Paper.Balance))
		inner = gateway.NewPaper(feed, cfg.Paper.Balance)
	}
	return gateway.NewLimited(inner, cfg.RatePerSecond, cfg.Burst, cfg.CallTimeout)
}

func newWatermarks(ctx context.Context, cfg config.WatermarkConfig, lg *zap.Logger) watermark.Store {
	if cfg.Kind != "redis" {
		return watermark.NewMemoryStore()
	}
	rs := watermark.NewRedisStore(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, cfg.KeyPrefix)
	if err := rs.Client.Ping(ctx).Err(); err != nil {
		lg.Fatal("connect watermark redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	lg.Info("watermarks in redis", zap.String("addr", cfg.RedisAddr))
	return rs
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/config"
	"crypto-bot-engine/internal/engine"
	"crypto-bot-engine/internal/exchange"
	"crypto-bot-engine/internal/fees"
	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/orders"
	"crypto-bot-engine/internal/persistence"
	"crypto-bot-engine/internal/ratelimit"
	"crypto-bot-engine/internal/reporter"
	"crypto-bot-engine/internal/safety"
	"crypto-bot-engine/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// A default logger covers startup until the config is loaded.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err == nil {
		logger.S().Info("loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.S().Infow("no config file, using defaults", "path", *configPath)
			cfg = config.Default()
		} else {
			logger.S().Fatalf("load config: %v", err)
		}
	}

	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	if err := run(cfg); err != nil {
		logger.S().Fatalf("engine failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}
	journal, err := persistence.OpenJournal(cfg.JournalDir)
	if err != nil {
		return err
	}

	cache := marketdata.NewCache(cfg.CandleRing, 2*cfg.PullPeriod())
	bus := marketdata.NewBus()
	defer bus.Close()

	calc := fees.NewCalculator(nil)
	limiter := ratelimit.NewLimiter(cfg.Exchange.RateCapacity, cfg.Exchange.RateRefillPerSec)

	var (
		exch   exchange.Client
		led    *ledger.Ledger
		stream *exchange.QuoteStream
	)
	switch cfg.Exchange.Name {
	case "binance":
		exch = exchange.NewBinance(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), calc)
		led = ledger.New(models.ModeLive, decimal.Zero)
	default:
		// Paper trading reads live public data and simulates fills.
		data := exchange.NewBinance("", "", calc)
		exch = exchange.NewPaper(data, cache, calc, cfg.Exchange.PaperSlippage)
		led = ledger.New(models.ModePaper, decimal.NewFromFloat(cfg.PaperStartingCash))
	}

	gate := safety.NewGate(cfg.Safety, led, bus)
	manager := orders.NewManager(exch, gate, led, cache, journal, limiter,
		cfg.TriggerPeriod(), cfg.CallDeadline())
	ingestor := marketdata.NewIngestor(exch, limiter, cache, bus, cfg.Timeframe,
		cfg.PullPeriod(), cfg.CallDeadline(), cfg.TopPairs)
	sched := scheduler.New(cache, led, manager, gate, store, bus, cfg.Timeframe)

	eng := engine.New(cfg, engine.Deps{
		Cache:    cache,
		Bus:      bus,
		Ledger:   led,
		Gate:     gate,
		Exchange: exch,
		Limiter:  limiter,
		Manager:  manager,
		Sched:    sched,
		Ingestor: ingestor,
		Store:    store,
		Journal:  journal,
	})

	// Startup must find consistent snapshots or refuse to trade.
	if err := eng.Restore(); err != nil {
		return err
	}

	if syncer, ok := exch.(exchange.AccountSyncer); ok && led.Mode() == models.ModeLive {
		syncCtx, cancel := context.WithTimeout(ctx, cfg.CallDeadline())
		balances, err := syncer.Balances(syncCtx)
		cancel()
		if err != nil {
			return err
		}
		if usdt, ok := balances["USDT"]; ok {
			led.Sync(usdt)
			logger.S().Infow("account synced", "cash", usdt.String())
		}
	}

	ingestor.Start(ctx)
	go manager.RunTriggerLoop(ctx)
	if err := gate.StartDayRollover(); err != nil {
		return err
	}

	// Best bid/ask over websocket for the bots' pairs keeps paper
	// fills honest between pull cycles.
	if pairs := trackedPairs(eng); len(pairs) > 0 {
		stream = exchange.NewQuoteStream(pairs, cache)
		go stream.Run(ctx)
	}

	for _, bot := range eng.ListBots() {
		if err := eng.StartBot(ctx, bot.Owner, bot.ID); err != nil {
			logger.S().Warnw("bot autostart failed", "bot", bot.ID, "error", err)
		}
	}

	logger.S().Infow("engine running",
		"exchange", exch.Name(), "mode", led.Mode(),
		"pull_period", cfg.PullPeriod(), "trigger_period", cfg.TriggerPeriod())

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()
	rep := reporter.New(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			logger.S().Info("shutdown signal received")
			eng.Shutdown()
			rep.Portfolio(led)
			rep.Safety(gate.State())
			return nil
		case <-statusTicker.C:
			rep.Bots(eng.ListBots())
			rep.Portfolio(led)
			rep.Safety(gate.State())
		}
	}
}

func trackedPairs(eng *engine.Engine) []string {
	seen := make(map[string]bool)
	var pairs []string
	for _, bot := range eng.ListBots() {
		if !seen[bot.Pair] {
			seen[bot.Pair] = true
			pairs = append(pairs, bot.Pair)
		}
	}
	return pairs
}

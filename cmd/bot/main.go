package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_trade_exec/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_exec/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_exec/internal/infrastructure/notify"
	"github.com/vitos/crypto_trade_exec/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"github.com/vitos/crypto_trade_exec/internal/usecase"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		Testnet bool `yaml:"testnet"`
	} `yaml:"exchange"`

	Trading struct {
		Leverage         int     `yaml:"leverage"`
		MarginType       string  `yaml:"margin_type"`
		StaticAmountUSDT float64 `yaml:"static_amount_usdt"`
		LimitOrderTTLSec int     `yaml:"limit_order_ttl_sec"`
	} `yaml:"trading"`

	Risk struct {
		DynamicSizing      bool    `yaml:"dynamic_sizing"`
		RiskPercent        float64 `yaml:"risk_percent"`
		MinNotionalUSDT    float64 `yaml:"min_notional_usdt"`
		ProfitCooldownSec  int     `yaml:"profit_cooldown_sec"`
		LossCooldownSec    int     `yaml:"loss_cooldown_sec"`
	} `yaml:"risk"`

	Safety struct {
		SLATRMultiplier   float64 `yaml:"sl_atr_multiplier"`
		TPATRMultiplier   float64 `yaml:"tp_atr_multiplier"`
		FallbackSLPercent float64 `yaml:"fallback_sl_percent"`
		FallbackTPPercent float64 `yaml:"fallback_tp_percent"`

		TrailingEnabled     bool    `yaml:"trailing_enabled"`
		ActivationThreshold float64 `yaml:"activation_threshold"`
		CallbackPercent     float64 `yaml:"callback_percent"`
		MinProfitPercent    float64 `yaml:"min_profit_percent"`
		AmendMinIntervalSec int     `yaml:"amend_min_interval_sec"`

		NativeTrailingEnabled  bool    `yaml:"native_trailing_enabled"`
		NativeTrailingDelaySec int     `yaml:"native_trailing_delay_sec"`
		NativeCallbackRate     float64 `yaml:"native_callback_rate"`
	} `yaml:"safety"`

	Intervals struct {
		SafetySec   int `yaml:"safety_sec"`
		SyncSec     int `yaml:"sync_sec"`
		TrailingSec int `yaml:"trailing_sec"`
	} `yaml:"intervals"`

	Categories map[string]string `yaml:"categories"` // symbol -> category

	Storage struct {
		TrackerFile string `yaml:"tracker_file"`
		JournalDB   string `yaml:"journal_db"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// Secrets come from the environment, everything else from the yaml.
	_ = godotenv.Load()

	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		log.Fatal("BINANCE_API_KEY / BINANCE_API_SECRET not set")
	}

	binance, err := exchange.NewBinanceFutures(apiKey, apiSecret, cfg.Exchange.Testnet, log)
	if err != nil {
		log.Fatal("Failed to init exchange", zap.Error(err))
	}

	tracker, err := storage.NewFileTrackerStore(cfg.Storage.TrackerFile, log)
	if err != nil {
		log.Fatal("Failed to load tracker", zap.Error(err))
	}

	journal, err := storage.NewSQLiteJournal(cfg.Storage.JournalDB)
	if err != nil {
		log.Fatal("Failed to init trade journal", zap.Error(err))
	}
	defer journal.Close()

	chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	notifier := notify.NewTelegramNotifier(os.Getenv("TELEGRAM_BOT_TOKEN"), chatID, log)

	positions := usecase.NewPositionManager(binance, cfg.Categories, log)
	risk := usecase.NewRiskManager(binance, usecase.RiskConfig{
		DynamicSizing:   cfg.Risk.DynamicSizing,
		RiskPercent:     cfg.Risk.RiskPercent,
		MinNotionalUSDT: cfg.Risk.MinNotionalUSDT,
		ProfitCooldown:  time.Duration(cfg.Risk.ProfitCooldownSec) * time.Second,
		LossCooldown:    time.Duration(cfg.Risk.LossCooldownSec) * time.Second,
	}, log)
	safety := usecase.NewSafetyManager(binance, tracker, notifier, usecase.SafetyConfig{
		SLATRMultiplier:     cfg.Safety.SLATRMultiplier,
		TPATRMultiplier:     cfg.Safety.TPATRMultiplier,
		FallbackSLPercent:   cfg.Safety.FallbackSLPercent,
		FallbackTPPercent:   cfg.Safety.FallbackTPPercent,
		TrailingEnabled:     cfg.Safety.TrailingEnabled,
		ActivationThreshold: cfg.Safety.ActivationThreshold,
		CallbackPercent:     cfg.Safety.CallbackPercent,
		MinProfitPercent:    cfg.Safety.MinProfitPercent,
		AmendMinInterval:    time.Duration(cfg.Safety.AmendMinIntervalSec) * time.Second,
		NativeCallbackRate:  cfg.Safety.NativeCallbackRate,
		NativeMinRate:       0.1,
		NativeMaxRate:       5.0,
	}, log)
	orders := usecase.NewOrderManager(binance, tracker, risk, notifier, usecase.OrderConfig{
		LimitOrderTTL:    time.Duration(cfg.Trading.LimitOrderTTLSec) * time.Second,
		DefaultLeverage:  cfg.Trading.Leverage,
		MarginType:       cfg.Trading.MarginType,
		StaticAmountUSDT: cfg.Trading.StaticAmountUSDT,
	}, log)
	orderSync := usecase.NewOrderSyncManager(binance, tracker, positions, notifier, log)
	handler := usecase.NewOrderUpdateHandler(tracker, positions, risk, safety, journal, notifier, usecase.HandlerConfig{
		NativeTrailingEnabled: cfg.Safety.NativeTrailingEnabled,
		NativeTrailingDelay:   time.Duration(cfg.Safety.NativeTrailingDelaySec) * time.Second,
		ActivationThreshold:   cfg.Safety.ActivationThreshold,
	}, log)

	executor := usecase.NewExecutor(binance, tracker, positions, risk, safety, orders, orderSync, handler, usecase.ExecutorConfig{
		SafetyInterval:   time.Duration(cfg.Intervals.SafetySec) * time.Second,
		SyncInterval:     time.Duration(cfg.Intervals.SyncSec) * time.Second,
		TrailingInterval: time.Duration(cfg.Intervals.TrailingSec) * time.Second,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initial position sync so the busy predicate is correct immediately.
	if n, err := positions.Sync(ctx); err != nil {
		log.Error("Initial position sync failed", zap.Error(err))
	} else {
		log.Info("Positions synced", zap.Int("open", n))
	}

	// Secure anything already open before the first ticker fires.
	executor.RunSafetyMonitorOnce(ctx)

	stream := exchange.NewUserStream(binance.Client(), cfg.Exchange.Testnet, log,
		executor.HandleOrderUpdate, executor.SyncPositions)

	go stream.Run(ctx)
	go executor.RunSafetyMonitor(ctx)
	go executor.RunOrderSync(ctx)
	go executor.RunTrailingMonitor(ctx)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("Execution engine started",
		zap.Bool("testnet", cfg.Exchange.Testnet),
		zap.Int("leverage", cfg.Trading.Leverage))
	notifier.Notify("🤖 Execution engine started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	cancel()
	if err := executor.Shutdown(); err != nil {
		log.Error("Shutdown flush failed", zap.Error(err))
	}
	notifier.Notify("🛑 Execution engine stopped")
}

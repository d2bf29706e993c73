// Command sarbridge runs the XAUUSD Parabolic-SAR trading core against
// an MT4/MT5 expert advisor connected over the TCP bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raykavin/sarbridge/bridge"
	"github.com/raykavin/sarbridge/config"
	"github.com/raykavin/sarbridge/core"
	"github.com/raykavin/sarbridge/executor"
	"github.com/raykavin/sarbridge/indicator"
	"github.com/raykavin/sarbridge/ledger"
	"github.com/raykavin/sarbridge/metric"
	"github.com/raykavin/sarbridge/mirror"
	"github.com/raykavin/sarbridge/notification"
	zerologger "github.com/raykavin/sarbridge/pkg/logger/zerolog"
	"github.com/raykavin/sarbridge/protection"
	"github.com/raykavin/sarbridge/risk"
	"github.com/raykavin/sarbridge/trading"
)

const dateTimeLayout = "2006-01-02 15:04:05"

// Process exit codes.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBridgeFailure  = 2
	exitRequiresManual = 3
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sarbridge",
		Short:         "Parabolic-SAR trading core bridged to an MT4/MT5 EA",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBot,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Configuration file path")
	rootCmd.AddCommand(buildResetBreakerCmd())

	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

func buildResetBreakerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker",
		Short: "Clear the circuit breaker pause and loss streak",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return exitError{code: exitConfigError, err: err}
			}

			trades, err := ledger.New(cfg.DataDir, log)
			if err != nil {
				return exitError{code: exitConfigError, err: err}
			}
			breaker, err := protection.New(protectionConfig(cfg), cfg.DataDir, trades, log, nil)
			if err != nil {
				return exitError{code: exitConfigError, err: err}
			}
			return breaker.ForceReset()
		},
	}
}

func loadConfigAndLogger() (*config.Config, core.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	zl, err := zerologger.New(cfg.Log.Level, dateTimeLayout, cfg.Log.Colored, cfg.Log.JSONFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, zerologger.NewAdapter(zl.Logger), nil
}

func protectionConfig(cfg *config.Config) protection.Config {
	return protection.Config{
		Enabled:                   cfg.Protection.Enabled,
		ConsecutiveLossThreshold1: cfg.Protection.ConsecutiveLossThreshold1,
		ConsecutiveLossPause1:     cfg.Protection.ConsecutiveLossPause1,
		ConsecutiveLossThreshold2: cfg.Protection.ConsecutiveLossThreshold2,
		ConsecutiveLossPause2:     cfg.Protection.ConsecutiveLossPause2,
		PercentageLossWindow:      cfg.Protection.PercentageLossWindow,
		PercentageLossThreshold:   cfg.Protection.PercentageLossThreshold,
		PercentageLossPause:       cfg.Protection.PercentageLossPause,
		DailyLossEnabled:          cfg.Protection.DailyLossEnabled,
		MaxDailyLossPercentage:    cfg.Protection.MaxDailyLossPercentage,
		MaxDailyLossDollars:       cfg.Protection.MaxDailyLossDollars,
		UsePercentage:             cfg.Protection.UsePercentage,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notifier, optional.
	var notifier core.Notifier
	if cfg.Telegram.Enabled {
		var tg core.NotifierWithStart
		tg, err = notification.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log)
		if err != nil {
			return exitError{code: exitConfigError, err: err}
		}
		go tg.Start()
		notifier = tg
	}

	// Durable accounting and protection.
	trades, err := ledger.New(cfg.DataDir, log)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}
	breaker, err := protection.New(protectionConfig(cfg), cfg.DataDir, trades, log, notifier)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	// Bridge and market cache.
	cache := bridge.NewCache()
	server := bridge.NewServer(bridge.Config{
		Host:              cfg.Bridge.Host,
		Port:              cfg.Bridge.Port,
		CommandTimeout:    cfg.Bridge.CommandTimeout,
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval,
		MalformedLimit:    cfg.Bridge.MalformedLimit,
	}, cache, log)
	if err := server.Start(); err != nil {
		return exitError{code: exitBridgeFailure, err: err}
	}
	defer server.Stop()

	// Account mirror for external dashboards.
	done := make(chan struct{})
	defer close(done)
	accountMirror, err := mirror.New(cfg.DataDir, log)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}
	defer accountMirror.Close()
	go accountMirror.Run(done, cache, 30*time.Second)

	// Strategy, risk and execution.
	sar := indicator.NewSAR(cfg.Indicator.SARAcceleration, cfg.Indicator.SARMaximum)
	intent, err := trading.ParseIntent(cfg.Trading.DesiredSignal)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	exec := executor.New(server, trades, cache, cache, log, notifier)
	strategy := trading.NewStrategy(sar, intent)
	monitor := trading.NewMonitor(trading.MonitorConfig{
		CheckInterval:    cfg.Trading.PositionCheckInterval,
		TickTTL:          cfg.Trading.TickTTL,
		TimeframeMinutes: cfg.Trading.TimeframeMinutes,
		WarmupBars:       cfg.Trading.WarmupBars,
	}, cache, server, exec, sar, log)

	loop := trading.NewLoop(trading.LoopConfig{
		SignalInterval:   cfg.Trading.SignalCheckInterval,
		TickTTL:          cfg.Trading.TickTTL,
		TimeframeMinutes: cfg.Trading.TimeframeMinutes,
		WarmupBars:       cfg.Trading.WarmupBars,
		OrderComment:     cfg.Trading.OrderComment,
	},
		server,
		cache,
		exec,
		strategy,
		monitor,
		risk.NewCalculator(cfg.Trading.RiskPercentage),
		breaker,
		trading.NewSymbolDetector(cfg.Symbols.PriorityList),
		log,
		notifier,
	)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	select {
	case err := <-server.Fatal():
		log.WithError(err).Error("bridge failed, shutting down")
		stop()
		<-runErr
		printSummary(cfg, trades, log)
		return exitError{code: exitBridgeFailure, err: err}
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("trading loop failed")
		}
	}

	printSummary(cfg, trades, log)

	if stuck, err := trades.HasRequiresManual(); err == nil && stuck {
		log.Error("positions require manual resolution")
		return exitError{code: exitRequiresManual}
	}
	return nil
}

// printSummary renders the session statistics for today's trades.
func printSummary(cfg *config.Config, trades *ledger.Ledger, log core.Logger) {
	records, err := trades.TradesByDate(time.Now())
	if err != nil {
		log.WithError(err).Warn("could not load trades for summary")
		return
	}

	symbol := ""
	if len(cfg.Symbols.PriorityList) > 0 {
		symbol = cfg.Symbols.PriorityList[0]
	}

	summary := metric.NewSessionSummary(symbol)
	for _, r := range records {
		if r.Closed() {
			summary.Record(r)
		}
	}
	if len(summary.Results) == 0 {
		return
	}

	fmt.Println(summary.String())
	if err := summary.PrintHistogram(os.Stdout); err != nil {
		log.WithError(err).Debug("histogram render failed")
	}
}

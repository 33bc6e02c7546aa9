package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/book"
	"bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
	"bookflow/reader/binance"
	"bookflow/reader/kucoin"
	"bookflow/syncer"
)

// market bundles everything that runs for one synchronized order book.
type market struct {
	exchange   string
	symbol     string
	channels   *depth.Channels
	controller *syncer.Controller
	stop       func()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Engine.ReportInterval)
	}

	markets := make([]*market, 0)
	if cfg.Source.Binance.Enabled {
		for _, symbol := range cfg.Source.Binance.Symbols {
			markets = append(markets, buildBinanceMarket(ctx, cfg, symbol))
		}
	}
	if cfg.Source.Kucoin.Enabled {
		for _, symbol := range cfg.Source.Kucoin.Symbols {
			markets = append(markets, buildKucoinMarket(ctx, cfg, symbol))
		}
	}

	if len(markets) == 0 {
		log.Error("no markets configured")
		os.Exit(1)
	}

	go watchBooks(ctx, cfg, markets)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()
	for _, m := range markets {
		m.stop()
	}
	log.Info("bookflow stopped")
}

func buildBinanceMarket(ctx context.Context, cfg *config.Config, symbol string) *market {
	channels := depth.NewChannels(cfg.Channels.EventBuffer)
	snapshots := binance.NewSnapshotReader(cfg, symbol)
	deltas := binance.NewDeltaReader(cfg, channels, symbol)
	return startMarket(ctx, cfg, "binance", symbol, channels, snapshots, deltas)
}

func buildKucoinMarket(ctx context.Context, cfg *config.Config, symbol string) *market {
	channels := depth.NewChannels(cfg.Channels.EventBuffer)
	snapshots := kucoin.NewSnapshotReader(cfg, symbol)
	deltas := kucoin.NewDeltaReader(cfg, channels, symbol)
	return startMarket(ctx, cfg, "kucoin", symbol, channels, snapshots, deltas)
}

// startMarket wires one symbol's collaborators to a sync controller and
// starts both sides of the feed.
func startMarket(ctx context.Context, cfg *config.Config, exchange, symbol string, channels *depth.Channels, snapshots syncer.SnapshotSource, deltas syncer.DeltaStreamSource) *market {
	log := logger.GetLogger()

	controller := newController(cfg, exchange, symbol, snapshots, channels)

	if err := deltas.Start(ctx); err != nil {
		log.WithError(err).WithFields(logger.Fields{"exchange": exchange, "symbol": symbol}).Error("failed to start delta reader")
		os.Exit(1)
	}
	if err := controller.Start(ctx); err != nil {
		log.WithError(err).WithFields(logger.Fields{"exchange": exchange, "symbol": symbol}).Error("failed to start sync controller")
		os.Exit(1)
	}

	return &market{
		exchange:   exchange,
		symbol:     symbol,
		channels:   channels,
		controller: controller,
		stop: func() {
			deltas.Stop()
			controller.Stop()
			channels.Close()
		},
	}
}

func newController(cfg *config.Config, exchange, symbol string, snapshots syncer.SnapshotSource, channels *depth.Channels) *syncer.Controller {
	log := logger.GetLogger()

	controller := syncer.NewController(cfg, exchange, symbol, snapshots, channels)
	controller.SetOnLive(func(sessionID string, lastUpdateID int64) {
		log.WithComponent("main").WithFields(logger.Fields{
			"exchange":       exchange,
			"symbol":         symbol,
			"session":        sessionID,
			"last_update_id": lastUpdateID,
		}).Info("book is live")
	})
	controller.SetOnResync(func(sessionID string, reason error) {
		log.WithComponent("main").WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
			"session":  sessionID,
		}).WithError(reason).Warn("book resynchronizing")
	})
	return controller
}

// watchBooks periodically logs top of book and runs consistency checks over
// every live market.
func watchBooks(ctx context.Context, cfg *config.Config, markets []*market) {
	log := logger.GetLogger()

	ticker := time.NewTicker(cfg.Engine.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range markets {
				if err := m.controller.Err(); err != nil {
					log.WithComponent("watcher").WithFields(logger.Fields{
						"exchange": m.exchange,
						"symbol":   m.symbol,
					}).WithError(err).Error("sync session failed")
					continue
				}
				if m.controller.State() != syncer.StateLive {
					continue
				}

				view := m.controller.View()
				fields := logger.Fields{
					"exchange":       m.exchange,
					"symbol":         m.symbol,
					"last_update_id": view.LastUpdateID,
					"bid_levels":     len(view.Bids),
					"ask_levels":     len(view.Asks),
				}
				if bid, ok := m.controller.TopOfBook(book.SideBid); ok {
					fields["best_bid"] = bid.Price
				}
				if ask, ok := m.controller.TopOfBook(book.SideAsk); ok {
					fields["best_ask"] = ask.Price
				}
				log.WithComponent("watcher").WithFields(fields).Info("book status")

				if book.Crossed(view) {
					log.WithComponent("watcher").WithFields(fields).Error("book is crossed")
				}
				if !book.SortedSides(view) {
					log.WithComponent("watcher").WithFields(fields).Error("book sides are not sorted")
				}

				stats := m.channels.GetStats()
				log.LogMetric("watcher", "events_sent", stats.EventsSent, "counter", logger.Fields{
					"exchange": m.exchange,
					"symbol":   m.symbol,
				})
				if stats.EventsDropped > 0 {
					log.LogMetric("watcher", "events_dropped", stats.EventsDropped, "counter", logger.Fields{
						"exchange": m.exchange,
						"symbol":   m.symbol,
					})
				}
			}
		}
	}
}

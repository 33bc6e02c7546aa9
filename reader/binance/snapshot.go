package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// SnapshotReader fetches spot order book snapshots from Binance. It is the
// snapshot source behind the sync controller's validation loop, so a single
// controller may call FetchSnapshot many times in a row; the reader rate
// limits those calls to stay inside the exchange's request weight budget.
type SnapshotReader struct {
	config  *appconfig.Config
	client  *binance.Client
	limiter *rate.Limiter
	symbol  string
	log     *logger.Log
}

// NewSnapshotReader creates a snapshot reader for one symbol using the
// binance-go client over a pooled transport.
func NewSnapshotReader(cfg *appconfig.Config, symbol string) *SnapshotReader {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.Binance.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.Binance.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Reader.Timeout,
	}

	snapshotCfg := cfg.Source.Binance.Snapshot
	if parsed, err := url.Parse(snapshotCfg.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	reader := &SnapshotReader{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(snapshotCfg.RatePerSecond), snapshotCfg.Burst),
		symbol:  symbol,
		log:     log,
	}

	log.WithComponent("binance_snapshot_reader").WithFields(logger.Fields{
		"symbol":          symbol,
		"limit":           snapshotCfg.Limit,
		"rate_per_second": snapshotCfg.RatePerSecond,
	}).Info("binance snapshot reader initialized")

	return reader
}

// FetchSnapshot retrieves one depth snapshot for the reader's symbol.
func (r *SnapshotReader) FetchSnapshot(ctx context.Context) (models.Snapshot, error) {
	log := r.log.WithComponent("binance_snapshot_reader").WithFields(logger.Fields{
		"symbol":    r.symbol,
		"operation": "fetch_snapshot",
	})

	if err := r.limiter.Wait(ctx); err != nil {
		return models.Snapshot{}, err
	}

	start := time.Now()
	res, err := r.client.NewDepthService().
		Symbol(r.symbol).
		Limit(r.config.Source.Binance.Snapshot.Limit).
		Do(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth snapshot")
		return models.Snapshot{}, fmt.Errorf("binance depth snapshot: %w", err)
	}
	duration := time.Since(start)

	logger.LogPerformanceEntry(log, "binance_snapshot_reader", "api_request", duration, logger.Fields{
		"symbol": r.symbol,
	})

	snapshot := models.Snapshot{
		Exchange:     "binance",
		Symbol:       r.symbol,
		LastUpdateID: res.LastUpdateID,
		Bids:         make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:         make([]models.PriceLevel, 0, len(res.Asks)),
		Fetched:      time.Now().UTC(),
	}
	for _, bid := range res.Bids {
		snapshot.Bids = append(snapshot.Bids, models.PriceLevel{Price: bid.Price, Quantity: bid.Quantity})
	}
	for _, ask := range res.Asks {
		snapshot.Asks = append(snapshot.Asks, models.PriceLevel{Price: ask.Price, Quantity: ask.Quantity})
	}

	logger.IncrementSnapshotRead(len(snapshot.Bids) + len(snapshot.Asks))
	log.WithFields(logger.Fields{
		"last_update_id": snapshot.LastUpdateID,
		"bids":           len(snapshot.Bids),
		"asks":           len(snapshot.Asks),
	}).Debug("depth snapshot fetched")

	return snapshot, nil
}

package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// SnapshotReader fetches spot level2 order book snapshots from KuCoin over
// the public REST endpoint. The returned sequence becomes the book's
// lastUpdateId, matching the sequenceStart/sequenceEnd range of the level2
// websocket deltas.
type SnapshotReader struct {
	config  *appconfig.Config
	client  *http.Client
	limiter *rate.Limiter
	symbol  string
	log     *logger.Log
}

// NewSnapshotReader creates a snapshot reader for one symbol over a pooled
// transport.
func NewSnapshotReader(cfg *appconfig.Config, symbol string) *SnapshotReader {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.Kucoin.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.Kucoin.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.Kucoin.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.Kucoin.ConnectionPool.IdleConnTimeout,
	}

	snapshotCfg := cfg.Source.Kucoin.Snapshot
	reader := &SnapshotReader{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Reader.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(snapshotCfg.RatePerSecond), snapshotCfg.Burst),
		symbol:  symbol,
		log:     log,
	}

	log.WithComponent("kucoin_snapshot_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"url":    snapshotCfg.URL,
	}).Info("kucoin snapshot reader initialized")

	return reader
}

// FetchSnapshot retrieves one level2 snapshot for the reader's symbol.
func (r *SnapshotReader) FetchSnapshot(ctx context.Context) (models.Snapshot, error) {
	log := r.log.WithComponent("kucoin_snapshot_reader").WithFields(logger.Fields{
		"symbol":    r.symbol,
		"operation": "fetch_snapshot",
	})

	if err := r.limiter.Wait(ctx); err != nil {
		return models.Snapshot{}, err
	}

	reqURL := fmt.Sprintf("%s?symbol=%s", r.config.Source.Kucoin.Snapshot.URL, r.symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("build snapshot request: %w", err)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("failed to fetch level2 snapshot")
		return models.Snapshot{}, fmt.Errorf("kucoin level2 snapshot: %w", err)
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(log, "kucoin_snapshot_reader", "api_request", time.Since(start), logger.Fields{
		"symbol": r.symbol,
	})

	if resp.StatusCode != http.StatusOK {
		return models.Snapshot{}, fmt.Errorf("kucoin level2 snapshot: unexpected status %d", resp.StatusCode)
	}

	var kucoinResp models.KucoinSnapshotResp
	if err := json.NewDecoder(resp.Body).Decode(&kucoinResp); err != nil {
		log.WithError(err).Warn("failed to decode level2 snapshot")
		return models.Snapshot{}, fmt.Errorf("decode kucoin snapshot: %w", err)
	}
	if kucoinResp.Code != "200000" {
		return models.Snapshot{}, fmt.Errorf("kucoin level2 snapshot: code %s", kucoinResp.Code)
	}

	snapshot, err := kucoinResp.Normalize(r.symbol, time.Now().UTC())
	if err != nil {
		return models.Snapshot{}, err
	}

	logger.IncrementSnapshotRead(len(snapshot.Bids) + len(snapshot.Asks))
	log.WithFields(logger.Fields{
		"last_update_id": snapshot.LastUpdateID,
		"bids":           len(snapshot.Bids),
		"asks":           len(snapshot.Asks),
	}).Debug("level2 snapshot fetched")

	return snapshot, nil
}

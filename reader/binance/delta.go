package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sirupsen/logrus"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
	"bookflow/models"
)

// DeltaReader streams spot diff depth events for one symbol and forwards
// them, already normalized, to the depth channel feeding a sync controller.
// Events are forwarded in the exact order the websocket delivers them.
type DeltaReader struct {
	config   *appconfig.Config
	channels *depth.Channels
	symbol   string
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewDeltaReader creates a delta reader using the binance-go websocket
// client.
func NewDeltaReader(cfg *appconfig.Config, ch *depth.Channels, symbol string) *DeltaReader {
	return &DeltaReader{
		config:   cfg,
		channels: ch,
		symbol:   symbol,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start subscribes to the diff depth stream for the reader's symbol.
func (r *DeltaReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("delta reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_delta_reader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbol": r.symbol}).Info("starting delta reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("binance delta reader started successfully")
	return nil
}

// Stop terminates the websocket subscription.
func (r *DeltaReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_delta_reader").Info("stopping delta reader")
	r.wg.Wait()
	r.log.WithComponent("binance_delta_reader").Info("delta reader stopped")
}

func (r *DeltaReader) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_delta_reader").WithFields(logger.Fields{
		"symbol": r.symbol,
		"worker": "delta_stream",
	})

	handler := func(event *binance.WsDepthEvent) {
		evt := convertDepthEvent(event)
		if err := evt.Validate(); err != nil {
			logger.IncrementMalformedDrop()
			log.WithError(err).Warn("dropping malformed depth event")
			return
		}

		if r.channels.SendEvent(r.ctx, evt) {
			logger.IncrementDeltaRead(len(evt.Bids) + len(evt.Asks))
			if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				logger.LogDataFlowEntry(log, "binance_ws", "depth_events", len(evt.Bids)+len(evt.Asks), "delta_entries")
			}
		} else if r.ctx.Err() == nil {
			log.Warn("event channel full, dropping message")
		}
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := binance.WsDepthServe(r.symbol, handler, errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to diff depth stream")
			select {
			case <-time.After(r.config.Reader.ReconnectDelay):
			case <-r.ctx.Done():
				return
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("diff depth stream ended, reconnecting")
			select {
			case <-time.After(r.config.Reader.ReconnectDelay):
			case <-r.ctx.Done():
				return
			}
		}
	}
}

// convertDepthEvent maps the binance-go event onto the exchange-neutral
// delta shape.
func convertDepthEvent(event *binance.WsDepthEvent) models.DeltaEvent {
	evt := models.DeltaEvent{
		Exchange:      "binance",
		Symbol:        event.Symbol,
		FirstUpdateID: event.FirstUpdateID,
		LastUpdateID:  event.LastUpdateID,
		Bids:          make([]models.PriceLevel, 0, len(event.Bids)),
		Asks:          make([]models.PriceLevel, 0, len(event.Asks)),
		Received:      time.Now().UTC(),
	}
	for _, bid := range event.Bids {
		evt.Bids = append(evt.Bids, models.PriceLevel{Price: bid.Price, Quantity: bid.Quantity})
	}
	for _, ask := range event.Asks {
		evt.Asks = append(evt.Asks, models.PriceLevel{Price: ask.Price, Quantity: ask.Quantity})
	}
	return evt
}

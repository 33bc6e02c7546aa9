package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
	"bookflow/models"
)

// bulletResp is the response of the public websocket bootstrap endpoint. It
// carries the connect token and the websocket servers to dial.
type bulletResp struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int    `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// DeltaReader streams spot level2 deltas from the KuCoin websocket and
// forwards them, normalized, to the depth channel feeding a sync
// controller. The connection is bootstrapped through the bullet-public
// token endpoint and kept alive with protocol-level pings.
type DeltaReader struct {
	config   *appconfig.Config
	channels *depth.Channels
	symbol   string
	client   *http.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewDeltaReader creates a delta reader for one symbol.
func NewDeltaReader(cfg *appconfig.Config, ch *depth.Channels, symbol string) *DeltaReader {
	return &DeltaReader{
		config:   cfg,
		channels: ch,
		symbol:   symbol,
		client:   &http.Client{Timeout: cfg.Reader.Timeout},
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start subscribes to the level2 stream for the reader's symbol.
func (r *DeltaReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("delta reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("kucoin_delta_reader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbol": r.symbol}).Info("starting delta reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("kucoin delta reader started successfully")
	return nil
}

// Stop terminates the websocket subscription.
func (r *DeltaReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("kucoin_delta_reader").Info("stopping delta reader")
	r.wg.Wait()
	r.log.WithComponent("kucoin_delta_reader").Info("delta reader stopped")
}

func (r *DeltaReader) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("kucoin_delta_reader").WithFields(logger.Fields{
		"symbol": r.symbol,
		"worker": "delta_stream",
	})

	for {
		if r.ctx.Err() != nil {
			return
		}

		if err := r.runConnection(log); err != nil && r.ctx.Err() == nil {
			log.WithError(err).Warn("websocket connection ended, reconnecting")
		}

		select {
		case <-time.After(r.config.Reader.ReconnectDelay):
		case <-r.ctx.Done():
			return
		}
	}
}

// runConnection performs one full connect/subscribe/read cycle. It returns
// when the connection fails or the context is cancelled.
func (r *DeltaReader) runConnection(log *logger.Entry) error {
	endpoint, pingInterval, err := r.fetchBullet()
	if err != nil {
		return fmt.Errorf("websocket bootstrap: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.config.Reader.Timeout}
	conn, _, err := dialer.DialContext(r.ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("/market/level2:%s", r.symbol)
	sub := map[string]interface{}{
		"id":             uuid.NewString(),
		"type":           "subscribe",
		"topic":          topic,
		"privateChannel": false,
		"response":       true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.WithFields(logger.Fields{"topic": topic}).Info("subscribed to topic")

	done := make(chan struct{})
	defer close(done)
	go r.keepAlive(conn, pingInterval, done)

	for {
		if r.ctx.Err() != nil {
			return nil
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handleMessage(payload, log)
	}
}

// keepAlive sends protocol pings until the connection is torn down. The
// read loop notices a dead peer through the resulting read error.
func (r *DeltaReader) keepAlive(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			ping := map[string]string{"id": uuid.NewString(), "type": "ping"}
			if err := conn.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}

func (r *DeltaReader) handleMessage(payload []byte, log *logger.Entry) {
	var envelope models.KucoinWsMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		logger.IncrementMalformedDrop()
		log.WithError(err).Warn("failed to decode websocket frame")
		return
	}
	if envelope.Type != "message" {
		return
	}

	var deltaResp models.KucoinDeltaResp
	if err := json.Unmarshal(payload, &deltaResp); err != nil {
		logger.IncrementMalformedDrop()
		log.WithError(err).Warn("failed to decode level2 delta")
		return
	}

	evt, err := deltaResp.Normalize(time.Now().UTC())
	if err != nil {
		logger.IncrementMalformedDrop()
		log.WithError(err).Warn("dropping malformed level2 delta")
		return
	}

	if r.channels.SendEvent(r.ctx, evt) {
		logger.IncrementDeltaRead(len(evt.Bids) + len(evt.Asks))
	} else if r.ctx.Err() == nil {
		log.Warn("event channel full, dropping message")
	}
}

// fetchBullet obtains a public websocket token and returns the endpoint to
// dial plus the server's requested ping interval.
func (r *DeltaReader) fetchBullet() (string, time.Duration, error) {
	reqURL := fmt.Sprintf("%s/api/v1/bullet-public", r.config.Source.Kucoin.API)
	req, err := http.NewRequestWithContext(r.ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var bullet bulletResp
	if err := json.NewDecoder(resp.Body).Decode(&bullet); err != nil {
		return "", 0, err
	}
	if bullet.Code != "200000" || len(bullet.Data.InstanceServers) == 0 {
		return "", 0, fmt.Errorf("bullet-public returned code %s with %d servers", bullet.Code, len(bullet.Data.InstanceServers))
	}

	server := bullet.Data.InstanceServers[0]
	endpoint := fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, bullet.Data.Token, uuid.NewString())

	pingInterval := time.Duration(server.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 18 * time.Second
	}
	return endpoint, pingInterval, nil
}

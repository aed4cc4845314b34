package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
)

const (
	defaultTickerURL = "wss://ws.kite.trade"

	// LTP-mode packets: 4-byte instrument token + 4-byte last traded
	// price in paise, big endian.
	ltpPacketSize = 8

	tickerReadTimeout   = 30 * time.Second
	tickerWriteTimeout  = 5 * time.Second
	reconnectBackoff    = 2 * time.Second
	reconnectBackoffMax = 30 * time.Second
)

// TickHandler receives streamed quotes. Handlers must not block; the
// quote cache write path is the intended consumer.
type TickHandler func(models.Quote)

// Ticker maintains a websocket subscription to the broker's tick
// stream and decodes LTP-mode binary packets into quotes. The engine
// runs identically without it; streamed ticks only pre-warm the quote
// cache between REST polls.
type Ticker struct {
	url         string
	apiKey      string
	accessToken string
	logger      zerolog.Logger

	// byToken maps the broker's numeric instrument token back to the
	// catalog instrument. Replaced wholesale on (re)subscription.
	byToken map[uint32]models.Instrument
	handler TickHandler
}

// TickerConfig holds streaming connection settings.
type TickerConfig struct {
	URL         string
	APIKey      string
	AccessToken string
}

// NewTicker creates a tick stream client. Instruments without a token
// are skipped.
func NewTicker(cfg TickerConfig, instruments []models.Instrument, handler TickHandler, logger zerolog.Logger) *Ticker {
	url := cfg.URL
	if url == "" {
		url = defaultTickerURL
	}
	byToken := make(map[uint32]models.Instrument, len(instruments))
	for _, inst := range instruments {
		if inst.Token != 0 {
			byToken[inst.Token] = inst
		}
	}
	return &Ticker{
		url:         url,
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		byToken:     byToken,
		handler:     handler,
		logger:      logger.With().Str("component", "ticker").Logger(),
	}
}

// Run connects and pumps ticks until the context is cancelled,
// reconnecting with backoff on stream errors.
func (t *Ticker) Run(ctx context.Context) error {
	backoff := reconnectBackoff
	for {
		if err := t.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("tick stream dropped")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < reconnectBackoffMax {
			backoff *= 2
		}
	}
}

func (t *Ticker) connectAndPump(ctx context.Context) error {
	dialURL := fmt.Sprintf("%s?api_key=%s&access_token=%s", t.url, t.apiKey, t.accessToken)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial tick stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := t.subscribe(conn); err != nil {
		return err
	}
	t.logger.Info().Int("instruments", len(t.byToken)).Msg("tick stream subscribed")

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(tickerReadTimeout)); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read tick: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue // text frames carry order postbacks; not consumed here
		}
		t.decodeFrame(data)
	}
}

func (t *Ticker) subscribe(conn *websocket.Conn) error {
	tokens := make([]uint32, 0, len(t.byToken))
	for token := range t.byToken {
		tokens = append(tokens, token)
	}
	for _, msg := range []map[string]any{
		{"a": "subscribe", "v": tokens},
		{"a": "mode", "v": []any{"ltp", tokens}},
	} {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(tickerWriteTimeout)); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

// decodeFrame unpacks one binary frame: a 2-byte packet count followed
// by length-prefixed packets.
func (t *Ticker) decodeFrame(data []byte) {
	if len(data) < 2 {
		return // single-byte heartbeat
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return
		}
		pktLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+pktLen > len(data) {
			return
		}
		t.decodePacket(data[offset : offset+pktLen])
		offset += pktLen
	}
}

func (t *Ticker) decodePacket(pkt []byte) {
	if len(pkt) < ltpPacketSize {
		return
	}
	token := binary.BigEndian.Uint32(pkt[0:4])
	ltpPaise := int32(binary.BigEndian.Uint32(pkt[4:8]))

	inst, ok := t.byToken[token]
	if !ok || ltpPaise <= 0 {
		return
	}
	t.handler(models.Quote{
		Symbol:   inst.Symbol,
		Exchange: inst.Exchange,
		LTP:      models.Money(ltpPaise),
		At:       time.Now(),
	})
}

package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
)

const (
	defaultKiteBaseURL = "https://api.kite.trade"
	kiteVersionHeader  = "3"
)

// KiteBroker implements the Broker interface against a Kite Connect v3
// compatible REST API. Authentication is token-based; the access token
// comes from the environment and is never logged or persisted.
type KiteBroker struct {
	apiKey      string
	accessToken string
	baseURL     string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// Compile-time interface check.
var _ Broker = (*KiteBroker)(nil)

// KiteConfig holds connection settings for the live broker.
type KiteConfig struct {
	APIKey      string
	AccessToken string
	BaseURL     string        // defaults to the production endpoint
	Timeout     time.Duration // HTTP client timeout (default: 10s)
}

// NewKiteBroker creates a new Kite REST client.
func NewKiteBroker(cfg KiteConfig, logger zerolog.Logger) *KiteBroker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultKiteBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KiteBroker{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "kite").Logger(),
	}
}

func (k *KiteBroker) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Kite-Version", kiteVersionHeader)
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, Classify(err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var wire struct {
			Message   string `json:"message"`
			ErrorType string `json:"error_type"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Message != "" {
			apiErr.Message = wire.Message
			apiErr.ErrorType = wire.ErrorType
		}
		return nil, Classify(apiErr)
	}
	return data, nil
}

// Instruments downloads and parses the catalog dump for an exchange.
func (k *KiteBroker) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	data, err := k.do(ctx, http.MethodGet, "/instruments/"+string(exchange), nil)
	if err != nil {
		return nil, fmt.Errorf("instruments %s: %w", exchange, err)
	}
	instruments, err := ParseInstrumentsCSV(data)
	if err != nil {
		return nil, fmt.Errorf("instruments %s: %w", exchange, err)
	}
	k.logger.Debug().Str("exchange", string(exchange)).Int("count", len(instruments)).Msg("catalog downloaded")
	return instruments, nil
}

// Quotes fetches a batch of quotes in a single call.
func (k *KiteBroker) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		q.Add("i", s)
	}
	data, err := k.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("quotes: %w", err)
	}

	var wire struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
			Volume    int64   `json:"volume"`
			Depth     struct {
				Buy []struct {
					Price float64 `json:"price"`
				} `json:"buy"`
				Sell []struct {
					Price float64 `json:"price"`
				} `json:"sell"`
			} `json:"depth"`
			Timestamp string `json:"last_trade_time"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("quotes decode: %w", err)
	}

	out := make(map[string]models.Quote, len(wire.Data))
	for qualified, item := range wire.Data {
		exchange, symbol := SplitQualified(qualified)
		quote := models.Quote{
			Symbol:   symbol,
			Exchange: exchange,
			LTP:      models.MoneyFromFloat(item.LastPrice),
			Volume:   item.Volume,
			At:       time.Now(),
		}
		if len(item.Depth.Buy) > 0 {
			quote.Bid = models.MoneyFromFloat(item.Depth.Buy[0].Price)
		}
		if len(item.Depth.Sell) > 0 {
			quote.Ask = models.MoneyFromFloat(item.Depth.Sell[0].Price)
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", item.Timestamp); err == nil {
			quote.At = ts
		}
		out[qualified] = quote
	}
	return out, nil
}

// PlaceOrder submits a regular order and returns the broker order id.
func (k *KiteBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", string(req.Exchange))
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", strconv.FormatInt(req.Quantity, 10))
	form.Set("product", kiteProduct(req.Product))
	form.Set("validity", "DAY")
	form.Set("tag", req.ClientOrderID)
	if req.LimitPrice > 0 {
		form.Set("order_type", "LIMIT")
		form.Set("price", req.LimitPrice.Rupees().StringFixed(2))
	} else {
		form.Set("order_type", "MARKET")
	}

	data, err := k.do(ctx, http.MethodPost, "/orders/regular", form)
	if err != nil {
		return "", fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}
	var wire struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || wire.Data.OrderID == "" {
		return "", models.Errf(models.KindTransientBroker, "place order %s: missing order_id in response", req.Symbol)
	}
	return wire.Data.OrderID, nil
}

// OrderHistory returns the event trail for an order, oldest first.
func (k *KiteBroker) OrderHistory(ctx context.Context, brokerOrderID string) ([]models.OrderEvent, error) {
	data, err := k.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return nil, fmt.Errorf("order history %s: %w", brokerOrderID, err)
	}
	var wire struct {
		Data []struct {
			Status          string  `json:"status"`
			FilledQuantity  int64   `json:"filled_quantity"`
			AveragePrice    float64 `json:"average_price"`
			StatusMessage   string  `json:"status_message"`
			OrderTimestamp  string  `json:"order_timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("order history decode: %w", err)
	}

	events := make([]models.OrderEvent, 0, len(wire.Data))
	for _, item := range wire.Data {
		ev := models.OrderEvent{
			OrderID:   brokerOrderID,
			State:     kiteState(item.Status),
			FilledQty: item.FilledQuantity,
			AvgPrice:  models.MoneyFromFloat(item.AveragePrice),
			Reason:    item.StatusMessage,
			At:        time.Now(),
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", item.OrderTimestamp); err == nil {
			ev.At = ts
		}
		events = append(events, ev)
	}
	return events, nil
}

// CancelOrder requests cancellation of a pending order.
func (k *KiteBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := k.do(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

// Positions returns the broker's net position book.
func (k *KiteBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	data, err := k.do(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var wire struct {
		Data struct {
			Net []struct {
				TradingSymbol string  `json:"tradingsymbol"`
				Exchange      string  `json:"exchange"`
				Quantity      int64   `json:"quantity"`
				AveragePrice  float64 `json:"average_price"`
				Product       string  `json:"product"`
			} `json:"net"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("positions decode: %w", err)
	}

	out := make([]BrokerPosition, 0, len(wire.Data.Net))
	for _, item := range wire.Data.Net {
		if item.Quantity == 0 {
			continue
		}
		out = append(out, BrokerPosition{
			Symbol:    item.TradingSymbol,
			Exchange:  models.Exchange(item.Exchange),
			SignedQty: item.Quantity,
			AvgPrice:  models.MoneyFromFloat(item.AveragePrice),
			Product:   internalProduct(item.Product),
		})
	}
	return out, nil
}

// MarginFor asks the broker what margin the order requires.
func (k *KiteBroker) MarginFor(ctx context.Context, req models.OrderRequest) (models.Money, error) {
	payload, err := json.Marshal([]map[string]any{{
		"exchange":         string(req.Exchange),
		"tradingsymbol":    req.Symbol,
		"transaction_type": string(req.Side),
		"variety":          "regular",
		"product":          kiteProduct(req.Product),
		"order_type":       "MARKET",
		"quantity":         req.Quantity,
	}})
	if err != nil {
		return 0, fmt.Errorf("margin payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/margins/orders", strings.NewReader(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("margin request: %w", err)
	}
	httpReq.Header.Set("X-Kite-Version", kiteVersionHeader)
	httpReq.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(httpReq)
	if err != nil {
		return 0, Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, Classify(err)
	}
	if resp.StatusCode >= 400 {
		return 0, Classify(&APIError{Status: resp.StatusCode, Message: string(data)})
	}

	var wire struct {
		Data []struct {
			Total float64 `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || len(wire.Data) == 0 {
		return 0, models.Errf(models.KindTransientBroker, "margin response missing data for %s", req.Symbol)
	}
	return models.MoneyFromFloat(wire.Data[0].Total), nil
}

// AvailableMargin returns the free cash on the account.
func (k *KiteBroker) AvailableMargin(ctx context.Context) (models.Money, error) {
	data, err := k.do(ctx, http.MethodGet, "/user/margins/equity", nil)
	if err != nil {
		return 0, fmt.Errorf("margins: %w", err)
	}
	var wire struct {
		Data struct {
			Net float64 `json:"net"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return 0, fmt.Errorf("margins decode: %w", err)
	}
	return models.MoneyFromFloat(wire.Data.Net), nil
}

// SplitQualified splits "NFO:NIFTY24DEC24000CE" into exchange and
// symbol. Unqualified input comes back with an empty exchange.
func SplitQualified(qualified string) (models.Exchange, string) {
	if i := strings.IndexByte(qualified, ':'); i > 0 {
		return models.Exchange(qualified[:i]), qualified[i+1:]
	}
	return "", qualified
}

// kiteProduct maps the internal product to the broker's code.
func kiteProduct(p models.Product) string {
	switch p {
	case models.ProductIntraday:
		return "MIS"
	case models.ProductDelivery:
		return "CNC"
	default:
		return "NRML"
	}
}

// internalProduct maps a broker product code back to the internal one.
func internalProduct(code string) models.Product {
	switch code {
	case "MIS":
		return models.ProductIntraday
	case "CNC":
		return models.ProductDelivery
	default:
		return models.ProductNormal
	}
}

// kiteState maps a broker order status onto the internal state machine.
func kiteState(status string) models.OrderState {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return models.OrderFilled
	case "REJECTED":
		return models.OrderRejected
	case "CANCELLED", "CANCELED":
		return models.OrderCancelled
	case "OPEN", "TRIGGER PENDING", "VALIDATION PENDING", "OPEN PENDING", "PUT ORDER REQ RECEIVED":
		return models.OrderPlaced
	case "PARTIAL", "PARTIALLY FILLED":
		return models.OrderPartiallyFilled
	default:
		return models.OrderPlaced
	}
}

// ParseInstrumentsCSV decodes a Kite-format instruments dump. The same
// parser serves the live download and a local file override.
//
// Columns: instrument_token, exchange_token, tradingsymbol, name,
// last_price, expiry, strike, tick_size, lot_size, instrument_type,
// segment, exchange.
func ParseInstrumentsCSV(data []byte) ([]models.Instrument, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("instruments csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"tradingsymbol", "exchange", "instrument_type", "lot_size", "tick_size"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instruments csv missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []models.Instrument
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments csv row: %w", err)
		}

		inst := models.Instrument{
			Symbol:   field(row, "tradingsymbol"),
			Exchange: models.Exchange(field(row, "exchange")),
		}
		if v, err := strconv.ParseUint(field(row, "instrument_token"), 10, 32); err == nil {
			inst.Token = uint32(v)
		}
		if inst.Symbol == "" {
			continue
		}

		switch field(row, "instrument_type") {
		case "EQ":
			inst.Type = models.TypeEquity
		case "FUT":
			inst.Type = models.TypeFuture
		case "CE":
			inst.Type = models.TypeOptionCall
		case "PE":
			inst.Type = models.TypeOptionPut
		default:
			continue // indices, commodities etc.
		}

		inst.LotSize = 1
		if v, err := strconv.ParseInt(field(row, "lot_size"), 10, 64); err == nil && v > 0 {
			inst.LotSize = v
		}
		if v, err := strconv.ParseFloat(field(row, "tick_size"), 64); err == nil && v > 0 {
			inst.TickSize = models.MoneyFromFloat(v)
		}
		if v, err := strconv.ParseFloat(field(row, "strike"), 64); err == nil && v > 0 {
			inst.Strike = models.MoneyFromFloat(v)
		}
		if expiry := field(row, "expiry"); expiry != "" {
			if t, err := time.Parse("2006-01-02", expiry); err == nil {
				inst.Expiry = t
			}
		}
		if name := field(row, "name"); name != "" {
			inst.Underlying = name
		} else {
			inst.Underlying = inst.Symbol
		}

		out = append(out, inst)
	}
	return out, nil
}

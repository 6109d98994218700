package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/config"
	"tradegrid/internal/model"
)

const (
	_huobiAPIHost   = "api.huobi.pro"
	_huobiBaseURL   = "https://" + _huobiAPIHost
	_huobiMarketWs  = "wss://" + _huobiAPIHost + "/ws"
	_huobiAccountWs = "wss://" + _huobiAPIHost + "/ws/v2"
)

// Huobi talks to the Huobi spot API. Market and account streams are separate
// websocket endpoints; the market stream gzips every frame.
type Huobi struct {
	cfg    config.Gateway
	client *http.Client

	accountID string
	apiKey    string
	secretKey string
}

// NewHuobi builds the adapter. The first configured account signs all
// requests.
func NewHuobi(cfg config.Gateway) *Huobi {
	h := &Huobi{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if len(cfg.Accounts) > 0 {
		h.accountID = cfg.Accounts[0].AccountID
		h.apiKey = cfg.Accounts[0].APIKey
		h.secretKey = cfg.Accounts[0].SecretKey
	}
	return h
}

func (h *Huobi) Name() string { return "Huobi" }

func (h *Huobi) Close() {}

type huobiSymbolInfo struct {
	Symbol         string `json:"symbol"`
	BaseCurrency   string `json:"base-currency"`
	QuoteCurrency  string `json:"quote-currency"`
	PricePrecision uint8  `json:"price-precision"`
}

type huobiSymbolsResponse struct {
	Status string            `json:"status"`
	Data   []huobiSymbolInfo `json:"data"`
}

// FetchMetadata loads symbol precision from /v1/common/symbols, filtered to
// the configured instruments. Huobi reports symbols lowercase.
func (h *Huobi) FetchMetadata(ctx context.Context) ([]InstrumentInfo, error) {
	var resp huobiSymbolsResponse
	if err := h.get(ctx, "/v1/common/symbols", nil, false, &resp); err != nil {
		return nil, errors.Wrap(err, "fetch symbols")
	}
	if resp.Status != "ok" {
		return nil, errors.New("huobi symbols request failed").With("status", resp.Status)
	}

	wanted := make(map[string]string, len(h.cfg.Instruments))
	for _, inst := range h.cfg.Instruments {
		wanted[strings.ToLower(inst.Name)] = inst.Name
	}

	out := make([]InstrumentInfo, 0, len(wanted))
	for _, sym := range resp.Data {
		name, ok := wanted[sym.Symbol]
		if !ok {
			continue
		}
		out = append(out, InstrumentInfo{
			Base:      strings.ToUpper(sym.BaseCurrency),
			Quote:     strings.ToUpper(sym.QuoteCurrency),
			Symbol:    name,
			Precision: sym.PricePrecision,
		})
	}
	return out, nil
}

type huobiBalanceEntry struct {
	Currency string          `json:"currency"`
	Type     string          `json:"type"`
	Balance  decimal.Decimal `json:"balance"`
}

type huobiBalanceResponse struct {
	Status string `json:"status"`
	Data   struct {
		List []huobiBalanceEntry `json:"list"`
	} `json:"data"`
}

// FetchBalances returns trade balances for the assets of the given
// instruments, keyed by asset.
func (h *Huobi) FetchBalances(ctx context.Context, instruments []config.Instrument) (map[string]float64, error) {
	var resp huobiBalanceResponse
	path := fmt.Sprintf("/v1/account/accounts/%s/balance", h.accountID)
	if err := h.get(ctx, path, nil, true, &resp); err != nil {
		return nil, errors.Wrap(err, "fetch balance")
	}
	if resp.Status != "ok" {
		return nil, errors.New("huobi balance request failed").With("status", resp.Status)
	}

	assets := make(map[string]struct{}, len(instruments)*2)
	for _, inst := range instruments {
		assets[inst.Base] = struct{}{}
		assets[inst.Quote] = struct{}{}
	}

	out := make(map[string]float64, len(assets))
	for _, entry := range resp.Data.List {
		if entry.Type != "trade" {
			continue
		}
		asset := strings.ToUpper(entry.Currency)
		if _, ok := assets[asset]; !ok {
			continue
		}
		free, err := strconv.ParseFloat(entry.Balance.String(), 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse balance").With("asset", asset)
		}
		out[asset] = free
	}
	return out, nil
}

type huobiOrderResponse struct {
	Status  string `json:"status"`
	Data    string `json:"data"`
	ErrCode string `json:"err-code"`
	ErrMsg  string `json:"err-msg"`
}

func (h *Huobi) LimitBuy(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return h.placeOrder(ctx, symbol, "buy-limit", amount, price, customOrderID)
}

func (h *Huobi) LimitSell(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return h.placeOrder(ctx, symbol, "sell-limit", amount, price, customOrderID)
}

func (h *Huobi) MarketBuy(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return h.placeOrder(ctx, symbol, "buy-market", amount, 0, "")
}

func (h *Huobi) MarketSell(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return h.placeOrder(ctx, symbol, "sell-market", amount, 0, "")
}

func (h *Huobi) placeOrder(ctx context.Context, symbol, kind string, amount, price float64, customOrderID string) (Transaction, error) {
	body := map[string]string{
		"account-id": h.accountID,
		"symbol":     strings.ToLower(symbol),
		"type":       kind,
		"amount":     strconv.FormatFloat(amount, 'f', -1, 64),
	}
	if strings.HasSuffix(kind, "-limit") {
		body["price"] = strconv.FormatFloat(price, 'f', -1, 64)
	}
	if customOrderID != "" {
		body["client-order-id"] = customOrderID
	}

	var resp huobiOrderResponse
	if err := h.post(ctx, "/v1/order/orders/place", body, &resp); err != nil {
		return Transaction{}, err
	}
	if resp.Status != "ok" {
		if strings.Contains(resp.ErrCode, "insufficient") || strings.Contains(resp.ErrMsg, "insufficient") {
			return Transaction{}, ErrInsufficientBalance
		}
		return Transaction{}, errors.Errorf("huobi order failed: %s %s", resp.ErrCode, resp.ErrMsg)
	}
	orderID, err := strconv.ParseUint(resp.Data, 10, 64)
	if err != nil {
		return Transaction{}, errors.Wrap(err, "parse order id").With("data", resp.Data)
	}
	return Transaction{Symbol: symbol, OrderID: orderID}, nil
}

func (h *Huobi) CancelOrder(ctx context.Context, symbol, customOrderID string) (Transaction, error) {
	body := map[string]string{"client-order-id": customOrderID}

	var resp huobiOrderResponse
	if err := h.post(ctx, "/v1/order/orders/submitCancelClientOrder", body, &resp); err != nil {
		return Transaction{}, err
	}
	if resp.Status != "ok" {
		if strings.Contains(resp.ErrCode, "not-found") || strings.Contains(resp.ErrMsg, "not found") {
			return Transaction{}, ErrOrderNotFound
		}
		return Transaction{}, errors.Errorf("huobi cancel failed: %s %s", resp.ErrCode, resp.ErrMsg)
	}
	return Transaction{Symbol: symbol}, nil
}

type huobiMarketFrame struct {
	Ping    int64  `json:"ping"`
	Channel string `json:"ch"`
	Status  string `json:"status"`
	Tick    struct {
		Bids [][2]float64 `json:"bids"`
		Asks [][2]float64 `json:"asks"`
	} `json:"tick"`
}

// SubscribeDepth subscribes market.<symbol>.depth.step0 for every symbol and
// forwards converted snapshots to the handler. Frames arrive gzipped.
func (h *Huobi) SubscribeDepth(ctx context.Context, symbols []string, handler func(DepthUpdate)) (func(), error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, _huobiMarketWs, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial market ws")
	}
	conn.SetReadLimit(2 << 20)

	channelToSymbol := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		channel := fmt.Sprintf("market.%s.depth.step0", strings.ToLower(symbol))
		channelToSymbol[channel] = symbol
		sub := map[string]any{"sub": channel, "id": symbol}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "subscribe depth").With("symbol", symbol)
		}
	}

	stopCh := make(chan struct{})
	stop := func() {
		close(stopCh)
		conn.Close()
	}
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				conn.Close()
				return
			default:
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-stopCh:
				case <-ctx.Done():
				default:
					logs.Errorf("huobi market ws read: %v", err)
				}
				return
			}
			payload, err := gunzip(data)
			if err != nil {
				logs.Warnf("huobi market ws gunzip: %v", err)
				continue
			}
			var frame huobiMarketFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				logs.Warnf("huobi market ws decode: %v", err)
				continue
			}
			if frame.Ping != 0 {
				if err := conn.WriteJSON(map[string]int64{"pong": frame.Ping}); err != nil {
					logs.Errorf("huobi market ws pong: %v", err)
					return
				}
				continue
			}
			symbol, ok := channelToSymbol[frame.Channel]
			if !ok {
				continue
			}
			handler(DepthUpdate{
				Symbol: symbol,
				Depth: model.Depth{
					Exchange: h.Name(),
					Bids:     convertFloatSide(frame.Tick.Bids),
					Asks:     convertFloatSide(frame.Tick.Asks),
				},
			})
		}
	}()
	return stop, nil
}

func convertFloatSide(levels [][2]float64) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, model.PriceLevel{Price: lvl[0], Qty: lvl[1]})
	}
	return out
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type huobiAccountFrame struct {
	Action  string `json:"action"`
	Channel string `json:"ch"`
	Code    int    `json:"code"`
	Data    struct {
		EventType     string `json:"eventType"`
		Symbol        string `json:"symbol"`
		OrderID       uint64 `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		TradeVolume   string `json:"tradeVolume"`
		Timestamp     int64  `json:"ts"`
	} `json:"data"`
}

// SubscribeFills authenticates on the v2 account stream and forwards trade
// clearing events.
func (h *Huobi) SubscribeFills(ctx context.Context, handler func(model.FilledOrder)) (func(), error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, _huobiAccountWs, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial account ws")
	}
	conn.SetReadLimit(2 << 20)

	if err := conn.WriteJSON(h.authRequest()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send auth")
	}
	sub := map[string]string{"action": "sub", "ch": "trade.clearing#*#0"}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "subscribe fills")
	}

	stopCh := make(chan struct{})
	stop := func() {
		close(stopCh)
		conn.Close()
	}
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				conn.Close()
				return
			default:
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-stopCh:
				case <-ctx.Done():
				default:
					logs.Errorf("huobi account ws read: %v", err)
				}
				return
			}
			var frame huobiAccountFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				logs.Warnf("huobi account ws decode: %v", err)
				continue
			}
			switch frame.Action {
			case "ping":
				pong := map[string]any{"action": "pong", "data": map[string]int64{"ts": frame.Data.Timestamp}}
				if err := conn.WriteJSON(pong); err != nil {
					logs.Errorf("huobi account ws pong: %v", err)
					return
				}
			case "push":
				if frame.Data.EventType != "trade" {
					continue
				}
				handler(model.FilledOrder{
					CustomOrderID: frame.Data.ClientOrderID,
					OrderID:       frame.Data.OrderID,
					Symbol:        strings.ToUpper(frame.Data.Symbol),
					Amount:        frame.Data.TradeVolume,
				})
			}
		}
	}()
	return stop, nil
}

func (h *Huobi) authRequest() map[string]any {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05")
	params := url.Values{}
	params.Set("accessKey", h.apiKey)
	params.Set("signatureMethod", "HmacSHA256")
	params.Set("signatureVersion", "2.1")
	params.Set("timestamp", ts)

	signature := h.sign(http.MethodGet, "/ws/v2", params.Encode())
	return map[string]any{
		"action": "req",
		"ch":     "auth",
		"params": map[string]string{
			"authType":         "api",
			"accessKey":        h.apiKey,
			"signatureMethod":  "HmacSHA256",
			"signatureVersion": "2.1",
			"timestamp":        ts,
			"signature":        signature,
		},
	}
}

func (h *Huobi) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		h.signParams(http.MethodGet, path, params)
	}
	u := _huobiBaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request").With("path", path)
	}
	return h.do(req, out)
}

func (h *Huobi) post(ctx context.Context, path string, body map[string]string, out any) error {
	params := url.Values{}
	h.signParams(http.MethodPost, path, params)

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal body").With("path", path)
	}
	u := _huobiBaseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request").With("path", path)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h *Huobi) do(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "perform request").With("path", req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response").With("path", req.URL.Path)
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("huobi http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode response").With("path", req.URL.Path)
	}
	return nil
}

// signParams adds the AccessKeyId/Timestamp/Signature query parameters the
// v1 REST API expects.
func (h *Huobi) signParams(method, path string, params url.Values) {
	params.Set("AccessKeyId", h.apiKey)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))
	params.Set("Signature", h.sign(method, path, params.Encode()))
}

// sign computes the HMAC-SHA256 signature over the canonical request string.
// url.Values.Encode already sorts keys.
func (h *Huobi) sign(method, path, encodedParams string) string {
	canonical := method + "\n" + _huobiAPIHost + "\n" + path + "\n" + encodedParams
	mac := hmac.New(sha256.New, []byte(h.secretKey))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

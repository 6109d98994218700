package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"tradegrid/internal/config"
	"tradegrid/internal/model"
)

const (
	_binanceBaseURL   = "https://api.binance.com"
	_binanceBaseWsURL = "wss://stream.binance.com:9443/ws"

	_binanceErrUnknownOrder        = -2011
	_binanceErrInsufficientBalance = -2010
)

// Binance talks to the Binance spot API. Market data rides one websocket per
// symbol; account operations go through signed REST calls.
type Binance struct {
	cfg    config.Gateway
	client *http.Client

	depthWss []*ws.WebSocket

	apiKey    string
	secretKey string
}

// NewBinance builds the adapter. The first configured account signs all
// requests.
func NewBinance(ctx context.Context, cfg config.Gateway) *Binance {
	b := &Binance{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if len(cfg.Accounts) > 0 {
		b.apiKey = cfg.Accounts[0].APIKey
		b.secretKey = cfg.Accounts[0].SecretKey
	}
	return b
}

func (b *Binance) Name() string { return "Binance" }

func (b *Binance) Close() {
	for _, wss := range b.depthWss {
		wss.Close()
	}
	b.depthWss = nil
}

type binanceSymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType string `json:"filterType"`
		TickSize   string `json:"tickSize"`
	} `json:"filters"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbolInfo `json:"symbols"`
}

// FetchMetadata loads symbol precision from /api/v3/exchangeInfo, filtered to
// the configured instruments.
func (b *Binance) FetchMetadata(ctx context.Context) ([]InstrumentInfo, error) {
	var info binanceExchangeInfo
	if err := b.get(ctx, "/api/v3/exchangeInfo", nil, false, &info); err != nil {
		return nil, errors.Wrap(err, "fetch exchange info")
	}

	wanted := make(map[string]struct{}, len(b.cfg.Instruments))
	for _, inst := range b.cfg.Instruments {
		wanted[inst.Name] = struct{}{}
	}

	out := make([]InstrumentInfo, 0, len(wanted))
	for _, sym := range info.Symbols {
		if _, ok := wanted[sym.Symbol]; !ok {
			continue
		}
		precision := uint8(8)
		for _, f := range sym.Filters {
			if f.FilterType == "PRICE_FILTER" {
				precision = tickSizePrecision(f.TickSize)
			}
		}
		out = append(out, InstrumentInfo{
			Base:      sym.BaseAsset,
			Quote:     sym.QuoteAsset,
			Symbol:    sym.Symbol,
			Precision: precision,
		})
	}
	return out, nil
}

// tickSizePrecision counts the decimals of a tick size like "0.00010000".
func tickSizePrecision(tickSize string) uint8 {
	dot := strings.IndexByte(tickSize, '.')
	if dot < 0 {
		return 0
	}
	for i := dot + 1; i < len(tickSize); i++ {
		if tickSize[i] == '1' {
			return uint8(i - dot)
		}
	}
	return 0
}

type binanceBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type binanceAccount struct {
	Balances []binanceBalance `json:"balances"`
}

// FetchBalances returns free balances for the assets of the given
// instruments, keyed by asset.
func (b *Binance) FetchBalances(ctx context.Context, instruments []config.Instrument) (map[string]float64, error) {
	var acct binanceAccount
	if err := b.get(ctx, "/api/v3/account", url.Values{}, true, &acct); err != nil {
		return nil, errors.Wrap(err, "fetch account")
	}

	assets := make(map[string]struct{}, len(instruments)*2)
	for _, inst := range instruments {
		assets[inst.Base] = struct{}{}
		assets[inst.Quote] = struct{}{}
	}

	out := make(map[string]float64, len(assets))
	for _, bal := range acct.Balances {
		if _, ok := assets[bal.Asset]; !ok {
			continue
		}
		free, err := strconv.ParseFloat(bal.Free.String(), 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse balance").With("asset", bal.Asset)
		}
		out[bal.Asset] = free
	}
	return out, nil
}

type binanceOrderResponse struct {
	Symbol  string `json:"symbol"`
	OrderID uint64 `json:"orderId"`
}

func (b *Binance) LimitBuy(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return b.placeOrder(ctx, symbol, "BUY", "LIMIT", amount, price, customOrderID)
}

func (b *Binance) LimitSell(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return b.placeOrder(ctx, symbol, "SELL", "LIMIT", amount, price, customOrderID)
}

func (b *Binance) MarketBuy(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return b.placeOrder(ctx, symbol, "BUY", "MARKET", amount, 0, "")
}

func (b *Binance) MarketSell(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return b.placeOrder(ctx, symbol, "SELL", "MARKET", amount, 0, "")
}

func (b *Binance) placeOrder(ctx context.Context, symbol, side, kind string, amount, price float64, customOrderID string) (Transaction, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", kind)
	params.Set("quantity", strconv.FormatFloat(amount, 'f', -1, 64))
	if kind == "LIMIT" {
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if customOrderID != "" {
		params.Set("newClientOrderId", customOrderID)
	}

	var resp binanceOrderResponse
	if err := b.call(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return Transaction{}, err
	}
	return Transaction{Symbol: resp.Symbol, OrderID: resp.OrderID}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, customOrderID string) (Transaction, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", customOrderID)

	var resp binanceOrderResponse
	if err := b.call(ctx, http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		return Transaction{}, err
	}
	return Transaction{Symbol: resp.Symbol, OrderID: resp.OrderID}, nil
}

type binanceSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type binanceSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

type binancePartialBookDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"` // [0]price [1]quantity
	Asks         [][2]string `json:"asks"` // [0]price [1]quantity
}

// SubscribeDepth subscribes the partial book depth stream of every symbol.
// The depth20 payload does not echo the symbol, so each symbol rides its own
// connection and the reader tags snapshots with the symbol it subscribed.
func (b *Binance) SubscribeDepth(ctx context.Context, symbols []string, handler func(DepthUpdate)) (func(), error) {
	stops := make([]func(), 0, len(symbols))
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, symbol := range symbols {
		stop, err := b.subscribeSymbolDepth(ctx, symbol, handler)
		if err != nil {
			stopAll()
			return nil, errors.Wrap(err, "subscribe depth").With("symbol", symbol)
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}

func (b *Binance) subscribeSymbolDepth(ctx context.Context, symbol string, handler func(DepthUpdate)) (func(), error) {
	wss := ws.New(ctx, _binanceBaseWsURL)
	if err := wss.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start wss")
	}

	if err := wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := binanceSubscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{fmt.Sprintf("%s@depth20@100ms", strings.ToLower(symbol))},
				ID:     1,
			}
			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp binanceSubscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, true); err != nil {
		wss.Close()
		return nil, errors.Wrap(err, "send and wait")
	}
	b.depthWss = append(b.depthWss, wss)

	ch, cancel := wss.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				resp, ok := ws.ReadMessage[binancePartialBookDepth](m)
				if !ok {
					continue
				}
				handler(DepthUpdate{
					Symbol: symbol,
					Depth: model.Depth{
						Exchange: b.Name(),
						Bids:     convertBookSide(resp.Bids),
						Asks:     convertBookSide(resp.Asks),
					},
				})
			}
		}
	}()
	return cancel, nil
}

func convertBookSide(levels [][2]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			continue
		}
		out = append(out, model.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

type binanceExecutionReport struct {
	EventType     string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	ExecutionType string `json:"x"`
	OrderID       uint64 `json:"i"`
	LastFilledQty string `json:"l"`
}

// SubscribeFills opens the user data stream and forwards trade executions.
func (b *Binance) SubscribeFills(ctx context.Context, handler func(model.FilledOrder)) (func(), error) {
	listenKey, err := b.createListenKey(ctx)
	if err != nil {
		return nil, err
	}

	userWss := ws.New(ctx, _binanceBaseWsURL+"/"+listenKey)
	if err := userWss.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start user stream")
	}

	ch, cancel := userWss.Subscribe()
	stop := func() {
		cancel()
		userWss.Close()
	}
	go func() {
		defer stop()
		keepAlive := time.NewTicker(30 * time.Minute)
		defer keepAlive.Stop()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				if err := b.keepAliveListenKey(ctx, listenKey); err != nil {
					logs.Errorf("keep alive listen key: %v", err)
				}
			case m, ok := <-ch:
				if !ok {
					return
				}
				report, ok := ws.ReadMessage[binanceExecutionReport](m)
				if !ok || report.EventType != "executionReport" || report.ExecutionType != "TRADE" {
					continue
				}
				handler(model.FilledOrder{
					CustomOrderID: report.ClientOrderID,
					OrderID:       report.OrderID,
					Symbol:        report.Symbol,
					Amount:        report.LastFilledQty,
				})
			}
		}
	}()
	return stop, nil
}

func (b *Binance) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, _binanceBaseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", errors.Wrap(err, "build listen key request")
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create listen key")
	}
	defer resp.Body.Close()

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(err, "decode listen key")
	}
	if payload.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return payload.ListenKey, nil
}

func (b *Binance) keepAliveListenKey(ctx context.Context, listenKey string) error {
	u := _binanceBaseURL + "/api/v3/userDataStream?listenKey=" + url.QueryEscape(listenKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return errors.Wrap(err, "build keep alive request")
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "keep alive listen key")
	}
	resp.Body.Close()
	return nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// call performs a signed REST request with params in the query string.
func (b *Binance) call(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", b.sign(params.Encode()))

	req, err := http.NewRequestWithContext(ctx, method, _binanceBaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "build request").With("path", path)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	return b.do(req, out)
}

// get performs a GET request, signed when required.
func (b *Binance) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if signed {
		return b.call(ctx, http.MethodGet, path, params, out)
	}
	u := _binanceBaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request").With("path", path)
	}
	return b.do(req, out)
}

func (b *Binance) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "perform request").With("path", req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response").With("path", req.URL.Path)
	}

	if resp.StatusCode >= 400 {
		var apiErr binanceError
		if json.Unmarshal(body, &apiErr) == nil {
			switch apiErr.Code {
			case _binanceErrUnknownOrder:
				return ErrOrderNotFound
			case _binanceErrInsufficientBalance:
				return ErrInsufficientBalance
			}
			return errors.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return errors.Errorf("binance http %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode response").With("path", req.URL.Path)
	}
	return nil
}

func (b *Binance) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

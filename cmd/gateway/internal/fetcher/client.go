package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

const (
	quotePath      = "/simple/price"
	ohlcPathFormat = "/coins/%s/ohlc"
	apiKeyHeader   = "x-cg-demo-api-key"
	maxBodyBytes   = 4 << 20
)

var maxTimestamp = decimal.NewFromInt(math.MaxInt64)

// Client fetches quotes and OHLC series from a CoinGecko-compatible API and
// normalizes them. Calls are independent; it does not dedupe or cache.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	currency   string
	userAgent  string
	ids        map[string]string
	logger     *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client built from the configured timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(cfg config.RemoteConfig, logger *zap.Logger, opts ...Option) *Client {
	ids := make(map[string]string, len(cfg.IDs))
	for k, v := range cfg.IDs {
		ids[strings.ToUpper(k)] = v
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		currency:   currency,
		userAgent:  cfg.UserAgent,
		ids:        ids,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProviderID maps an entity id such as BTC to the provider's coin id.
func (c *Client) ProviderID(entityID string) string {
	if id, ok := c.ids[strings.ToUpper(entityID)]; ok {
		return id
	}
	return strings.ToLower(entityID)
}

// FetchQuote returns the current price and 24h change of entityID.
func (c *Client) FetchQuote(ctx context.Context, entityID string) (models.Quote, error) {
	const op = "quote"
	id := c.ProviderID(entityID)

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", c.currency)
	q.Set("include_24hr_change", "true")

	body, err := c.get(ctx, op, entityID, c.baseURL+quotePath+"?"+q.Encode())
	if err != nil {
		return models.Quote{}, err
	}

	var raw map[string]map[string]json.Number
	if err := decode(body, &raw); err != nil {
		return models.Quote{}, &NormalizationError{Op: op, EntityID: entityID, Field: "body", Cause: err}
	}
	return parseQuote(entityID, id, c.currency, raw)
}

// FetchCandles returns the OHLC series of entityID for res, oldest first.
func (c *Client) FetchCandles(ctx context.Context, entityID string, res models.Resolution) ([]models.Candle, error) {
	const op = "candles"
	if !res.Valid() {
		return nil, fmt.Errorf("fetch candles %s: %w: %q", entityID, models.ErrInvalidResolution, res)
	}

	q := url.Values{}
	q.Set("vs_currency", c.currency)
	q.Set("days", strconv.Itoa(res.Days()))

	endpoint := c.baseURL + fmt.Sprintf(ohlcPathFormat, url.PathEscape(c.ProviderID(entityID))) + "?" + q.Encode()
	body, err := c.get(ctx, op, entityID, endpoint)
	if err != nil {
		return nil, err
	}

	var raw [][]json.Number
	if err := decode(body, &raw); err != nil {
		return nil, &NormalizationError{Op: op, EntityID: entityID, Field: "body", Cause: err}
	}
	return parseOHLC(entityID, raw)
}

func (c *Client) get(ctx context.Context, op, entityID, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &RemoteDataError{Op: op, EntityID: entityID, Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteDataError{Op: op, EntityID: entityID, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RemoteDataError{Op: op, EntityID: entityID, StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Upstream rejected request",
			zap.String("op", op),
			zap.String("entity", entityID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &RemoteDataError{
			Op:         op,
			EntityID:   entityID,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return body, nil
}

func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func parseQuote(entityID, providerID, currency string, raw map[string]map[string]json.Number) (models.Quote, error) {
	const op = "quote"
	fields, ok := raw[providerID]
	if !ok {
		return models.Quote{}, &NormalizationError{Op: op, EntityID: entityID, Field: providerID, Cause: errMissing}
	}

	priceField := currency
	changeField := currency + "_24h_change"

	price, err := number(fields, priceField, false)
	if err != nil {
		return models.Quote{}, &NormalizationError{Op: op, EntityID: entityID, Field: priceField, Cause: err}
	}
	if price <= 0 {
		return models.Quote{}, &NormalizationError{Op: op, EntityID: entityID, Field: priceField, Cause: errBadNumber}
	}
	change, err := number(fields, changeField, true)
	if err != nil {
		return models.Quote{}, &NormalizationError{Op: op, EntityID: entityID, Field: changeField, Cause: err}
	}

	return models.Quote{Price: price, PriceChange24hPct: change}, nil
}

func number(fields map[string]json.Number, key string, signed bool) (float64, error) {
	n, ok := fields[key]
	if !ok || n == "" {
		return 0, errMissing
	}
	return parseDecimal(n, signed)
}

func parseDecimal(n json.Number, signed bool) (float64, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, err
	}
	if !signed && d.IsNegative() {
		return 0, errBadNumber
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, errBadNumber
	}
	return f, nil
}

// parseOHLC converts vendor rows into candles.
//
// Row layout:
//
//	[0] open time (unix ms)
//	[1] open
//	[2] high
//	[3] low
//	[4] close
//	[5] volume (optional)
func parseOHLC(entityID string, raw [][]json.Number) ([]models.Candle, error) {
	const op = "candles"
	if len(raw) == 0 {
		return nil, &NormalizationError{Op: op, EntityID: entityID, Field: "rows", Cause: errMissing}
	}

	byTime := make(map[int64]models.Candle, len(raw))
	for i, row := range raw {
		field := func(name string) string { return fmt.Sprintf("rows[%d].%s", i, name) }

		if len(row) < 5 {
			return nil, &NormalizationError{Op: op, EntityID: entityID, Field: field("len"),
				Cause: fmt.Errorf("%d fields, want >= 5", len(row))}
		}

		ts, err := decimal.NewFromString(row[0].String())
		if err == nil && (ts.Sign() <= 0 || ts.GreaterThan(maxTimestamp)) {
			err = errBadNumber
		}
		if err != nil {
			return nil, &NormalizationError{Op: op, EntityID: entityID, Field: field("timestamp"), Cause: err}
		}

		var vals [5]float64
		names := [5]string{"open", "high", "low", "close", "volume"}
		for j := 0; j < 5; j++ {
			if j == 4 && len(row) < 6 {
				break
			}
			v, err := parseDecimal(row[j+1], false)
			if err != nil {
				return nil, &NormalizationError{Op: op, EntityID: entityID, Field: field(names[j]), Cause: err}
			}
			vals[j] = v
		}

		c := models.Candle{
			TimestampMs: ts.IntPart(),
			Open:        vals[0],
			High:        vals[1],
			Low:         vals[2],
			Close:       vals[3],
			Volume:      vals[4],
		}
		if !c.Valid() {
			return nil, &NormalizationError{Op: op, EntityID: entityID, Field: field("ohlc"),
				Cause: fmt.Errorf("low %v / high %v outside open %v close %v", c.Low, c.High, c.Open, c.Close)}
		}
		byTime[c.TimestampMs] = c
	}

	out := make([]models.Candle, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

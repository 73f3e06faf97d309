// Package generator serves a CoinGecko-compatible market feed backed by
// synthetic data, failing a configurable share of requests.
package generator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/synthetic"
)

// maxDrift bounds how far a walked price may leave its base, as a fraction.
const maxDrift = 0.25

type Feed struct {
	logger      *zap.Logger
	clock       Clock
	failureRate float64
	symbols     map[string]string // provider id -> symbol

	mu     sync.Mutex // guards rand, gen and prices
	rand   Rand
	gen    *synthetic.Generator
	prices map[string]float64
}

func NewFeed(logger *zap.Logger, cfg *config.Config, rnd Rand, clock Clock) *Feed {
	symbols := make(map[string]string, len(cfg.Remote.IDs))
	for symbol, id := range cfg.Remote.IDs {
		symbols[strings.ToLower(id)] = strings.ToUpper(symbol)
	}
	return &Feed{
		logger:      logger,
		clock:       clock,
		failureRate: cfg.Generator.FailureRate,
		symbols:     symbols,
		rand:        rnd,
		gen:         synthetic.NewGenerator(rnd),
		prices:      make(map[string]float64),
	}
}

// Handler routes the two endpoints the gateway's fetch client calls.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /simple/price", f.handlePrice)
	mux.HandleFunc("GET /coins/{id}/ohlc", f.handleOHLC)
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"gecko_says": "(V3) To the Moon!"})
	})
	return mux
}

func (f *Feed) handlePrice(w http.ResponseWriter, r *http.Request) {
	if f.fail(w, r) {
		return
	}
	q := r.URL.Query()
	ids := splitList(q.Get("ids"))
	currencies := splitList(q.Get("vs_currencies"))
	if len(ids) == 0 || len(currencies) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing 'ids' or 'vs_currencies'"})
		return
	}
	withChange := q.Get("include_24hr_change") == "true"

	out := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		symbol, ok := f.symbols[id]
		if !ok {
			// unknown ids are left out of the response, not rejected
			continue
		}
		quote := f.quote(symbol)
		fields := make(map[string]float64, 2*len(currencies))
		for _, cur := range currencies {
			fields[cur] = quote.Price
			if withChange {
				fields[cur+"_24h_change"] = quote.PriceChange24hPct
			}
		}
		out[id] = fields
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Feed) handleOHLC(w http.ResponseWriter, r *http.Request) {
	if f.fail(w, r) {
		return
	}
	symbol, ok := f.symbols[strings.ToLower(r.PathValue("id"))]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "coin not found"})
		return
	}
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'days'"})
		return
	}

	quote := f.quote(symbol)
	res := resolutionFor(days)

	f.mu.Lock()
	candles := f.gen.Candles(symbol, res, quote.Price, quote.PriceChange24hPct, f.clock.Now())
	f.mu.Unlock()

	rows := make([][5]float64, len(candles))
	for i, c := range candles {
		rows[i] = [5]float64{float64(c.TimestampMs), c.Open, c.High, c.Low, c.Close}
	}
	writeJSON(w, http.StatusOK, rows)
}

// fail rejects the request with 503 or 429 at the configured rate.
func (f *Feed) fail(w http.ResponseWriter, r *http.Request) bool {
	if f.failureRate <= 0 {
		return false
	}
	f.mu.Lock()
	roll := f.rand.Float64()
	pick := f.rand.Intn(2)
	f.mu.Unlock()

	if roll >= f.failureRate {
		return false
	}
	status := http.StatusServiceUnavailable
	if pick == 1 {
		status = http.StatusTooManyRequests
	}
	f.logger.Debug("Injected failure", zap.String("path", r.URL.Path), zap.Int("status", status))
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
	return true
}

// quote walks the symbol's price one step and reports the change against its base.
func (f *Feed) quote(symbol string) models.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := synthetic.BasePrice(symbol)
	price, ok := f.prices[symbol]
	if !ok {
		price = base
	}
	price *= 1 + (f.rand.Float64()-0.5)*0.01
	if price > base*(1+maxDrift) || price < base*(1-maxDrift) {
		price = base
	}
	f.prices[symbol] = price

	return models.Quote{Price: price, PriceChange24hPct: (price - base) / base * 100}
}

// resolutionFor picks the shortest resolution covering days.
func resolutionFor(days int) models.Resolution {
	all := models.Resolutions()
	for _, res := range all {
		if res.Days() >= days {
			return res
		}
	}
	return all[len(all)-1]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

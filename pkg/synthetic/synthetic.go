// Package synthetic produces plausible market data when the real source is unavailable.
//
// Every function here is total: bad seeds fall back to a per-symbol base price and
// every valid resolution yields a full, OHLC-valid series.
package synthetic

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

// for deterministic values
type Rand interface {
	Intn(n int) int
	Float64() float64
}

const (
	defaultBasePrice = 100.0
	// keeps the walk's high and volume finite
	maxSeedPrice = 1e12
)

var basePrices = map[string]float64{
	"BTC":   65000,
	"ETH":   3400,
	"BNB":   580,
	"SOL":   150,
	"XRP":   0.55,
	"ADA":   0.45,
	"DOGE":  0.12,
	"MATIC": 0.7,
	"DOT":   6.5,
	"LINK":  14,
	"USDT":  1,
	"USDC":  1,
}

// BasePrice is the reference price used when no usable seed is known.
func BasePrice(symbol string) float64 {
	if p, ok := basePrices[strings.ToUpper(symbol)]; ok {
		return p
	}
	return defaultBasePrice
}

// SeedPrice returns seed if it is a usable price, else the symbol's base price.
// Seeds above 1e12 are capped there.
func SeedPrice(symbol string, seed float64) float64 {
	if seed > 0 && !math.IsInf(seed, 0) && !math.IsNaN(seed) {
		return math.Min(seed, maxSeedPrice)
	}
	return BasePrice(symbol)
}

func sanitizeChange(pct float64) float64 {
	if math.IsNaN(pct) {
		return 0
	}
	return math.Max(-90, math.Min(900, pct))
}

// ImpliedPrior derives the price 24h ago from the current price and its 24h change.
func ImpliedPrior(price, change24hPct float64) float64 {
	return price / (1 + sanitizeChange(change24hPct)/100)
}

// per-step volatility bound, as a fraction of price
func volatility(res models.Resolution) float64 {
	switch res {
	case models.Resolution1D:
		return 0.004
	case models.Resolution7D, models.Resolution30D:
		return 0.012
	default:
		return 0.02
	}
}

// Quote builds a quote around the seed price.
func Quote(symbol string, seedPrice, change24hPct float64) models.Quote {
	return models.Quote{
		Price:             SeedPrice(symbol, seedPrice),
		PriceChange24hPct: sanitizeChange(change24hPct),
	}
}

// Candles builds a full series for res ending at the step containing now. The
// output is stable for the same symbol, resolution and step.
func Candles(symbol string, res models.Resolution, seedPrice, change24hPct float64, now time.Time) []models.Candle {
	if !res.Valid() {
		return nil
	}
	end := now.Truncate(res.Step())
	rnd := rand.New(rand.NewSource(seedFor(symbol, res, end)))
	return build(symbol, res, seedPrice, change24hPct, end, rnd)
}

// Payload is Candles or Quote wrapped for the given subject.
func Payload(subject models.Subject, seedPrice, change24hPct float64, now time.Time) models.Payload {
	if subject.IsQuote() {
		q := Quote(subject.EntityID, seedPrice, change24hPct)
		return models.Payload{Quote: &q}
	}
	return models.Payload{Candles: Candles(subject.EntityID, subject.Resolution, seedPrice, change24hPct, now)}
}

func seedFor(symbol string, res models.Resolution, end time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	h.Write([]byte{0})
	h.Write([]byte(res))
	var b [8]byte
	u := uint64(end.Unix())
	for i := range b {
		b[i] = byte(u >> (8 * i))
	}
	h.Write(b[:])
	return int64(h.Sum64() & math.MaxInt64)
}

// build walks from the implied prior price to the seed price over res.Points() steps.
func build(symbol string, res models.Resolution, seedPrice, change24hPct float64, end time.Time, rnd Rand) []models.Candle {
	price := SeedPrice(symbol, seedPrice)
	prior := ImpliedPrior(price, change24hPct)
	n := res.Points()
	step := res.Step()
	vol := volatility(res)
	start := end.Add(-time.Duration(n-1) * step)

	out := make([]models.Candle, n)
	prevClose := prior
	for i := 0; i < n; i++ {
		trend := price
		if n > 1 {
			trend = prior + (price-prior)*float64(i)/float64(n-1)
		}
		closePrice := trend * (1 + (rnd.Float64()*2-1)*vol)
		if i == n-1 {
			closePrice = price
		}
		open := prevClose
		high := math.Max(open, closePrice) * (1 + rnd.Float64()*vol/2)
		low := math.Min(open, closePrice) * (1 - rnd.Float64()*vol/2)

		out[i] = models.Candle{
			TimestampMs: start.Add(time.Duration(i) * step).UnixMilli(),
			Open:        open,
			High:        high,
			Low:         low,
			Close:       closePrice,
			Volume:      (0.5 + rnd.Float64()) * 1e6 / price,
		}
		prevClose = closePrice
	}
	return out
}

// Generator produces non-repeating synthetic data from an injected source of
// randomness. The mock market feed serves it.
type Generator struct {
	rand Rand
}

func NewGenerator(rnd Rand) *Generator {
	return &Generator{rand: rnd}
}

// Quote jitters the seed price by up to half a percent.
func (g *Generator) Quote(symbol string, seedPrice, change24hPct float64) models.Quote {
	q := Quote(symbol, seedPrice, change24hPct)
	q.Price *= 1 + (g.rand.Float64()-0.5)*0.01
	return q
}

func (g *Generator) Candles(symbol string, res models.Resolution, seedPrice, change24hPct float64, now time.Time) []models.Candle {
	if !res.Valid() {
		return nil
	}
	return build(symbol, res, seedPrice, change24hPct, now.Truncate(res.Step()), g.rand)
}

type RealRand struct{ *rand.Rand }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

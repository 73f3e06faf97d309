package synthetic_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/synthetic"
)

var now = time.Date(2024, 3, 10, 12, 17, 0, 0, time.UTC)

func TestCandles_OHLCInvariant(t *testing.T) {
	seeds := []float64{0.12, 3400, 65000, 0, -5, math.NaN()}
	changes := []float64{-12.5, 0, 4.2, 250}

	for _, res := range models.Resolutions() {
		for _, seed := range seeds {
			for _, change := range changes {
				candles := synthetic.Candles("BTC", res, seed, change, now)
				require.Len(t, candles, res.Points(), "res=%s seed=%v", res, seed)

				p := models.Payload{Candles: candles}
				require.NoError(t, p.Validate(), "res=%s seed=%v change=%v", res, seed, change)
				for i, c := range candles {
					assert.LessOrEqual(t, c.Low, math.Min(c.Open, c.Close), "candle %d", i)
					assert.GreaterOrEqual(t, c.High, math.Max(c.Open, c.Close), "candle %d", i)
					assert.Greater(t, c.Low, 0.0)
				}
			}
		}
	}
}

func TestCandles_EndsAtSeed(t *testing.T) {
	candles := synthetic.Candles("ETH", models.Resolution7D, 3000, 10, now)
	require.NotEmpty(t, candles)
	assert.Equal(t, 3000.0, candles[len(candles)-1].Close)

	// first open is the implied prior price
	assert.InDelta(t, 3000/1.1, candles[0].Open, 1e-9)
}

func TestCandles_Deterministic(t *testing.T) {
	a := synthetic.Candles("SOL", models.Resolution30D, 150, 2, now)
	b := synthetic.Candles("SOL", models.Resolution30D, 150, 2, now.Add(time.Minute))
	assert.Equal(t, a, b, "same step bucket should give the same series")

	c := synthetic.Candles("ADA", models.Resolution30D, 150, 2, now)
	assert.NotEqual(t, a, c)
}

func TestCandles_InvalidResolution(t *testing.T) {
	assert.Nil(t, synthetic.Candles("BTC", models.Resolution("2W"), 1, 0, now))
}

func TestCandles_ExtremeSeed(t *testing.T) {
	for _, res := range models.Resolutions() {
		candles := synthetic.Candles("BTC", res, math.MaxFloat64, 900, now)
		require.Len(t, candles, res.Points())
		require.NoError(t, models.Payload{Candles: candles}.Validate(), "res=%s", res)
		assert.Equal(t, 1e12, candles[len(candles)-1].Close)
	}

	q := synthetic.Quote("BTC", math.MaxFloat64, 0)
	assert.Equal(t, 1e12, q.Price)
}

func TestSeedPrice_FallsBack(t *testing.T) {
	assert.Equal(t, 65000.0, synthetic.SeedPrice("btc", 0))
	assert.Equal(t, 100.0, synthetic.SeedPrice("UNKNOWN", math.Inf(1)))
	assert.Equal(t, 42.0, synthetic.SeedPrice("BTC", 42))
}

func TestPayload_Quote(t *testing.T) {
	subject, err := models.QuoteSubject("eth")
	require.NoError(t, err)

	p := synthetic.Payload(subject, 0, math.NaN(), now)
	require.NotNil(t, p.Quote)
	assert.Equal(t, 3400.0, p.Quote.Price)
	assert.Equal(t, 0.0, p.Quote.PriceChange24hPct)
	assert.NoError(t, p.Validate())
}

func TestGenerator_UsesInjectedRand(t *testing.T) {
	gen := synthetic.NewGenerator(synthetic.RealRand{Rand: rand.New(rand.NewSource(7))})

	for _, res := range models.Resolutions() {
		candles := gen.Candles("DOGE", res, 0.1, -3, now)
		require.Len(t, candles, res.Points())
		assert.NoError(t, models.Payload{Candles: candles}.Validate())
	}

	q := gen.Quote("BTC", 60000, 1)
	assert.InDelta(t, 60000, q.Price, 300)
}

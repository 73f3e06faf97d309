package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

var ErrUpstream = errors.New("upstream unavailable")

// MockFetcher answers synchronously through the configured funcs and counts calls.
type MockFetcher struct {
	QuoteFunc   func(ctx context.Context, entityID string) (models.Quote, error)
	CandlesFunc func(ctx context.Context, entityID string, res models.Resolution) ([]models.Candle, error)

	Mu          sync.Mutex
	QuoteCalls  int
	CandleCalls int
}

func (m *MockFetcher) FetchQuote(ctx context.Context, entityID string) (models.Quote, error) {
	m.Mu.Lock()
	m.QuoteCalls++
	m.Mu.Unlock()

	if m.QuoteFunc == nil {
		return models.Quote{}, ErrUpstream
	}
	return m.QuoteFunc(ctx, entityID)
}

func (m *MockFetcher) FetchCandles(ctx context.Context, entityID string, res models.Resolution) ([]models.Candle, error) {
	m.Mu.Lock()
	m.CandleCalls++
	m.Mu.Unlock()

	if m.CandlesFunc == nil {
		return nil, ErrUpstream
	}
	return m.CandlesFunc(ctx, entityID, res)
}

func (m *MockFetcher) Calls() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.QuoteCalls + m.CandleCalls
}

// PendingFetch is one call parked inside a GatedFetcher until the test resolves it.
type PendingFetch struct {
	EntityID   string
	Resolution models.Resolution
	Ctx        context.Context
	done       chan fetchResult
}

type fetchResult struct {
	quote   models.Quote
	candles []models.Candle
	err     error
}

func (p *PendingFetch) SucceedCandles(c []models.Candle) { p.done <- fetchResult{candles: c} }
func (p *PendingFetch) SucceedQuote(q models.Quote)      { p.done <- fetchResult{quote: q} }
func (p *PendingFetch) Fail(err error)                   { p.done <- fetchResult{err: err} }

// GatedFetcher blocks every call until the test resolves it, so tests control
// the order in which concurrent fetches complete.
type GatedFetcher struct {
	Calls chan *PendingFetch
	// IgnoreCancel keeps a call parked after its context is cancelled.
	IgnoreCancel bool
}

func NewGatedFetcher() *GatedFetcher {
	return &GatedFetcher{Calls: make(chan *PendingFetch, 32)}
}

func (g *GatedFetcher) park(ctx context.Context, entityID string, res models.Resolution) fetchResult {
	p := &PendingFetch{EntityID: entityID, Resolution: res, Ctx: ctx, done: make(chan fetchResult, 1)}
	g.Calls <- p

	if g.IgnoreCancel {
		return <-p.done
	}
	select {
	case r := <-p.done:
		return r
	case <-ctx.Done():
		return fetchResult{err: ctx.Err()}
	}
}

func (g *GatedFetcher) FetchQuote(ctx context.Context, entityID string) (models.Quote, error) {
	r := g.park(ctx, entityID, "")
	return r.quote, r.err
}

func (g *GatedFetcher) FetchCandles(ctx context.Context, entityID string, res models.Resolution) ([]models.Candle, error) {
	r := g.park(ctx, entityID, res)
	return r.candles, r.err
}

// Series builds n valid candles one hour apart, closing at last.
func Series(n int, last float64) []models.Candle {
	out := make([]models.Candle, n)
	base := int64(1709251200000)
	for i := range out {
		price := last * (0.9 + 0.1*float64(i+1)/float64(n))
		out[i] = models.Candle{
			TimestampMs: base + int64(i)*3_600_000,
			Open:        price,
			High:        price * 1.01,
			Low:         price * 0.99,
			Close:       price,
			Volume:      10,
		}
	}
	return out
}

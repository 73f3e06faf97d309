// Package clock abstracts wall-clock time so timers can be driven by hand in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

func (Real) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Manual is a Clock that only moves when Advance or Tick is called.
// It keeps track of live tickers so callers can assert none leaked.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[*manualTicker]struct{}
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tickers: make(map[*manualTicker]struct{})}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves time forward without firing tickers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleep returns immediately after advancing time by d.
func (m *Manual) Sleep(d time.Duration) { m.Advance(d) }

// Set jumps to t without firing tickers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	t := &manualTicker{clock: m, period: d, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	m.tickers[t] = struct{}{}
	m.mu.Unlock()
	return t
}

// Tick fires every live ticker once. A tick is dropped if the previous one
// was not consumed yet, as with time.Ticker.
func (m *Manual) Tick() {
	m.mu.Lock()
	now := m.now
	live := make([]*manualTicker, 0, len(m.tickers))
	for t := range m.tickers {
		live = append(live, t)
	}
	m.mu.Unlock()

	for _, t := range live {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// ActiveTickers is the number of tickers created and not yet stopped.
func (m *Manual) ActiveTickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

type manualTicker struct {
	clock  *Manual
	period time.Duration
	ch     chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	delete(t.clock.tickers, t)
	t.clock.mu.Unlock()
}

package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidSubject    = errors.New("invalid subject")
)

// Resolution selects the look-back window of a candle series.
type Resolution string

const (
	Resolution1D  Resolution = "1D"
	Resolution7D  Resolution = "7D"
	Resolution30D Resolution = "30D"
	Resolution90D Resolution = "90D"
	Resolution1Y  Resolution = "1Y"
)

type resolutionSpec struct {
	window time.Duration
	step   time.Duration
	days   int
}

var resolutions = map[Resolution]resolutionSpec{
	Resolution1D:  {window: 24 * time.Hour, step: 30 * time.Minute, days: 1},
	Resolution7D:  {window: 7 * 24 * time.Hour, step: 4 * time.Hour, days: 7},
	Resolution30D: {window: 30 * 24 * time.Hour, step: 4 * time.Hour, days: 30},
	Resolution90D: {window: 90 * 24 * time.Hour, step: 24 * time.Hour, days: 90},
	Resolution1Y:  {window: 365 * 24 * time.Hour, step: 24 * time.Hour, days: 365},
}

// Resolutions lists every supported resolution, shortest window first.
func Resolutions() []Resolution {
	return []Resolution{Resolution1D, Resolution7D, Resolution30D, Resolution90D, Resolution1Y}
}

// ParseResolution accepts any casing of a supported resolution.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := resolutions[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	return r, nil
}

func (r Resolution) Valid() bool {
	_, ok := resolutions[r]
	return ok
}

func (r Resolution) Window() time.Duration { return resolutions[r].window }
func (r Resolution) Step() time.Duration   { return resolutions[r].step }

// Days is the look-back expressed the way market-data vendors take it.
func (r Resolution) Days() int { return resolutions[r].days }

// Points is the number of candles a full series of this resolution holds.
func (r Resolution) Points() int {
	spec, ok := resolutions[r]
	if !ok || spec.step == 0 {
		return 0
	}
	return int(spec.window / spec.step)
}

// Subject identifies what a synchronizer mirrors. An empty Resolution means a live quote.
type Subject struct {
	EntityID   string
	Resolution Resolution
}

// NewSubject normalizes the entity id and validates the resolution.
func NewSubject(entityID string, res Resolution) (Subject, error) {
	id := strings.ToUpper(strings.TrimSpace(entityID))
	if id == "" {
		return Subject{}, fmt.Errorf("%w: empty entity id", ErrInvalidSubject)
	}
	if res != "" && !res.Valid() {
		return Subject{}, fmt.Errorf("%w: %q", ErrInvalidResolution, res)
	}
	return Subject{EntityID: id, Resolution: res}, nil
}

// QuoteSubject is a Subject for the live price of an entity.
func QuoteSubject(entityID string) (Subject, error) {
	return NewSubject(entityID, "")
}

func (s Subject) IsQuote() bool { return s.Resolution == "" }

// Key is the cache and wire identity of a subject.
func (s Subject) Key() string {
	if s.IsQuote() {
		return s.EntityID + ":QUOTE"
	}
	return s.EntityID + ":" + string(s.Resolution)
}

func (s Subject) String() string { return s.Key() }

// Quote is the normalized live price of an entity.
type Quote struct {
	Price             float64 `json:"price"`
	PriceChange24hPct float64 `json:"price_change_24h_pct"`
}

// Candle is one OHLCV point. Timestamps are unix millis.
type Candle struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// Valid reports whether the candle satisfies the OHLC invariant.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return c.Low <= math.Min(c.Open, c.Close) && c.High >= math.Max(c.Open, c.Close)
}

// Payload holds either a quote or a candle series.
type Payload struct {
	Quote   *Quote   `json:"quote,omitempty"`
	Candles []Candle `json:"candles,omitempty"`
}

func (p Payload) IsEmpty() bool { return p.Quote == nil && len(p.Candles) == 0 }

// LastPrice is the most recent price the payload carries, or 0.
func (p Payload) LastPrice() float64 {
	if p.Quote != nil {
		return p.Quote.Price
	}
	if n := len(p.Candles); n > 0 {
		return p.Candles[n-1].Close
	}
	return 0
}

// Validate checks the payload invariants: a positive quote, or a non-empty
// ascending series of valid candles.
func (p Payload) Validate() error {
	if p.Quote != nil {
		if math.IsNaN(p.Quote.Price) || math.IsInf(p.Quote.Price, 0) || p.Quote.Price <= 0 {
			return fmt.Errorf("quote price %v is not positive", p.Quote.Price)
		}
		if math.IsNaN(p.Quote.PriceChange24hPct) || math.IsInf(p.Quote.PriceChange24hPct, 0) {
			return fmt.Errorf("quote 24h change %v is not finite", p.Quote.PriceChange24hPct)
		}
		return nil
	}
	if len(p.Candles) == 0 {
		return errors.New("empty candle series")
	}
	for i, c := range p.Candles {
		if !c.Valid() {
			return fmt.Errorf("candle[%d] violates OHLC invariant", i)
		}
		if i > 0 && c.TimestampMs <= p.Candles[i-1].TimestampMs {
			return fmt.Errorf("candle[%d] is not after candle[%d]", i, i-1)
		}
	}
	return nil
}

// CachedRecord is a payload stamped with its fetch time and time-to-live.
type CachedRecord struct {
	Subject   Subject
	Payload   Payload
	FetchedAt time.Time
	TTL       time.Duration
}

// IsFresh reports now - FetchedAt < TTL.
func (r CachedRecord) IsFresh(now time.Time) bool {
	return now.Sub(r.FetchedAt) < r.TTL
}

// SyncState is what a synchronizer publishes to its consumers.
type SyncState struct {
	Subject       Subject
	Payload       Payload
	IsLoading     bool
	Error         string
	IsDegraded    bool
	LastUpdatedAt time.Time
	Seq           uint64
}

// Phase names where a synchronizer is in its Idle -> Loading -> Ready/Degraded cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseRefreshing Phase = "refreshing"
	PhaseReady      Phase = "ready"
	PhaseDegraded   Phase = "degraded"
)

// Phase derives the lifecycle phase. Refreshing is loading while a payload is
// still on display.
func (s SyncState) Phase() Phase {
	switch {
	case s.IsLoading && s.Payload.IsEmpty():
		return PhaseLoading
	case s.IsLoading:
		return PhaseRefreshing
	case s.Payload.IsEmpty():
		return PhaseIdle
	case s.IsDegraded:
		return PhaseDegraded
	default:
		return PhaseReady
	}
}

// StateEvent is the wire form of a SyncState.
type StateEvent struct {
	Key             string     `json:"key"`
	EntityID        string     `json:"entity"`
	Resolution      Resolution `json:"resolution,omitempty"`
	Payload         Payload    `json:"payload"`
	Phase           Phase      `json:"phase"`
	IsLoading       bool       `json:"is_loading"`
	Error           string     `json:"error,omitempty"`
	IsDegraded      bool       `json:"is_degraded"`
	LastUpdatedAtMs int64      `json:"last_updated_at_ms"`
	Seq             uint64     `json:"seq"`
	Source          string     `json:"source,omitempty"` // publishing instance
}

// NewStateEvent converts a state to its wire form.
func NewStateEvent(st SyncState, source string) StateEvent {
	ev := StateEvent{
		Key:        st.Subject.Key(),
		EntityID:   st.Subject.EntityID,
		Resolution: st.Subject.Resolution,
		Payload:    st.Payload,
		Phase:      st.Phase(),
		IsLoading:  st.IsLoading,
		Error:      st.Error,
		IsDegraded: st.IsDegraded,
		Seq:        st.Seq,
		Source:     source,
	}
	if !st.LastUpdatedAt.IsZero() {
		ev.LastUpdatedAtMs = st.LastUpdatedAt.UnixMilli()
	}
	return ev
}

// Redis layout shared by the processor (writer) and the gateway (reader).
const (
	SnapshotKeyPrefix  = "state:"
	StateChannelPrefix = "states."
)

// SnapshotKey is the Redis key holding the latest StateEvent of a subject.
func SnapshotKey(subjectKey string) string { return SnapshotKeyPrefix + subjectKey }

// StateChannel is the Redis channel StateEvents of a subject are published on.
func StateChannel(subjectKey string) string { return StateChannelPrefix + subjectKey }

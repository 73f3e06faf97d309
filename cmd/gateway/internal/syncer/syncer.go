// Package syncer keeps one subject's market data current: it reads through the
// shared cache, fetches on a miss, falls back to synthetic data on failure and
// refreshes on a timer. Results of fetches that were overtaken by a newer one
// are discarded.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/synthetic"
)

var (
	ErrInactive       = errors.New("synchronizer is not active")
	ErrInvalidOptions = errors.New("invalid sync options")
)

// Fetcher is the remote source of real market data.
type Fetcher interface {
	FetchQuote(ctx context.Context, entityID string) (models.Quote, error)
	FetchCandles(ctx context.Context, entityID string, res models.Resolution) ([]models.Candle, error)
}

// Cache is the subset of the shared store the synchronizer needs.
type Cache interface {
	GetFresh(subject models.Subject) (models.CachedRecord, bool)
	Put(subject models.Subject, payload models.Payload, ttl time.Duration)
	EvictExpired(now time.Time) int
}

type Options struct {
	TTL                  time.Duration
	QuoteTTL             time.Duration // overrides TTL for quote subjects when set
	AutoRefresh          time.Duration
	ShowLoadingOnRefresh bool

	// Seed for synthetic data until a real price for the entity is known.
	FallbackSeed      float64
	FallbackChangePct float64
}

func (o Options) validate() error {
	if o.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidOptions, o.TTL)
	}
	if o.QuoteTTL < 0 {
		return fmt.Errorf("%w: quote ttl must not be negative, got %s", ErrInvalidOptions, o.QuoteTTL)
	}
	if o.AutoRefresh <= 0 {
		return fmt.Errorf("%w: auto refresh must be positive, got %s", ErrInvalidOptions, o.AutoRefresh)
	}
	return nil
}

func (o Options) ttlFor(subject models.Subject) time.Duration {
	if subject.IsQuote() && o.QuoteTTL > 0 {
		return o.QuoteTTL
	}
	return o.TTL
}

type Status int

const (
	StatusCacheHit Status = iota + 1
	StatusFetched
	StatusDegraded
	// StatusSuperseded means a newer sync started before this one finished; its result was dropped.
	StatusSuperseded
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusCacheHit:
		return "cache_hit"
	case StatusFetched:
		return "fetched"
	case StatusDegraded:
		return "degraded"
	case StatusSuperseded:
		return "superseded"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Outcome is the generation-tagged result of one sync attempt. Err is set only
// for StatusDegraded (the fetch failure) and StatusInactive.
type Outcome struct {
	Generation uint64
	Status     Status
	Err        error
}

// Published reports whether the attempt changed the published state.
func (o Outcome) Published() bool {
	return o.Status == StatusCacheHit || o.Status == StatusFetched || o.Status == StatusDegraded
}

type priceSeed struct {
	price    float64
	trendPct float64
}

type listener struct {
	id uint64
	fn func(models.SyncState)
}

type attempt struct {
	generation uint64
	subject    models.Subject
	ttl        time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
}

// Synchronizer mirrors one subject at a time. It is safe for concurrent use.
type Synchronizer struct {
	cache   Cache
	fetcher Fetcher
	clock   clock.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	subject    models.Subject
	opts       Options
	active     bool
	generation uint64
	state      models.SyncState
	seq        uint64
	lastReal   map[string]priceSeed
	inflight   map[uint64]context.CancelFunc
	ticker     clock.Ticker
	stopTick   chan struct{}
	listeners  []listener
	nextID     uint64

	// serializes delivery; delivered is the highest Seq handed to listeners
	notifyMu  sync.Mutex
	delivered uint64
}

func New(cache Cache, fetcher Fetcher, clk clock.Clock, logger *zap.Logger) *Synchronizer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Synchronizer{
		cache:    cache,
		fetcher:  fetcher,
		clock:    clk,
		logger:   logger,
		lastReal: make(map[string]priceSeed),
		inflight: make(map[uint64]context.CancelFunc),
	}
}

// Activate makes subject the active subject, replacing any previous one and its
// timer, and starts a sync showing the loading state. The cache lookup happens
// before Activate returns; a fetch, if needed, completes in the background.
func (s *Synchronizer) Activate(subject models.Subject, opts Options) error {
	subject, err := models.NewSubject(subject.EntityID, subject.Resolution)
	if err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopTimerLocked()
	s.cancelInflightLocked()
	if subject != s.subject {
		s.state = models.SyncState{}
	}
	s.subject = subject
	s.state.Subject = subject
	s.opts = opts
	s.active = true
	s.startTimerLocked(opts.AutoRefresh)
	a, _, states := s.beginLocked(context.Background(), true)
	s.mu.Unlock()

	s.logger.Info("Synchronizer activated",
		zap.String("subject", subject.Key()),
		zap.Duration("auto_refresh", opts.AutoRefresh),
	)

	s.notify(states...)
	if a != nil {
		go s.complete(a)
	}
	return nil
}

// ChangeSubject activates subject with the current options.
func (s *Synchronizer) ChangeSubject(subject models.Subject) error {
	s.mu.Lock()
	active, opts := s.active, s.opts
	s.mu.Unlock()

	if !active {
		return ErrInactive
	}
	return s.Activate(subject, opts)
}

// SetAutoRefresh replaces the refresh timer with one firing every d.
func (s *Synchronizer) SetAutoRefresh(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: auto refresh must be positive, got %s", ErrInvalidOptions, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.opts.AutoRefresh = d
	if s.active {
		s.startTimerLocked(d)
	}
	return nil
}

// RefreshNow runs a sync showing the loading state, independent of the timer.
// Fetch failures are absorbed into the published state, not returned.
func (s *Synchronizer) RefreshNow(ctx context.Context) (Outcome, error) {
	out := s.SyncOnce(ctx, true)
	if out.Status == StatusInactive {
		return out, ErrInactive
	}
	return out, nil
}

// SyncOnce runs one cache -> fetch -> fallback cycle for the active subject and
// blocks until it finishes or is superseded.
func (s *Synchronizer) SyncOnce(ctx context.Context, showLoading bool) Outcome {
	s.mu.Lock()
	a, out, states := s.beginLocked(ctx, showLoading)
	s.mu.Unlock()

	s.notify(states...)
	if a == nil {
		return out
	}
	return s.complete(a)
}

// Deactivate stops the timer and makes every pending completion a no-op.
func (s *Synchronizer) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.stopTimerLocked()
	s.cancelInflightLocked()
	subject := s.subject
	s.mu.Unlock()

	s.logger.Info("Synchronizer deactivated", zap.String("subject", subject.Key()))
}

func (s *Synchronizer) State() models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Subject() models.Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Synchronizer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Synchronizer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Subscribe registers fn for every published state, in publish order. A state
// overtaken by a newer one before delivery is skipped. fn runs on the
// publishing goroutine and must not call SyncOnce, RefreshNow or Activate.
func (s *Synchronizer) Subscribe(fn func(models.SyncState)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// beginLocked runs the synchronous part of a sync: new generation, optional
// loading state and the cache lookup. It returns a nil attempt when no fetch
// is needed.
func (s *Synchronizer) beginLocked(ctx context.Context, showLoading bool) (*attempt, Outcome, []models.SyncState) {
	if !s.active {
		return nil, Outcome{Status: StatusInactive, Err: ErrInactive}, nil
	}

	s.generation++
	g := s.generation

	var states []models.SyncState
	if showLoading {
		states = append(states, s.publishLocked(func(st *models.SyncState) {
			st.IsLoading = true
			st.Error = ""
		}))
	}

	if rec, ok := s.cache.GetFresh(s.subject); ok {
		s.rememberLocked(s.subject, rec.Payload)
		states = append(states, s.publishLocked(func(st *models.SyncState) {
			st.Payload = rec.Payload
			st.IsLoading = false
			st.IsDegraded = false
			st.Error = ""
			st.LastUpdatedAt = rec.FetchedAt
		}))
		return nil, Outcome{Generation: g, Status: StatusCacheHit}, states
	}

	ctx, cancel := context.WithCancel(ctx)
	s.inflight[g] = cancel
	return &attempt{
		generation: g,
		subject:    s.subject,
		ttl:        s.opts.ttlFor(s.subject),
		ctx:        ctx,
		cancel:     cancel,
	}, Outcome{}, states
}

// complete fetches for a and applies the result if a is still current.
func (s *Synchronizer) complete(a *attempt) Outcome {
	payload, err := s.fetch(a.ctx, a.subject)
	a.cancel()
	if err == nil {
		if verr := payload.Validate(); verr != nil {
			err = fmt.Errorf("fetch %s: %w", a.subject, verr)
		}
	}

	s.mu.Lock()
	delete(s.inflight, a.generation)
	if status, ok := s.commitLocked(a.generation); !ok {
		s.mu.Unlock()
		s.logger.Debug("Discarding sync result",
			zap.String("subject", a.subject.Key()),
			zap.Uint64("generation", a.generation),
			zap.Stringer("status", status),
		)
		return Outcome{Generation: a.generation, Status: status}
	}

	now := s.clock.Now()
	var st models.SyncState
	var out Outcome
	if err == nil {
		s.cache.Put(a.subject, payload, a.ttl)
		s.rememberLocked(a.subject, payload)
		st = s.publishLocked(func(st *models.SyncState) {
			st.Payload = payload
			st.IsLoading = false
			st.IsDegraded = false
			st.Error = ""
			st.LastUpdatedAt = now
		})
		out = Outcome{Generation: a.generation, Status: StatusFetched}
	} else {
		seed := s.seedLocked(a.subject)
		fallback := synthetic.Payload(a.subject, seed.price, seed.trendPct, now)
		st = s.publishLocked(func(st *models.SyncState) {
			st.Payload = fallback
			st.IsLoading = false
			st.IsDegraded = true
			st.Error = err.Error()
			st.LastUpdatedAt = now
		})
		out = Outcome{Generation: a.generation, Status: StatusDegraded, Err: err}
	}
	s.mu.Unlock()

	if out.Err != nil {
		s.logger.Warn("Fetch failed, serving synthetic data",
			zap.String("subject", a.subject.Key()),
			zap.Uint64("generation", a.generation),
			zap.Error(out.Err),
		)
	}

	s.notify(st)
	return out
}

// commitLocked is the discard rule: a result may be applied only while its
// generation is the latest and the synchronizer is active.
func (s *Synchronizer) commitLocked(generation uint64) (Status, bool) {
	if !s.active {
		return StatusInactive, false
	}
	if generation != s.generation {
		return StatusSuperseded, false
	}
	return 0, true
}

func (s *Synchronizer) fetch(ctx context.Context, subject models.Subject) (p models.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s panicked: %v", subject, r)
		}
	}()

	if subject.IsQuote() {
		q, err := s.fetcher.FetchQuote(ctx, subject.EntityID)
		if err != nil {
			return models.Payload{}, err
		}
		return models.Payload{Quote: &q}, nil
	}

	candles, err := s.fetcher.FetchCandles(ctx, subject.EntityID, subject.Resolution)
	if err != nil {
		return models.Payload{}, err
	}
	return models.Payload{Candles: candles}, nil
}

func (s *Synchronizer) publishLocked(mutate func(*models.SyncState)) models.SyncState {
	mutate(&s.state)
	s.seq++
	s.state.Seq = s.seq
	s.state.Subject = s.subject
	return s.state
}

func (s *Synchronizer) notify(states ...models.SyncState) {
	if len(states) == 0 {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, st := range states {
		if st.Seq <= s.delivered {
			continue
		}
		s.delivered = st.Seq
		for _, l := range listeners {
			l.fn(st)
		}
	}
}

// rememberLocked keeps the last real price of an entity as the seed for synthetic data.
func (s *Synchronizer) rememberLocked(subject models.Subject, p models.Payload) {
	seed := priceSeed{price: p.LastPrice()}
	if seed.price <= 0 {
		return
	}
	if p.Quote != nil {
		seed.trendPct = p.Quote.PriceChange24hPct
	} else if first := p.Candles[0].Open; first > 0 {
		seed.trendPct = (seed.price/first - 1) * 100
	}
	s.lastReal[subject.EntityID] = seed
}

func (s *Synchronizer) seedLocked(subject models.Subject) priceSeed {
	if seed, ok := s.lastReal[subject.EntityID]; ok {
		return seed
	}
	return priceSeed{price: s.opts.FallbackSeed, trendPct: s.opts.FallbackChangePct}
}

func (s *Synchronizer) cancelInflightLocked() {
	for g, cancel := range s.inflight {
		cancel()
		delete(s.inflight, g)
	}
}

func (s *Synchronizer) startTimerLocked(d time.Duration) {
	s.stopTimerLocked()

	t := s.clock.NewTicker(d)
	stop := make(chan struct{})
	s.ticker = t
	s.stopTick = stop
	go s.runTimer(t, stop)
}

func (s *Synchronizer) stopTimerLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopTick)
	s.ticker = nil
	s.stopTick = nil
}

func (s *Synchronizer) runTimer(t clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case now := <-t.C():
			s.onTick(t, now)
		}
	}
}

// onTick evicts expired cache records and starts a background sync. The fetch
// runs on its own goroutine so a slow upstream never delays the next tick.
func (s *Synchronizer) onTick(t clock.Ticker, now time.Time) {
	evicted := s.cache.EvictExpired(now)

	s.mu.Lock()
	if !s.active || s.ticker != t {
		s.mu.Unlock()
		return
	}
	a, _, states := s.beginLocked(context.Background(), s.opts.ShowLoadingOnRefresh)
	subject := s.subject
	s.mu.Unlock()

	s.logger.Debug("Auto refresh",
		zap.String("subject", subject.Key()),
		zap.Int("evicted", evicted),
	)

	s.notify(states...)
	if a != nil {
		go s.complete(a)
	}
}

// OptionsFromConfig maps the sync section of the configuration onto Options.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		TTL:                  cfg.TTL,
		QuoteTTL:             cfg.QuoteTTL,
		AutoRefresh:          cfg.AutoRefresh,
		ShowLoadingOnRefresh: cfg.ShowLoadingOnRefresh,
	}
}

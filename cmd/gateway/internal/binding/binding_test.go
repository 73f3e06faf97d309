package binding_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/binding"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/cache"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/syncer"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/testutils"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

var opts = syncer.Options{TTL: time.Minute, AutoRefresh: time.Minute}

func setup(t *testing.T, res models.Resolution) (*binding.Binding, *syncer.Synchronizer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	f := &testutils.MockFetcher{
		CandlesFunc: func(ctx context.Context, id string, res models.Resolution) ([]models.Candle, error) {
			return testutils.Series(3, 10), nil
		},
	}
	s := syncer.New(cache.NewStore(clk), f, clk, zap.NewNop())
	b, err := binding.New(s, models.Subject{EntityID: "eth", Resolution: res}, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Detach)
	return b, s, clk
}

func TestBinding_AttachDetach(t *testing.T) {
	b, s, clk := setup(t, models.Resolution1D)

	require.NoError(t, b.Attach())
	require.NoError(t, b.Attach())
	assert.True(t, b.Attached())
	assert.True(t, s.Active())
	assert.Equal(t, 1, clk.ActiveTickers())

	require.Eventually(t, func() bool {
		st := b.State()
		return !st.IsLoading && !st.Payload.IsEmpty()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ETH:1D", b.State().Subject.Key())

	b.Detach()
	assert.False(t, s.Active())
	assert.Equal(t, 0, clk.ActiveTickers())
}

func TestBinding_SetIntervalWhileAttached(t *testing.T) {
	b, s, clk := setup(t, models.Resolution1D)
	require.NoError(t, b.Attach())

	require.NoError(t, b.SetInterval(models.Resolution90D))
	assert.Equal(t, models.Resolution90D, s.Subject().Resolution)
	assert.Equal(t, 1, clk.ActiveTickers())

	require.NoError(t, b.SetEntity("sol"))
	assert.Equal(t, "SOL:90D", s.Subject().Key())
	assert.Equal(t, 1, clk.ActiveTickers())
}

func TestBinding_SetWhileDetachedOnlyRecords(t *testing.T) {
	b, s, clk := setup(t, models.Resolution1D)

	require.NoError(t, b.SetInterval(models.Resolution7D))
	require.NoError(t, b.SetEntity("btc"))
	assert.Equal(t, "BTC:7D", b.Subject().Key())
	assert.False(t, s.Active())
	assert.Equal(t, 0, clk.ActiveTickers())

	st := b.State()
	assert.Equal(t, "BTC:7D", st.Subject.Key())
	assert.True(t, st.Payload.IsEmpty())

	require.NoError(t, b.Attach())
	assert.Equal(t, "BTC:7D", s.Subject().Key())
}

func TestBinding_InvalidChangesKeepSubject(t *testing.T) {
	b, _, _ := setup(t, models.Resolution30D)

	assert.ErrorIs(t, b.SetInterval("5Y"), models.ErrInvalidResolution)
	assert.ErrorIs(t, b.SetEntity(" "), models.ErrInvalidSubject)
	assert.Equal(t, "ETH:30D", b.Subject().Key())

	_, err := binding.New(nil, models.Subject{}, opts, zap.NewNop())
	assert.ErrorIs(t, err, models.ErrInvalidSubject)
}

func TestBinding_Refresh(t *testing.T) {
	b, _, _ := setup(t, models.Resolution1D)
	assert.ErrorIs(t, b.Refresh(context.Background()), binding.ErrDetached)

	require.NoError(t, b.Attach())
	require.NoError(t, b.Refresh(context.Background()))
	assert.False(t, b.State().IsLoading)
}

func TestBinding_OnChange(t *testing.T) {
	b, _, _ := setup(t, models.Resolution7D)

	var mu sync.Mutex
	var states []models.SyncState
	cancel := b.OnChange(func(st models.SyncState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, b.Attach())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && !states[len(states)-1].IsLoading
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, states[0].IsLoading)
	assert.Equal(t, models.PhaseReady, states[len(states)-1].Phase())
	mu.Unlock()
}

func TestBinding_OnChangeMayReadState(t *testing.T) {
	b, _, _ := setup(t, models.Resolution1D)

	var mu sync.Mutex
	var seen []models.SyncState
	cancel := b.OnChange(func(models.SyncState) {
		st := b.State()
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := b.Attach(); err != nil {
			done <- err
			return
		}
		done <- b.SetInterval(models.Resolution7D)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Attach/SetInterval blocked while a listener read State")
	}

	require.Eventually(t, func() bool {
		st := b.State()
		return st.Subject.Key() == "ETH:7D" && !st.IsLoading && !st.Payload.IsEmpty()
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "ETH:7D", seen[len(seen)-1].Subject.Key())
}

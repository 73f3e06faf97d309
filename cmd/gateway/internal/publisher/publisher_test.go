package publisher_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/publisher"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/testutils"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

func state(t *testing.T, id string, seq uint64) models.SyncState {
	t.Helper()
	sub, err := models.NewSubject(id, models.Resolution1D)
	require.NoError(t, err)
	return models.SyncState{
		Subject:       sub,
		Payload:       models.Payload{Candles: testutils.Series(2, 100)},
		IsDegraded:    true,
		Error:         "upstream unavailable",
		LastUpdatedAt: time.UnixMilli(1709251200000),
		Seq:           seq,
	}
}

func TestPublisher_WritesKeyedEvents(t *testing.T) {
	w := &testutils.MockKafkaWriter{}
	p := publisher.New(zap.NewNop(), w, "gw-1", 16)

	p.Publish(state(t, "btc", 1))
	p.Publish(state(t, "eth", 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return w.Count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	w.Mu.Lock()
	defer w.Mu.Unlock()
	assert.Equal(t, "BTC:1D", string(w.Messages[0].Key))

	var ev models.StateEvent
	require.NoError(t, json.Unmarshal(w.Messages[1].Value, &ev))
	assert.Equal(t, "ETH:1D", ev.Key)
	assert.Equal(t, "ETH", ev.EntityID)
	assert.Equal(t, models.Resolution1D, ev.Resolution)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "gw-1", ev.Source)
	assert.Equal(t, models.PhaseDegraded, ev.Phase)
	assert.Equal(t, int64(1709251200000), ev.LastUpdatedAtMs)
	assert.Len(t, ev.Payload.Candles, 2)
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	w := &testutils.MockKafkaWriter{}
	p := publisher.New(zap.NewNop(), w, "gw-1", 2)

	for i := uint64(1); i <= 5; i++ {
		p.Publish(state(t, "sol", i))
	}
	assert.Equal(t, uint64(3), p.Dropped())
}

func TestPublisher_WriteErrorKeepsRunning(t *testing.T) {
	w := &testutils.MockKafkaWriter{ShouldFail: true}
	p := publisher.New(zap.NewNop(), w, "gw-1", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(state(t, "ada", 1))
	time.Sleep(20 * time.Millisecond)

	w.Mu.Lock()
	w.ShouldFail = false
	w.Mu.Unlock()

	p.Publish(state(t, "ada", 2))
	require.Eventually(t, func() bool { return w.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.True(t, w.Closed)
}

func TestTopicCreator_Flow(t *testing.T) {
	dialer := &testutils.MockKafkaDialer{FailAddrs: map[string]bool{"down:9092": true}}
	clk := clock.NewManual(time.Unix(0, 0))

	tc := publisher.NewTopicCreator(zap.NewNop(), dialer, clk)
	require.NoError(t, tc.Create(context.Background(), []string{"down:9092", "broker:9092"}, "market_states"))

	require.NotNil(t, dialer.ConnSpy, "dialer was never called")
	assert.Equal(t, []string{"market_states"}, dialer.ConnSpy.CreatedTopics)
	assert.Equal(t, []string{"down:9092", "broker:9092", "localhost:9092"}, dialer.Dialed)
	assert.Equal(t, 2, dialer.ConnSpy.Closed)
	assert.Equal(t, time.Unix(0, 0).Add(200*time.Millisecond), clk.Now())
}

func TestTopicCreator_Errors(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))

	dialer := &testutils.MockKafkaDialer{FailAddrs: map[string]bool{"a:9092": true}}
	tc := publisher.NewTopicCreator(zap.NewNop(), dialer, clk)
	assert.Error(t, tc.Create(context.Background(), []string{"a:9092"}, "t"))

	dialer = &testutils.MockKafkaDialer{ConnSpy: &testutils.MockKafkaConn{NotReady: true}}
	tc = publisher.NewTopicCreator(zap.NewNop(), dialer, clk)
	err := tc.Create(context.Background(), []string{"b:9092"}, "t")
	assert.ErrorContains(t, err, "not ready")
}

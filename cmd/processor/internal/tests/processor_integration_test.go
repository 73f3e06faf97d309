package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/processor/internal/processor"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/processor/internal/testutils"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

func TestProcessor_EndToEnd_Flow(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sub := rdb.Subscribe(context.Background(), models.StateChannel("BTC:7D"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	subject, err := models.NewSubject("BTC", models.Resolution7D)
	require.NoError(t, err)
	ev := models.NewStateEvent(models.SyncState{
		Subject:       subject,
		Payload:       models.Payload{Candles: []models.Candle{{TimestampMs: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5}}},
		LastUpdatedAt: time.UnixMilli(1_700_000_000_000),
		Seq:           100,
	}, "gw-1")
	val, err := json.Marshal(ev)
	require.NoError(t, err)

	mockReader := &testutils.MockKafkaReader{Messages: []kafka.Message{{Key: []byte(ev.Key), Value: val}}}

	cfg := &config.Config{}
	cfg.Processor.NumWorkers = 1
	cfg.Redis.SnapshotTTL = 10 * time.Minute

	proc := processor.NewProcessor(cfg, zap.NewNop(), rdb, mockReader)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return mr.Exists("state:BTC:7D") }, time.Second, 20*time.Millisecond,
		"processor did not write state:BTC:7D to Redis")

	savedVal, err := mr.Get("state:BTC:7D")
	require.NoError(t, err)
	assert.JSONEq(t, string(val), savedVal)
	assert.Equal(t, 10*time.Minute, mr.TTL("state:BTC:7D"))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "states.BTC:7D", msg.Channel)
		assert.JSONEq(t, string(val), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}

	cancel()
	<-done
}

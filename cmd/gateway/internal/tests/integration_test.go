package tests

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/cache"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/fetcher"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/gateway"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/hub"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/repository"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/syncer"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

type message struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Data    models.StateEvent `json:"data"`
}

// upstream is a CoinGecko-shaped server; failing flips it to HTTP 503.
func upstream(t *testing.T, failing *atomic.Bool) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.URL.Path == "/simple/price":
			io.WriteString(w, `{"bitcoin":{"usd":64000,"usd_24h_change":1.5}}`)
		case strings.HasPrefix(r.URL.Path, "/coins/"):
			io.WriteString(w, `[[1709251200000,63000,63500,62800,63400],[1709265600000,63400,64100,63300,64000]]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startServer(t *testing.T, failing *atomic.Bool) (*httptest.Server, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := repository.NewRedisStore(rdb)

	feed := upstream(t, failing)
	client := fetcher.New(config.RemoteConfig{
		BaseURL:  feed.URL,
		Currency: "usd",
		Timeout:  time.Second,
		IDs:      map[string]string{"BTC": "bitcoin"},
	}, zap.NewNop())

	wsHub := hub.NewHub(hub.Deps{
		Cache:   cache.NewStore(nil),
		Fetcher: client,
		Store:   repo,
	}, hub.Config{
		ValidEntities:    map[string]bool{"BTC": true, "ETH": true},
		MaxSubscriptions: 4,
		Options:          syncer.Options{TTL: time.Minute, AutoRefresh: time.Hour},
	}, zap.NewNop())
	t.Cleanup(wsHub.Shutdown)

	server := httptest.NewServer(gateway.NewMux(wsHub, repo, zap.NewNop()))
	t.Cleanup(server.Close)
	return server, mr
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	t.Cleanup(func() { wsConn.Close() })
	return wsConn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(message) bool) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg message
		require.NoError(t, json.Unmarshal(raw, &msg), "raw: %s", raw)
		if match(msg) {
			return msg
		}
	}
}

func TestEndToEnd_FullFlow(t *testing.T) {
	var failing atomic.Bool
	server, _ := startServer(t, &failing)
	wsConn := connectWS(t, server.URL)

	subMsg := `{"action": "subscribe", "payload": {"entities": ["btc"], "resolution": "7D"}, "id": "t1"}`
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(subMsg)))

	// the ack and the first states race each other
	var ack message
	ready := readUntil(t, wsConn, func(m message) bool {
		if m.Type == "ack" {
			ack = m
		}
		return m.Type == "state" && !m.Data.IsLoading
	})
	if ack.Type == "" {
		ack = readUntil(t, wsConn, func(m message) bool { return m.Type == "ack" })
	}
	assert.Equal(t, "t1", ack.ID)
	assert.Equal(t, "success", ack.Status)

	assert.Equal(t, "BTC:7D", ready.Data.Key)
	assert.Equal(t, models.PhaseReady, ready.Data.Phase)
	require.Len(t, ready.Data.Payload.Candles, 2)
	assert.Equal(t, 64000.0, ready.Data.Payload.Candles[1].Close)

	quoteMsg := `{"action": "set_interval", "payload": {"entities": ["BTC"]}, "id": "t2"}`
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(quoteMsg)))

	quote := readUntil(t, wsConn, func(m message) bool {
		return m.Type == "state" && m.Data.Key == "BTC:QUOTE" && !m.Data.IsLoading
	})
	require.NotNil(t, quote.Data.Payload.Quote)
	assert.Equal(t, 64000.0, quote.Data.Payload.Quote.Price)

	unsubMsg := `{"action": "unsubscribe", "payload": {"entities": ["BTC"]}, "id": "t3"}`
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(unsubMsg)))

	unsub := readUntil(t, wsConn, func(m message) bool { return m.ID == "t3" })
	assert.Contains(t, unsub.Message, "Unsubscribed")
}

func TestEndToEnd_DegradedThenRecovered(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server, _ := startServer(t, &failing)
	wsConn := connectWS(t, server.URL)

	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "subscribe", "payload": {"entities": ["BTC"], "resolution": "7D"}}`)))

	degraded := readUntil(t, wsConn, func(m message) bool { return m.Type == "state" && !m.Data.IsLoading })
	assert.True(t, degraded.Data.IsDegraded)
	assert.Contains(t, degraded.Data.Error, "503")
	assert.Len(t, degraded.Data.Payload.Candles, models.Resolution7D.Points())

	failing.Store(false)
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "refresh", "payload": {"entities": ["BTC"]}}`)))

	recovered := readUntil(t, wsConn, func(m message) bool {
		return m.Type == "state" && !m.Data.IsLoading && !m.Data.IsDegraded
	})
	assert.Empty(t, recovered.Data.Error)
	assert.Len(t, recovered.Data.Payload.Candles, 2)
}

func TestEndToEnd_SnapshotOnSubscribe(t *testing.T) {
	var failing atomic.Bool
	server, mr := startServer(t, &failing)
	require.NoError(t, mr.Set("state:ETH:QUOTE", `{"key":"ETH:QUOTE","entity":"ETH","seq":42}`))

	wsConn := connectWS(t, server.URL)
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "subscribe", "payload": {"entities": ["ETH"]}}`)))

	snap := readUntil(t, wsConn, func(m message) bool { return m.Type == "snapshot" })
	assert.Equal(t, uint64(42), snap.Data.Seq)

	resp, err := http.Get(server.URL + "/snapshot?entity=eth")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"seq":42`)
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	var failing atomic.Bool
	server, _ := startServer(t, &failing)
	wsConn := connectWS(t, server.URL)

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{ "action": "subsc`))

	msg := readUntil(t, wsConn, func(m message) bool { return true })
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "Invalid JSON", msg.Message)
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	var failing atomic.Bool
	server, _ := startServer(t, &failing)
	wsConn := connectWS(t, server.URL)

	hugePayload := strings.Repeat("a", 513*1024)
	hugeMsg := fmt.Sprintf(`{"action":"subscribe", "payload": {"entities": ["%s"]}}`, hugePayload)

	err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg))
	// Depending on timing, write might succeed, but Read should fail (Disconnect)
	if err == nil {
		// Try to read response, expect connection closed error
		wsConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			t.Error("Server should have closed connection for huge message, but it stayed open")
		}
	}
}

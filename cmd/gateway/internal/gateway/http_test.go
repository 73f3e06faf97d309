package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/gateway"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/testutils"
)

func TestSnapshotHandler(t *testing.T) {
	store := testutils.NewMockStore()
	store.Snapshots["BTC:7D"] = `{"key":"BTC:7D"}`
	store.Snapshots["ETH:QUOTE"] = `{"key":"ETH:QUOTE"}`
	handler := gateway.SnapshotHandler(store, zap.NewNop())

	cases := []struct {
		name   string
		method string
		query  string
		status int
		body   string
	}{
		{"candles", http.MethodGet, "entity=btc&resolution=7d", http.StatusOK, `{"key":"BTC:7D"}`},
		{"quote", http.MethodGet, "entity=ETH", http.StatusOK, `{"key":"ETH:QUOTE"}`},
		{"missing", http.MethodGet, "entity=SOL&resolution=1D", http.StatusNotFound, ""},
		{"bad resolution", http.MethodGet, "entity=BTC&resolution=2W", http.StatusBadRequest, ""},
		{"no entity", http.MethodGet, "resolution=7D", http.StatusBadRequest, ""},
		{"wrong method", http.MethodPost, "entity=BTC", http.StatusMethodNotAllowed, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(tc.method, "/snapshot?"+tc.query, nil))

			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestSnapshotHandler_StoreDown(t *testing.T) {
	store := testutils.NewMockStore()
	store.Fail = true

	rec := httptest.NewRecorder()
	gateway.SnapshotHandler(store, zap.NewNop())(rec, httptest.NewRequest(http.MethodGet, "/snapshot?entity=BTC", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

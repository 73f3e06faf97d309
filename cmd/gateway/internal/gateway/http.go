package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/hub"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/repository"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

const snapshotTimeout = 2 * time.Second

// NewMux wires the websocket endpoint and, when store is non-nil, the snapshot endpoint.
func NewMux(h *hub.Hub, store repository.SnapshotStore, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Debug("Upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(conn, h, logger)
		client.Start()
	})
	if store != nil {
		mux.Handle("/snapshot", SnapshotHandler(store, logger))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// SnapshotHandler serves GET /snapshot?entity=BTC&resolution=7D from the
// processor's Redis snapshots. An empty resolution selects the quote.
func SnapshotHandler(store repository.SnapshotStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		var res models.Resolution
		if raw := q.Get("resolution"); raw != "" {
			parsed, err := models.ParseResolution(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			res = parsed
		}
		subject, err := models.NewSubject(q.Get("entity"), res)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()

		snaps, err := store.GetSnapshots(ctx, []string{subject.Key()})
		if err != nil {
			logger.Error("Snapshot lookup failed", zap.String("key", subject.Key()), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "snapshot store unavailable")
			return
		}
		if len(snaps) == 0 {
			writeError(w, http.StatusNotFound, "no snapshot for "+subject.Key())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(snaps[0]))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

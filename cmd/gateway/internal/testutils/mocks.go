package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/protocol"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // Stores decoded JSON messages
	RawBytes []string              // Stores raw bytes
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	// If it's a response, store it
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

func (m *MockClient) LastMsg() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

type pushed struct {
	Type string            `json:"type"`
	Data models.StateEvent `json:"data"`
}

// Pushed decodes every raw message of the given type ("state" or "snapshot").
func (m *MockClient) Pushed(msgType string) []models.StateEvent {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	var out []models.StateEvent
	for _, raw := range m.RawBytes {
		var p pushed
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Type != msgType {
			continue
		}
		out = append(out, p.Data)
	}
	return out
}

// MockSnapshotStore simulates Redis
type MockSnapshotStore struct {
	Snapshots map[string]string // subject key -> StateEvent JSON
	Requested [][]string
	Fail      bool
	Mu        sync.Mutex
}

func NewMockStore() *MockSnapshotStore {
	return &MockSnapshotStore{Snapshots: make(map[string]string)}
}

func (m *MockSnapshotStore) GetSnapshots(ctx context.Context, keys []string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.Requested = append(m.Requested, keys)
	if m.Fail {
		return nil, errors.New("redis down")
	}
	var out []string
	for _, k := range keys {
		if v, ok := m.Snapshots[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MockSnapshotStore) Close() error { return nil }

// MockPublisher records every state handed to it.
type MockPublisher struct {
	Mu     sync.Mutex
	States []models.SyncState
}

func (m *MockPublisher) Publish(st models.SyncState) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.States = append(m.States, st)
}

func (m *MockPublisher) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.States)
}

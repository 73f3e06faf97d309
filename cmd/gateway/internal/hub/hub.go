package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/binding"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/protocol"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/publisher"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/repository"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/syncer"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

const refreshTimeout = 30 * time.Second

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Deps are the collaborators every binding is built from. Store and
// Publisher may be nil.
type Deps struct {
	Cache     syncer.Cache
	Fetcher   syncer.Fetcher
	Clock     clock.Clock
	Store     repository.SnapshotStore
	Publisher publisher.StatePublisher
}

type Config struct {
	ValidEntities    map[string]bool
	MaxSubscriptions int
	Options          syncer.Options
}

type subscription struct {
	binding *binding.Binding
	cancel  func()
}

// Hub owns one binding per (client, entity) and forwards every state the
// binding publishes to its client.
type Hub struct {
	clientSubs map[ClientInterface]map[string]*subscription

	deps   Deps
	cfg    Config
	logger *zap.Logger
	mu     sync.RWMutex
}

func NewHub(deps Deps, cfg Config, logger *zap.Logger) *Hub {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	valid := make(map[string]bool, len(cfg.ValidEntities))
	for e, ok := range cfg.ValidEntities {
		valid[normalizeEntity(e)] = ok
	}
	cfg.ValidEntities = valid
	return &Hub{
		clientSubs: make(map[ClientInterface]map[string]*subscription),
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
	}
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	// entity ids are matched the way subjects key them
	entities := make([]string, 0, len(req.Payload.Entities))
	for _, e := range req.Payload.Entities {
		if e = normalizeEntity(e); e != "" {
			entities = append(entities, e)
		}
	}
	req.Payload.Entities = entities

	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	case protocol.ActionSetInterval:
		h.handleSetInterval(client, req)
	case protocol.ActionRefresh:
		h.handleRefresh(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	res, err := parseResolution(req.Payload.Resolution)
	if err != nil {
		h.sendError(client, req.ID, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clientSubs[client]
	var valid []string
	for _, e := range req.Payload.Entities {
		if !h.cfg.ValidEntities[e] {
			continue
		}
		// Idempotency: Ignore if already subscribed
		if subs[e] != nil {
			continue
		}
		valid = append(valid, e)
	}

	if len(valid) == 0 {
		h.sendError(client, req.ID, "No valid/new entities provided")
		return
	}
	if h.cfg.MaxSubscriptions > 0 && len(subs)+len(valid) > h.cfg.MaxSubscriptions {
		h.sendError(client, req.ID, fmt.Sprintf("Subscription limit %d exceeded", h.cfg.MaxSubscriptions))
		return
	}

	if subs == nil {
		subs = make(map[string]*subscription)
		h.clientSubs[client] = subs
	}

	var keys []string
	for _, entity := range valid {
		sub, err := h.newSubscription(client, models.Subject{EntityID: entity, Resolution: res})
		if err != nil {
			h.logger.Error("Failed to attach binding", zap.String("entity", entity), zap.Error(err))
			continue
		}
		subs[entity] = sub
		keys = append(keys, sub.binding.Subject().Key())
	}

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Subscribed to %v", valid))

	if h.deps.Store == nil || len(keys) == 0 {
		return
	}
	// Send Snapshots (Async to avoid blocking lock)
	go func(targets []string) {
		snapshots, err := h.deps.Store.GetSnapshots(context.Background(), targets)
		if err != nil {
			h.logger.Warn("Snapshot lookup failed", zap.Strings("keys", targets), zap.Error(err))
			return
		}
		for _, snap := range snapshots {
			h.push(client, protocol.WSResponse{Type: protocol.TypeSnapshot, Data: json.RawMessage(snap)})
		}
	}(keys)
}

func (h *Hub) newSubscription(client ClientInterface, subject models.Subject) (*subscription, error) {
	s := syncer.New(h.deps.Cache, h.deps.Fetcher, h.deps.Clock, h.logger)
	b, err := binding.New(s, subject, h.cfg.Options, h.logger)
	if err != nil {
		return nil, err
	}

	cancel := b.OnChange(func(st models.SyncState) {
		h.push(client, protocol.WSResponse{Type: protocol.TypeState, Data: models.NewStateEvent(st, "")})
		if h.deps.Publisher != nil {
			h.deps.Publisher.Publish(st)
		}
	})
	if err := b.Attach(); err != nil {
		cancel()
		return nil, err
	}
	return &subscription{binding: b, cancel: cancel}, nil
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, e := range req.Payload.Entities {
			if sub := subs[e]; sub != nil {
				sub.close()
				delete(subs, e)
				removed = append(removed, e)
			}
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, "success", fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Entities))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for _, sub := range subs {
			sub.close()
		}
		// Clear the map but keep the client registered
		h.clientSubs[client] = make(map[string]*subscription)
	}
	h.sendAck(client, req.ID, "success", "Unsubscribed from all entities")
}

func (h *Hub) handleSetInterval(client ClientInterface, req protocol.WSRequest) {
	res, err := parseResolution(req.Payload.Resolution)
	if err != nil {
		h.sendError(client, req.ID, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var changed, missing []string
	subs := h.clientSubs[client]
	for _, e := range req.Payload.Entities {
		sub := subs[e]
		if sub == nil {
			missing = append(missing, e)
			continue
		}
		if err := sub.binding.SetInterval(res); err != nil {
			h.sendError(client, req.ID, err.Error())
			return
		}
		changed = append(changed, e)
	}

	if len(changed) == 0 {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", missing))
		return
	}
	h.sendAck(client, req.ID, "success", fmt.Sprintf("Interval %s for %v", displayResolution(res), changed))
}

func (h *Hub) handleRefresh(client ClientInterface, req protocol.WSRequest) {
	h.mu.RLock()
	var targets []*binding.Binding
	var names []string
	subs := h.clientSubs[client]
	for _, e := range req.Payload.Entities {
		if sub := subs[e]; sub != nil {
			targets = append(targets, sub.binding)
			names = append(names, e)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Entities))
		return
	}
	h.sendAck(client, req.ID, "success", fmt.Sprintf("Refreshing %v", names))

	// the read pump must not wait on the network
	for _, b := range targets {
		go func(b *binding.Binding) {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if err := b.Refresh(ctx); err != nil {
				h.logger.Debug("Refresh skipped", zap.String("subject", b.Subject().Key()), zap.Error(err))
			}
		}(b)
	}
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for _, sub := range subs {
			sub.close()
		}
		delete(h.clientSubs, client)
	}
	client.Close()
}

// Shutdown detaches every binding of every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client, subs := range h.clientSubs {
		for _, sub := range subs {
			sub.close()
		}
		delete(h.clientSubs, client)
	}
}

// Subscriptions lists the subject keys client is bound to, sorted.
func (h *Hub) Subscriptions(client ClientInterface) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var keys []string
	for _, sub := range h.clientSubs[client] {
		keys = append(keys, sub.binding.Subject().Key())
	}
	sort.Strings(keys)
	return keys
}

func (s *subscription) close() {
	s.cancel()
	s.binding.Detach()
}

// push drops the message if the client cannot keep up.
func (h *Hub) push(c ClientInterface, resp protocol.WSResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("JSON Marshal Error", zap.String("type", resp.Type), zap.Error(err))
		return
	}
	c.SendBytes(b)
}

func (h *Hub) sendAck(c ClientInterface, id, status, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeAck, ID: id, Status: status, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, ID: id, Message: msg})
}

func normalizeEntity(e string) string {
	return strings.ToUpper(strings.TrimSpace(e))
}

func parseResolution(s string) (models.Resolution, error) {
	if s == "" {
		return "", nil
	}
	return models.ParseResolution(s)
}

func displayResolution(res models.Resolution) string {
	if res == "" {
		return "QUOTE"
	}
	return string(res)
}

// Package publisher streams synchronizer states to Kafka for the snapshot processor.
package publisher

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

const (
	DefaultBuffer = 1024
	maxBatch      = 100
)

// StatePublisher is satisfied by Publisher and by anything else that wants
// every published state.
type StatePublisher interface {
	Publish(st models.SyncState)
}

// Publisher queues states and writes them to Kafka keyed by subject. Publish
// never blocks; when the queue is full the state is dropped.
type Publisher struct {
	logger  *zap.Logger
	writer  KafkaWriter
	source  string
	queue   chan models.StateEvent
	dropped atomic.Uint64
}

func New(logger *zap.Logger, writer KafkaWriter, source string, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{
		logger: logger,
		writer: writer,
		source: source,
		queue:  make(chan models.StateEvent, buffer),
	}
}

func (p *Publisher) Publish(st models.SyncState) {
	ev := models.NewStateEvent(st, p.source)
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.logger.Warn("State queue full, dropping", zap.String("key", ev.Key), zap.Uint64("dropped", n))
		}
	}
}

func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run drains the queue until ctx is cancelled, batching whatever is ready.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("State publisher started", zap.String("source", p.source))

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			// fresh slice per write; an async writer may hold on to it
			batch := p.appendEvent(make([]kafka.Message, 0, maxBatch), ev)
		drain:
			for len(batch) < maxBatch {
				select {
				case ev := <-p.queue:
					batch = p.appendEvent(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) == 0 {
				continue
			}

			if err := p.writer.WriteMessages(ctx, batch...); err != nil {
				p.logger.Error("Kafka Write Error", zap.Int("batch", len(batch)), zap.Error(err))
			} else {
				p.logger.Debug("Sent states", zap.Int("batch", len(batch)))
			}
		}
	}
}

func (p *Publisher) appendEvent(batch []kafka.Message, ev models.StateEvent) []kafka.Message {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("JSON Marshal Error", zap.String("key", ev.Key), zap.Error(err))
		return batch
	}
	return append(batch, kafka.Message{
		Key:   []byte(ev.Key), // keeps a subject on one partition
		Value: payload,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

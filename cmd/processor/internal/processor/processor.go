// Package processor folds the gateway's state stream into Redis: the latest
// state of every subject under state:<key>, republished on states.<key>.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

const (
	workerBuffer       = 100
	defaultSnapshotTTL = time.Hour
)

type Processor struct {
	cfg         *config.Config
	logger      Logger
	rdb         RedisClient
	reader      KafkaReader
	numWorkers  int
	snapshotTTL time.Duration
}

func NewProcessor(cfg *config.Config, logger Logger, rdb RedisClient, reader KafkaReader) *Processor {
	ttl := cfg.Redis.SnapshotTTL
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	workers := cfg.Processor.NumWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		cfg:         cfg,
		logger:      logger,
		rdb:         rdb,
		reader:      reader,
		numWorkers:  workers,
		snapshotTTL: ttl,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		workerChans[i] = make(chan []byte, workerBuffer)
		wg.Add(1)
		go p.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.logger.Info("Processor Started", zap.Int("workers", p.numWorkers))
		for {
			m, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				p.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Deterministic Sharding: Same subject always goes to same worker
			workerID := getWorkerID(m.Key, p.numWorkers)

			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				p.logger.Warn("Dropping slow packet", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")
	<-readerDone

	for _, ch := range workerChans {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

type seen struct {
	seq       uint64
	updatedMs int64
}

// newer accepts a higher Seq, or a restarted publisher whose Seq went back
// but whose data is more recent.
func (s seen) newer(ev models.StateEvent) bool {
	return ev.Seq > s.seq || ev.LastUpdatedAtMs > s.updatedMs
}

func (p *Processor) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	ctx := context.Background()

	// Local state for deduplication (only works because of deterministic sharding)
	last := make(map[string]seen)

	for payload := range msgs {
		var ev models.StateEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			p.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}
		if ev.Key == "" {
			p.logger.Warn("State event without key", zap.Int("worker_id", id))
			continue
		}
		// a loading state carries nothing a late reader can render
		if ev.IsLoading {
			continue
		}

		dedupKey := ev.Key + "|" + ev.Source
		if prev, ok := last[dedupKey]; ok && !prev.newer(ev) {
			p.logger.Debug("Skipping stale state", zap.String("key", ev.Key), zap.Uint64("seq", ev.Seq), zap.Uint64("last_seq", prev.seq))
			continue
		}

		// Atomic Update via Pipeline
		pipe := p.rdb.Pipeline()
		pipe.Set(ctx, models.SnapshotKey(ev.Key), payload, p.snapshotTTL)
		pipe.Publish(ctx, models.StateChannel(ev.Key), payload)

		_, err := pipe.Exec(ctx)
		if err != nil {
			p.logger.Error("Redis Pipeline Error", zap.Error(err), zap.String("key", ev.Key))
		} else {
			p.logger.Debug("Processed", zap.String("key", ev.Key), zap.Int("worker_id", id), zap.Uint64("seq", ev.Seq))
			last[dedupKey] = seen{seq: ev.Seq, updatedMs: ev.LastUpdatedAtMs}
		}
	}
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}

// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "cambia_lifecycle"

const (
	publishTimeout = 2 * time.Second
	pendingLimit   = 4096
)

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Publisher pushes lifecycle records onto the historian queue. Record never
// blocks the caller; a single background goroutine does the network I/O.
type Publisher struct {
	rdb   *redis.Client
	queue string
	log   *logrus.Entry

	pending chan models.LifecycleRecord
	wg      sync.WaitGroup
}

// NewPublisher starts a publisher. Call Close to flush and stop it.
func NewPublisher(rdb *redis.Client, queue string, logger *logrus.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	p := &Publisher{
		rdb:     rdb,
		queue:   queue,
		log:     logger.WithField("component", "publisher"),
		pending: make(chan models.LifecycleRecord, pendingLimit),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Record queues rec for publishing. When the queue is full the record is
// dropped and logged.
func (p *Publisher) Record(rec models.LifecycleRecord) {
	select {
	case p.pending <- rec:
	default:
		p.log.WithFields(logrus.Fields{"kind": rec.Kind, "game": rec.GameID, "lobby": rec.LobbyID}).Warn("publish queue full; record dropped")
	}
}

// Close publishes whatever is still queued and stops the publisher.
func (p *Publisher) Close() {
	close(p.pending)
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for rec := range p.pending {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := PublishLifecycleRecord(ctx, p.rdb, p.queue, rec); err != nil {
			p.log.WithError(err).WithField("kind", rec.Kind).Error("failed to publish lifecycle record")
		}
		cancel()
	}
}

// PublishLifecycleRecord serializes the given record to JSON, then pushes it to the Redis queue.
func PublishLifecycleRecord(ctx context.Context, rdb *redis.Client, queue string, rec models.LifecycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal LifecycleRecord: %w", err)
	}
	if err := rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queue, err)
	}
	return nil
}

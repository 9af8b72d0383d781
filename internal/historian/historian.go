// Package historian drains lifecycle records from the Redis queue and
// persists them in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is where batches end up.
type Store interface {
	InsertLifecycleRecords(ctx context.Context, recs []models.LifecycleRecord) error
}

// Service pops records with BLPop, accumulates them, and flushes a batch
// when it is full or the flush interval passes.
type Service struct {
	rdb        *redis.Client
	store      Store
	queue      string
	batchSize  int
	flushDelay time.Duration
	popTimeout time.Duration
	log        *logrus.Entry

	batchMu sync.Mutex
	batch   []models.LifecycleRecord
}

// NewService builds a historian over the given queue.
func NewService(rdb *redis.Client, store Store, queue string, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}
	return &Service{
		rdb:        rdb,
		store:      store,
		queue:      queue,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		popTimeout: time.Second,
		log:        logger.WithField("component", "historian"),
		batch:      make([]models.LifecycleRecord, 0, batchSize),
	}
}

// Run consumes the queue until ctx is cancelled, then flushes what it holds.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.flushLoop(ctx)
	}()

	s.log.WithField("queue", s.queue).Info("historian started")
	for ctx.Err() == nil {
		res, err := s.rdb.BLPop(ctx, s.popTimeout, s.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.log.WithError(err).Error("BLPop failed")
			select {
			case <-ctx.Done():
			case <-time.After(s.popTimeout):
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		var rec models.LifecycleRecord
		if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
			s.log.WithError(err).Warn("invalid lifecycle record")
			continue
		}
		s.append(ctx, rec)
	}

	wg.Wait()
	s.Flush(context.Background())
	s.log.Info("historian stopped")
	return nil
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

func (s *Service) append(ctx context.Context, rec models.LifecycleRecord) {
	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()
	if full {
		s.Flush(ctx)
	}
}

// Flush writes the current batch. A failed batch is put back in front of
// records that arrived meanwhile and retried on the next flush.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]models.LifecycleRecord, 0, s.batchSize)
	s.batchMu.Unlock()

	if err := s.store.InsertLifecycleRecords(ctx, batch); err != nil {
		s.log.WithError(err).WithField("records", len(batch)).Error("flush failed")
		s.batchMu.Lock()
		s.batch = append(batch, s.batch...)
		s.batchMu.Unlock()
		return
	}
	s.log.WithField("records", len(batch)).Debug("flushed lifecycle records")
}

// Pending returns the number of records waiting to be flushed.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

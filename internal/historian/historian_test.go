package historian

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/cache"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "lifecycle_test"

// fakeStore records batches and fails the first failures inserts.
type fakeStore struct {
	mu       sync.Mutex
	recs     []models.LifecycleRecord
	failures int
	calls    int
}

func (f *fakeStore) InsertLifecycleRecords(ctx context.Context, recs []models.LifecycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	f.recs = append(f.recs, recs...)
	return nil
}

func (f *fakeStore) records() []models.LifecycleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LifecycleRecord(nil), f.recs...)
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func record(kind models.LifecycleKind) models.LifecycleRecord {
	rec := models.NewLifecycleRecord(kind, time.Now())
	rec.GameID = uuid.New()
	return rec
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// runService starts s and returns a func that stops it and waits for Run.
func runService(t *testing.T, s *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("historian did not stop")
		}
	}
}

func TestRunPersistsQueuedRecords(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	want := []models.LifecycleRecord{
		record(models.LifecycleGamePending),
		record(models.LifecycleGameStarted),
		record(models.LifecycleGameCompleted),
	}
	for i, rec := range want {
		if i == 1 {
			mr.Push(testQueue, "{not json")
		}
		require.NoError(t, cache.PublishLifecycleRecord(ctx, rdb, testQueue, rec))
	}

	store := &fakeStore{}
	s := NewService(rdb, store, testQueue, 2, 20*time.Millisecond, newLogger())
	stop := runService(t, s)

	require.Eventually(t, func() bool { return len(store.records()) == len(want) }, 3*time.Second, 10*time.Millisecond)
	stop()

	assert.ElementsMatch(t, want, store.records(), "malformed entries are skipped")
	assert.Zero(t, s.Pending())
	assert.False(t, mr.Exists(testQueue))
}

func TestRunFlushesOnShutdown(t *testing.T) {
	_, rdb := setupRedis(t)
	rec := record(models.LifecycleGameAborted)
	require.NoError(t, cache.PublishLifecycleRecord(context.Background(), rdb, testQueue, rec))

	store := &fakeStore{}
	s := NewService(rdb, store, testQueue, 10, time.Hour, newLogger())
	stop := runService(t, s)

	require.Eventually(t, func() bool { return s.Pending() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.records())
	stop()

	assert.Equal(t, []models.LifecycleRecord{rec}, store.records())
	assert.Zero(t, s.Pending())
}

func TestFailedFlushKeepsBatchInOrder(t *testing.T) {
	store := &fakeStore{failures: 1}
	s := NewService(nil, store, testQueue, 2, time.Hour, newLogger())
	ctx := context.Background()
	recs := []models.LifecycleRecord{
		record(models.LifecycleGamePending),
		record(models.LifecycleGameStarted),
		record(models.LifecycleGameCompleted),
	}

	s.append(ctx, recs[0])
	s.append(ctx, recs[1])
	assert.Equal(t, 2, s.Pending(), "a failed batch is kept for the next flush")
	assert.Empty(t, store.records())

	s.append(ctx, recs[2])
	assert.Zero(t, s.Pending())
	assert.Equal(t, recs, store.records())
	assert.Equal(t, 2, store.calls)
}

func TestFlushWithEmptyBatchSkipsStore(t *testing.T) {
	store := &fakeStore{}
	s := NewService(nil, store, testQueue, 0, 0, newLogger())

	s.Flush(context.Background())
	assert.Zero(t, store.calls)
	assert.Equal(t, 20, s.batchSize)
}

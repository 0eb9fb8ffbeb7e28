package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/config"
	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

type captureSink struct {
	mu     sync.Mutex
	got    []core.OutboxEvent
	failID string
}

func (c *captureSink) sink(ctx context.Context, e core.OutboxEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ID == c.failID {
		return errors.New("sink down")
	}
	c.got = append(c.got, e)
	return nil
}

func newPublisher(t *testing.T, sink Sink, maxAttempts int) (*Publisher, *storage.Store) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.OutboxPublisherConfig{FixedDelayMs: 1000, BatchSize: 100, MaxAttempts: maxAttempts}
	return NewPublisher(store, sink, cfg, logging.NewNop()), store
}

func insertEvent(t *testing.T, store *storage.Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(q *storage.Queries) error {
		return q.InsertOutboxEvent(context.Background(), &core.OutboxEvent{
			ID: id, Type: core.EventOrderSent, PayloadJSON: `{"order_id":"` + id + `"}`, CreatedAt: at,
		})
	}))
}

func pendingCount(t *testing.T, store *storage.Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, store.WithTx(context.Background(), func(q *storage.Queries) error {
		var err error
		n, err = q.CountPendingOutbox(context.Background())
		return err
	}))
	return n
}

func TestDrainOnce_PublishesInCreationOrder(t *testing.T) {
	cs := &captureSink{}
	pub, store := newPublisher(t, cs.sink, 10)

	base := time.Now().UTC().Truncate(time.Millisecond)
	insertEvent(t, store, "e-2", base.Add(time.Second))
	insertEvent(t, store, "e-1", base)
	insertEvent(t, store, "e-3", base.Add(2*time.Second))

	published, failed, err := pub.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Zero(t, failed)

	require.Len(t, cs.got, 3)
	assert.Equal(t, "e-1", cs.got[0].ID)
	assert.Equal(t, "e-2", cs.got[1].ID)
	assert.Equal(t, "e-3", cs.got[2].ID)
	assert.Zero(t, pendingCount(t, store))
}

func TestDrainOnce_PublishedEventsStayPublished(t *testing.T) {
	cs := &captureSink{}
	pub, store := newPublisher(t, cs.sink, 10)
	insertEvent(t, store, "e-1", time.Now().UTC())

	_, _, err := pub.DrainOnce(context.Background())
	require.NoError(t, err)

	published, _, err := pub.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published, "second pass has nothing to do")
	assert.Len(t, cs.got, 1)
}

func TestDrainOnce_FailureLeavesEventPending(t *testing.T) {
	cs := &captureSink{failID: "e-1"}
	pub, store := newPublisher(t, cs.sink, 10)
	insertEvent(t, store, "e-1", time.Now().UTC())

	published, failed, err := pub.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(1), pendingCount(t, store))

	// sink recovers, the event goes out on the next pass
	cs.failID = ""
	published, _, err = pub.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
}

func TestDrainOnce_PoisonsAfterMaxAttempts(t *testing.T) {
	cs := &captureSink{failID: "e-1"}
	pub, store := newPublisher(t, cs.sink, 3)
	insertEvent(t, store, "e-1", time.Now().UTC())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, failed, err := pub.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
	}

	// poisoned events leave the pending set entirely
	assert.Zero(t, pendingCount(t, store))
	published, failed, err := pub.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Zero(t, failed)
}

func TestDrainOnce_PoisonDoesNotBlockLaterEvents(t *testing.T) {
	cs := &captureSink{failID: "e-bad"}
	pub, store := newPublisher(t, cs.sink, 10)

	base := time.Now().UTC()
	insertEvent(t, store, "e-bad", base)
	insertEvent(t, store, "e-good", base.Add(time.Second))

	published, failed, err := pub.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 1, failed)
	require.Len(t, cs.got, 1)
	assert.Equal(t, "e-good", cs.got[0].ID)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cs := &captureSink{}
	pub, store := newPublisher(t, cs.sink, 10)
	pub.cfg.FixedDelayMs = 10
	insertEvent(t, store, "e-1", time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	assert.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

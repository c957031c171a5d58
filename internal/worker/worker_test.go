package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/service/queue"
)

type fakeProcessor struct {
	mu        sync.Mutex
	due       []uuid.UUID
	outcomes  map[uuid.UUID]queue.ResultOutcome
	processed []uuid.UUID
	inFlight  int
	maxFlight int
}

func (f *fakeProcessor) DueIDs(_ context.Context, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.due)
	if n > limit {
		n = limit
	}
	out := append([]uuid.UUID(nil), f.due[:n]...)
	f.due = f.due[n:]
	return out, nil
}

func (f *fakeProcessor) ProcessOne(_ context.Context, id uuid.UUID, _ queue.ProcessOptions) (*queue.Result, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.processed = append(f.processed, id)
	if o, ok := f.outcomes[id]; ok {
		if o == "" {
			return nil, errors.New("boom")
		}
		return &queue.Result{Outcome: o}, nil
	}
	return &queue.Result{Outcome: queue.OutcomeSent}, nil
}

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestSendPool_RunOnceBoundsConcurrency(t *testing.T) {
	due := ids(12)
	proc := &fakeProcessor{due: due, outcomes: map[uuid.UUID]queue.ResultOutcome{
		due[0]: queue.OutcomeFailed,
		due[1]: queue.OutcomeRetry,
		due[2]: queue.OutcomeInProgress,
		due[3]: "",
	}}
	pool := NewSendPool(proc, PoolOptions{Workers: 3, BatchSize: 20})

	n, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.ElementsMatch(t, due, proc.processed)
	assert.LessOrEqual(t, proc.maxFlight, 3)

	st := pool.Stats()
	assert.Equal(t, int64(8), st.Sent)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Retried)
	assert.Equal(t, int64(1), st.Contended)
	assert.Equal(t, int64(1), st.Errors)
}

func TestSendPool_RunDrainsFullBatchesThenStops(t *testing.T) {
	proc := &fakeProcessor{due: ids(25)}
	pool := NewSendPool(proc, PoolOptions{Workers: 5, BatchSize: 10, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return pool.Stats().Sent == 25 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

type fakeRecoverer struct {
	cutoff time.Time
	err    error
}

func (f *fakeRecoverer) RecoverStale(_ context.Context, cutoff time.Time, _ int) (int, int, error) {
	f.cutoff = cutoff
	return 2, 1, f.err
}

func TestQueueRecoveryWorker_RecoverOnce(t *testing.T) {
	rec := &fakeRecoverer{}
	w := NewQueueRecoveryWorker(rec, 0, 10*time.Minute)

	assert.Equal(t, 3, w.RecoverOnce(context.Background()))
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), rec.cutoff, 5*time.Second)

	rec.err = errors.New("db down")
	assert.Zero(t, w.RecoverOnce(context.Background()))
}

type fakeCleaner struct {
	batches []int64
	calls   int
}

func (f *fakeCleaner) Cleanup(_ context.Context, _ time.Time, _ int) (int64, error) {
	if f.calls >= len(f.batches) {
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func TestDataCleanupWorker_BatchesUntilShort(t *testing.T) {
	c := &fakeCleaner{batches: []int64{cleanupBatchSize, cleanupBatchSize, 17}}
	w := NewDataCleanupWorker(c, 0, 0)

	assert.Equal(t, int64(2*cleanupBatchSize+17), w.CleanupOnce(context.Background()))
	assert.Equal(t, 3, c.calls)
}

package task

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longaudio/stage"
	"longaudio/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(db)
	s.now = clock.Now
	return s, clock
}

func TestNewID(t *testing.T) {
	at := time.UnixMilli(1709294400123)
	assert.Equal(t, "42_1709294400123", NewID(42, at))
}

func TestEnqueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, 7, "/uploads/a.ogg", "a.ogg")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, NewID(7, first.CreatedAt), first.ID)

	// Same submitter, same millisecond.
	second, err := s.Enqueue(ctx, 7, "/uploads/b.ogg", "b.ogg")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	got, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/b.ogg", got.SourcePath)
	assert.Equal(t, "b.ogg", got.DisplayName)
	assert.Equal(t, StatusPending, got.Status)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "1_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextOldestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, 2, "/u/a", "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Enqueue(ctx, 1, "/u/b", "b")
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.ID, claimed.ID)
	assert.Equal(t, StatusProcessing, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.Equal(t, 1, claimed.Attempts)

	stored, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
}

func TestClaimNextEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	claimed, err := s.ClaimNext(context.Background(), "w1")
	assert.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimExclusivity(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	const pending, claimers = 5, 20
	for i := 0; i < pending; i++ {
		_, err := s.Enqueue(ctx, int64(i), fmt.Sprintf("/u/%d", i), "f")
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		claims = map[string]int{}
		start  = make(chan struct{})
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			for {
				claimed, err := s.ClaimNext(ctx, worker)
				if !assert.NoError(t, err) || claimed == nil {
					return
				}
				mu.Lock()
				claims[claimed.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", i))
	}
	close(start)
	wg.Wait()

	assert.Len(t, claims, pending)
	for id, n := range claims {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: pending, Total: pending}, st)
}

func TestCompleteAndFail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	b, _ := s.Enqueue(ctx, 1, "/u/b", "b")
	_, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	res := Result{TranscriptPath: "/r/a.txt", EnhancedAudioPath: "/r/a.wav"}
	require.NoError(t, s.Complete(ctx, a.ID, "w1", res))
	require.NoError(t, s.Fail(ctx, b.ID, "w1", "transcription: segment 1 of 2: exit status 1"))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, res, got.Result)
	assert.Empty(t, got.Error)

	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "segment 1 of 2")

	// Terminal rows cannot move again.
	assert.ErrorIs(t, s.Complete(ctx, b.ID, "w1", res), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(ctx, a.ID, "w1", "late"), ErrInvalidTransition)
}

func TestTransitionsRequireOwnership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	assert.ErrorIs(t, s.Complete(ctx, a.ID, "w1", Result{}), ErrInvalidTransition, "pending task cannot complete")

	_, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Heartbeat(ctx, a.ID, "w2"), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(ctx, a.ID, "w2", "x"), ErrInvalidTransition)
	assert.NoError(t, s.Heartbeat(ctx, a.ID, "w1"))
}

func TestRecoverStale(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	_, err := s.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)

	ids, err := s.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids, "fresh task must not be recovered")

	clock.Advance(11 * time.Minute)
	ids, err = s.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.WorkerID)

	ids, err = s.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)

	claimed, err := s.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.ID, claimed.ID)
	assert.Equal(t, 2, claimed.Attempts)

	// The crashed worker can no longer write to the row.
	assert.ErrorIs(t, s.Complete(ctx, a.ID, "crashed-worker", Result{}), ErrInvalidTransition)
}

func TestHeartbeatPreventsRecovery(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	_, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, a.ID, "w1"))
	clock.Advance(8 * time.Minute)

	ids, err := s.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRequeue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	_, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Requeue(ctx, a.ID, "w1"))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestForSubmitterNewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		tk, err := s.Enqueue(ctx, 9, fmt.Sprintf("/u/%d", i), "f")
		require.NoError(t, err)
		ids = append(ids, tk.ID)
		clock.Advance(time.Second)
	}
	_, err := s.Enqueue(ctx, 10, "/u/other", "f")
	require.NoError(t, err)

	list, err := s.ForSubmitter(ctx, 9, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})

	list, err = s.ForSubmitter(ctx, 9, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, 1, "/u/a", "a")
	s.Enqueue(ctx, 1, "/u/b", "b")
	s.Enqueue(ctx, 1, "/u/c", "c")
	_, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, a.ID, "w1", "boom"))
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Processing: 1, Failed: 1, Total: 3}, st)
}

func TestStoreErrorsArePersistenceStage(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.db.Close())

	_, err := s.ClaimNext(context.Background(), "w1")
	st, ok := stage.Of(err)
	require.True(t, ok)
	assert.Equal(t, stage.Persistence, st)
}

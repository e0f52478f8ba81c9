package es

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(opts ...StoreOption) *Store {
	return NewStore(NewInMemoryStorage(), opts...)
}

func saveClaims(t *testing.T, s *Store, aggID string, from Version, events ...any) *StoreAppendResult {
	t.Helper()

	envs := make([]Envelope, 0, len(events))
	v := from
	for _, e := range events {
		v++
		env := claimEnvelope(t, v, 0, e)
		env.AggregateID = aggID
		envs = append(envs, env)
	}
	res, err := s.SaveEvents(context.Background(), "claim", aggID, from, envs)
	require.NoError(t, err)
	return res
}

func TestStore_SaveAndGet(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	res := saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100}, claimApproved{Reviewer: "r1"})
	require.Len(t, res.Events, 2)
	assert.Equal(t, res.Events[1].Seq, res.LastSeq)
	assert.Less(t, res.Events[0].Seq, res.Events[1].Seq, "global sequence is strictly increasing")

	events, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Version(1), events[0].Version)
	assert.Equal(t, Version(2), events[1].Version)

	v, err := s.GetCurrentVersion(ctx, "claim", "c1")
	require.NoError(t, err)
	assert.Equal(t, Version(2), v)
}

func TestStore_ConcurrencyConflict(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100})

	// a second writer with a stale expected version loses the race
	stale := claimEnvelope(t, 1, 0, claimApproved{Reviewer: "r1"})
	_, err := s.SaveEvents(ctx, "claim", "c1", 0, []Envelope{stale})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "c1", ce.AggregateID)
	assert.Equal(t, Version(0), ce.Expected)
	assert.Equal(t, Version(1), ce.Actual)

	// nothing was persisted
	events, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// slowVersionStorage holds the version read open so that unserialized
// writers would overlap between the check and the append.
type slowVersionStorage struct {
	Storage
	delay time.Duration
}

func (s *slowVersionStorage) GetCurrentVersion(ctx context.Context, streamKey string) (Version, error) {
	v, err := s.Storage.GetCurrentVersion(ctx, streamKey)
	time.Sleep(s.delay)
	return v, err
}

func TestStore_ConcurrentWritersOneWinner(t *testing.T) {
	s := NewStore(&slowVersionStorage{Storage: NewInMemoryStorage(), delay: 20 * time.Millisecond})
	defer s.Close()
	ctx := context.Background()

	const writers = 4
	envs := make([]Envelope, writers)
	for i := range envs {
		envs[i] = claimEnvelope(t, 1, 0, claimSubmitted{ClaimID: "c1", Amount: 100})
	}

	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		env := envs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveEvents(ctx, "claim", "c1", 0, []Envelope{env})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, ErrConcurrencyConflict)
		lost++
	}
	assert.Equal(t, 1, won, "exactly one writer passes the version check")
	assert.Equal(t, writers-1, lost)

	// the stream holds the winner's event only, no duplicate versions
	events, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Version(1), events[0].Version)
}

func TestStore_VersionGapInBatch(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	bad := claimEnvelope(t, 3, 0, claimSubmitted{ClaimID: "c1"})
	_, err := s.SaveEvents(ctx, "claim", "c1", 0, []Envelope{bad})
	require.Error(t, err)
}

func TestStore_EmptyBatch(t *testing.T) {
	s := testStore()
	_, err := s.SaveEvents(context.Background(), "claim", "c1", 0, nil)
	require.ErrorIs(t, err, ErrStoreNoEvents)
}

func TestStore_GetEventsRange(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	saveClaims(t, s, "c1", 0,
		claimSubmitted{ClaimID: "c1", Amount: 100},
		claimApproved{Reviewer: "r1"},
		claimPaid{},
	)

	events, err := s.GetEvents(ctx, "claim", "c1", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Version(2), events[0].Version)

	events, err = s.GetEvents(ctx, "claim", "c1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2, "toVersion zero means open-ended")
}

func TestStore_GetEvents_StreamNotFound(t *testing.T) {
	s := testStore()
	_, err := s.GetEvents(context.Background(), "claim", "missing", 0, 0)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStore_CachedReads(t *testing.T) {
	s := testStore(WithCacheLRU(16))
	ctx := context.Background()

	saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100})

	first, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	second, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// writes keep the cached stream current
	saveClaims(t, s, "c1", 1, claimApproved{Reviewer: "r1"})
	events, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_GetAllEvents(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100})
	saveClaims(t, s, "c2", 0, claimSubmitted{ClaimID: "c2", Amount: 50}, claimApproved{Reviewer: "r1"})

	all, err := s.GetAllEvents(ctx, AllEventsFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq, "global order by sequence")
	}

	// fromPosition is exclusive
	tail, err := s.GetAllEvents(ctx, AllEventsFilter{}, all[0].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	approved, err := s.GetAllEvents(ctx, AllEventsFilter{EventTypes: []string{"ClaimApproved"}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "c2", approved[0].AggregateID)
}

func TestStore_Subscribe(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	sub := s.Subscribe(ctx, SubscribeFilter{EventTypes: []string{"ClaimApproved"}})
	defer sub.Cancel()

	saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100}, claimApproved{Reviewer: "r1"})

	select {
	case env := <-sub.Chan():
		assert.Equal(t, "ClaimApproved", env.Type)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	select {
	case env := <-sub.Chan():
		t.Fatalf("unexpected event %q past the filter", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_SubscribeCancelledByContext(t *testing.T) {
	s := testStore()
	ctx, cancel := context.WithCancel(context.Background())

	sub := s.Subscribe(ctx, SubscribeFilter{})
	cancel()

	// after cancellation the channel closes and writes no longer reach it
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Chan():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStore_TruncateStream(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	saveClaims(t, s, "c1", 0,
		claimSubmitted{ClaimID: "c1", Amount: 100},
		claimApproved{Reviewer: "r1"},
		claimPaid{},
	)

	require.NoError(t, s.TruncateStream(ctx, "claim", "c1", 1))

	events, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Version(2), events[0].Version)
}

func TestStore_DeleteStream(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	saveClaims(t, s, "c1", 0, claimSubmitted{ClaimID: "c1", Amount: 100})
	require.NoError(t, s.DeleteStream(ctx, "claim", "c1"))

	_, err := s.GetEvents(ctx, "claim", "c1", 0, 0)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

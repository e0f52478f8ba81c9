package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimRepo(t *testing.T, opts ...RepositoryOption) (TypedRepository[*Claim], *Store) {
	t.Helper()
	store := NewStore(NewInMemoryStorage(), WithSnapshotStore(NewInMemorySnapshotStore(nil)))
	return NewTypedRepository[*Claim](store, claimRegistry(), opts...), store
}

func TestRepository_SaveAndLoad(t *testing.T) {
	repo, _ := claimRepo(t)
	ctx := context.Background()

	c := repo.NewWithID("c1")
	require.NoError(t, RaiseAndApply(c,
		&claimSubmitted{ClaimID: "c1", Amount: 300},
		&claimApproved{Reviewer: "r1"},
	))
	require.NoError(t, repo.Save(ctx, c))
	assert.Empty(t, c.Uncommitted())
	assert.NotZero(t, c.GetSeq())

	loaded, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Version(2), loaded.GetVersion())
	assert.Equal(t, "approved", loaded.Status)
	assert.Equal(t, int64(300), loaded.Amount)
}

func TestRepository_LoadMissing(t *testing.T) {
	repo, _ := claimRepo(t)
	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestRepository_SaveNothing(t *testing.T) {
	repo, store := claimRepo(t)
	ctx := context.Background()

	c := repo.NewWithID("c1")
	require.NoError(t, repo.Save(ctx, c), "no uncommitted events is a no-op")

	v, err := store.GetCurrentVersion(ctx, "claim", "c1")
	require.NoError(t, err)
	assert.Equal(t, Version(0), v)
}

func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	repo, _ := claimRepo(t)
	ctx := context.Background()

	c := repo.NewWithID("c1")
	require.NoError(t, RaiseAndApply(c, &claimSubmitted{ClaimID: "c1", Amount: 100}))
	require.NoError(t, repo.Save(ctx, c))

	// two readers load the same version, both try to approve
	a, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, RaiseAndApply(a, &claimApproved{Reviewer: "first"}))
	require.NoError(t, repo.Save(ctx, a))

	require.NoError(t, RaiseAndApply(b, &claimApproved{Reviewer: "second"}))
	err = repo.Save(ctx, b)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Version(1), ce.Expected)
	assert.Equal(t, Version(2), ce.Actual)
}

func TestRepository_WithTransactionRetries(t *testing.T) {
	repo, _ := claimRepo(t)
	ctx := context.Background()

	c := repo.NewWithID("c1")
	require.NoError(t, RaiseAndApply(c, &claimSubmitted{ClaimID: "c1", Amount: 100}))
	require.NoError(t, repo.Save(ctx, c))

	// sabotage the first attempt with an out-of-band write
	interfered := false
	err := repo.WithTransaction(ctx, "c1", func(a *Claim) error {
		if !interfered {
			interfered = true
			other, err := repo.GetByID(ctx, "c1")
			require.NoError(t, err)
			require.NoError(t, RaiseAndApply(other, &claimApproved{Reviewer: "other"}))
			require.NoError(t, repo.Save(ctx, other))
		}
		return RaiseAndApply(a, &claimPaid{})
	})
	require.NoError(t, err)

	final, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "paid", final.Status)
	assert.Equal(t, Version(3), final.GetVersion())
}

func TestRepository_SnapshotCadence(t *testing.T) {
	repo, store := claimRepo(t, WithSnapshotEvery(2))
	ctx := context.Background()

	c := repo.NewWithID("c1")
	require.NoError(t, RaiseAndApply(c, &claimSubmitted{ClaimID: "c1", Amount: 100}))
	require.NoError(t, repo.Save(ctx, c))

	_, err := store.SnapshotStore().GetLatestSnapshot(ctx, "claim", "c1")
	require.ErrorIs(t, err, ErrSnapshotNotFound, "below the cadence, no snapshot yet")

	require.NoError(t, RaiseAndApply(c, &claimApproved{Reviewer: "r1"}))
	require.NoError(t, repo.Save(ctx, c))

	ss, err := store.SnapshotStore().GetLatestSnapshot(ctx, "claim", "c1")
	require.NoError(t, err)
	assert.Equal(t, Version(2), ss.AggVersion)

	// loading after the snapshot replays only the tail
	require.NoError(t, RaiseAndApply(c, &claimPaid{}))
	require.NoError(t, repo.Save(ctx, c))

	loaded, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Version(3), loaded.GetVersion())
	assert.Equal(t, "paid", loaded.Status)
}

package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsstack/eventwave/core/es"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(StorageConfig{
		Connect:       testConnector(t),
		StreamName:    uniqueName("eventwave_test"),
		SubjectPrefix: uniqueName("eventwave.test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEnvelope(t *testing.T, aggID string, version es.Version, eventType string) es.Envelope {
	t.Helper()
	data, err := json.Marshal(map[string]any{"claim_id": aggID})
	require.NoError(t, err)
	return es.Envelope{
		ID:            gonanoid.Must(),
		Version:       version,
		AggregateType: "claim",
		AggregateID:   aggID,
		Type:          eventType,
		OccurredAt:    time.Now(),
		Data:          data,
	}
}

func TestStorage_SaveAndGet(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	key := es.StreamKey("claim", "c1")

	stamped, err := s.SaveEvents(ctx, key, []es.Envelope{
		testEnvelope(t, "c1", 1, "ClaimSubmitted"),
		testEnvelope(t, "c1", 2, "ClaimApproved"),
	})
	require.NoError(t, err)
	require.Len(t, stamped, 2)
	assert.Greater(t, stamped[1].Seq, stamped[0].Seq)

	events, err := s.GetEvents(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ClaimSubmitted", events[0].Type)
	assert.Equal(t, "ClaimApproved", events[1].Type)

	v, err := s.GetCurrentVersion(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, es.Version(2), v)
}

func TestStorage_SaveNothing(t *testing.T) {
	s := testStorage(t)
	_, err := s.SaveEvents(context.Background(), es.StreamKey("claim", "c1"), nil)
	require.ErrorIs(t, err, es.ErrStoreNoEvents)
}

func TestStorage_MissingStream(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()

	_, err := s.GetEvents(ctx, es.StreamKey("claim", "missing"), 0, 0)
	require.ErrorIs(t, err, es.ErrStreamNotFound)

	v, err := s.GetCurrentVersion(ctx, es.StreamKey("claim", "missing"))
	require.NoError(t, err)
	assert.Equal(t, es.Version(0), v)
}

func TestStorage_VersionRange(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	key := es.StreamKey("claim", "c1")

	_, err := s.SaveEvents(ctx, key, []es.Envelope{
		testEnvelope(t, "c1", 1, "ClaimSubmitted"),
		testEnvelope(t, "c1", 2, "ClaimApproved"),
		testEnvelope(t, "c1", 3, "ClaimPaid"),
	})
	require.NoError(t, err)

	events, err := s.GetEvents(ctx, key, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, es.Version(2), events[0].Version)
}

func TestStorage_GetAllEvents(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()

	a, err := s.SaveEvents(ctx, es.StreamKey("claim", "c1"), []es.Envelope{
		testEnvelope(t, "c1", 1, "ClaimSubmitted"),
	})
	require.NoError(t, err)
	_, err = s.SaveEvents(ctx, es.StreamKey("claim", "c2"), []es.Envelope{
		testEnvelope(t, "c2", 1, "ClaimSubmitted"),
		testEnvelope(t, "c2", 2, "ClaimRejected"),
	})
	require.NoError(t, err)

	all, err := s.GetAllEvents(ctx, es.AllEventsFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// fromPosition is exclusive
	tail, err := s.GetAllEvents(ctx, es.AllEventsFilter{}, a[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	filtered, err := s.GetAllEvents(ctx, es.AllEventsFilter{EventTypes: []string{"ClaimRejected"}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "c2", filtered[0].AggregateID)
}

func TestStorage_TruncateStream(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	key := es.StreamKey("claim", "c1")

	_, err := s.SaveEvents(ctx, key, []es.Envelope{
		testEnvelope(t, "c1", 1, "ClaimSubmitted"),
		testEnvelope(t, "c1", 2, "ClaimApproved"),
		testEnvelope(t, "c1", 3, "ClaimPaid"),
	})
	require.NoError(t, err)

	require.NoError(t, s.TruncateStream(ctx, key, 2))

	events, err := s.GetEvents(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, es.Version(3), events[0].Version)
}

func TestStorage_DeleteStream(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	key := es.StreamKey("claim", "c1")

	_, err := s.SaveEvents(ctx, key, []es.Envelope{
		testEnvelope(t, "c1", 1, "ClaimSubmitted"),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteStream(ctx, key))
	_, err = s.GetEvents(ctx, key, 0, 0)
	require.ErrorIs(t, err, es.ErrStreamNotFound)
}

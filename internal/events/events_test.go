package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 12, 2, 9, 30, 0, 0, time.UTC)
	env, err := NewEnvelope(DetailConnectionRemoved, ConnectionRemoved{
		UserID: "u1", ConnectedUserID: "u2", ConnectionID: "c1", Timestamp: ts,
	}, "d1")
	require.NoError(t, err)
	assert.Equal(t, Source, env.Source)
	assert.Equal(t, "d1", env.DeliveryID)

	var got ConnectionRemoved
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "u2", got.ConnectedUserID)
	assert.True(t, got.Timestamp.Equal(ts))
}

func TestDerivedDeliveryID(t *testing.T) {
	a := DerivedDeliveryID("change-1", DetailConnectionCreated)
	assert.Equal(t, a, DerivedDeliveryID("change-1", DetailConnectionCreated))
	assert.NotEqual(t, a, DerivedDeliveryID("change-1", DetailUserConnectionCountUpdated))
	assert.NotEqual(t, a, DerivedDeliveryID("change-2", DetailConnectionCreated))
}

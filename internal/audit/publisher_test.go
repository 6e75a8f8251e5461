package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorePublisherFillsTimestamp(t *testing.T) {
	store := NewMemoryStore()
	publisher := NewStorePublisher(store)

	err := publisher.Emit(context.Background(), Event{
		IdentityID: "jkowalski",
		Action:     "provision",
		Stage:      "active",
	})
	require.NoError(t, err)

	events := store.Events()
	require.Len(t, events, 1)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestStorePublisherKeepsExplicitTimestamp(t *testing.T) {
	store := NewMemoryStore()
	publisher := NewStorePublisher(store)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := publisher.Emit(context.Background(), Event{
		Timestamp:  at,
		IdentityID: "anowak",
		Action:     "archive",
		Stage:      "archived",
	})
	require.NoError(t, err)
	require.Equal(t, at, store.Events()[0].Timestamp)
}

func TestMemoryStoreEventsReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Append(context.Background(), Event{IdentityID: "a"}))

	events := store.Events()
	events[0].IdentityID = "tampered"
	require.Equal(t, "a", store.Events()[0].IdentityID)
}

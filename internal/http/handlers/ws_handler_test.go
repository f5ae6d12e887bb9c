package handlers

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func statusEvent(id uuid.UUID) events.Event {
	return events.Event{
		Type:    events.EventEscrowStatusChanged,
		Payload: map[string]any{"escrow_id": id.String(), "new_status": "funded"},
	}
}

func TestDispatchRoutesByEscrow(t *testing.T) {
	hub := NewWSHub("secret", events.NewMemoryBus(), zap.NewNop())
	watched, other := uuid.New(), uuid.New()

	one := newWSClient(nil, 4)
	all := newWSClient(nil, 4)
	hub.add(watched, one)
	hub.add(uuid.Nil, all)

	hub.Dispatch(statusEvent(watched))
	hub.Dispatch(statusEvent(other))

	require.Len(t, one.send, 1)
	require.Len(t, all.send, 2)

	var got events.Event
	require.NoError(t, json.Unmarshal(<-one.send, &got))
	require.Equal(t, watched.String(), got.Payload["escrow_id"])
}

func TestDispatchFromManyGoroutines(t *testing.T) {
	hub := NewWSHub("secret", events.NewMemoryBus(), zap.NewNop())
	id := uuid.New()

	const senders, perSender = 8, 50
	client := newWSClient(nil, senders*perSender)
	hub.add(id, client)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				hub.Dispatch(statusEvent(id))
			}
		}()
	}
	wg.Wait()

	require.Len(t, client.send, senders*perSender)
}

func TestDispatchDropsForSlowClient(t *testing.T) {
	hub := NewWSHub("secret", events.NewMemoryBus(), zap.NewNop())
	id := uuid.New()
	client := newWSClient(nil, 1)
	hub.add(id, client)

	hub.Dispatch(statusEvent(id))
	hub.Dispatch(statusEvent(id))

	require.Len(t, client.send, 1)
}

func TestRemoveClosesSend(t *testing.T) {
	hub := NewWSHub("secret", events.NewMemoryBus(), zap.NewNop())
	id := uuid.New()
	client := newWSClient(nil, 1)
	hub.add(id, client)
	hub.remove(id, client)

	_, open := <-client.send
	require.False(t, open)

	// no watchers left, dispatch must not touch the closed channel
	hub.Dispatch(statusEvent(id))
}

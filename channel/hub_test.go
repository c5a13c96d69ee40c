package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastReachesRoomOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := testLog()
	hub := NewHub(log)

	aClient, aServer := Pipe(ctx, log)
	bClient, bServer := Pipe(ctx, log)
	cClient, cServer := Pipe(ctx, log)
	hub.Attach(aServer)
	hub.Attach(bServer)
	hub.Attach(cServer)

	inbox := func(s *Socket) chan string {
		ch := make(chan string, 4)
		s.On("news", func(ctx context.Context, _ *Socket, args []json.RawMessage, _ AckFunc) {
			var msg string
			assert.NoError(t, json.Unmarshal(args[0], &msg))
			ch <- msg
		})
		return ch
	}
	aInbox, bInbox, cInbox := inbox(aClient), inbox(bClient), inbox(cClient)

	hub.Join("replicants/x", aServer)
	hub.Join("replicants/x", bServer)
	assert.Equal(t, 2, hub.RoomSize("replicants/x"))

	require.NoError(t, hub.Broadcast(ctx, "replicants/x", "news", []any{"hi"}))

	for _, ch := range []chan string{aInbox, bInbox} {
		select {
		case msg := <-ch:
			assert.Equal(t, "hi", msg)
		case <-ctx.Done():
			t.Fatal("room member missed the broadcast")
		}
	}

	select {
	case <-cInbox:
		t.Fatal("socket outside the room got the broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubDetachLeavesRooms(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := testLog()
	hub := NewHub(log)

	_, server := Pipe(ctx, log)
	hub.Attach(server)
	hub.Join("replicants/y", server)
	require.Equal(t, 1, hub.RoomSize("replicants/y"))

	hub.Detach(server)
	assert.Equal(t, 0, hub.RoomSize("replicants/y"))
	assert.Equal(t, 0, hub.Sockets())
}

func TestHubBroadcastEmptyRoom(t *testing.T) {
	hub := NewHub(testLog())
	assert.NoError(t, hub.Broadcast(context.Background(), "replicants/none", "news", []any{1}))
}

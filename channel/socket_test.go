package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdcp/replicants/utils"
)

func testLog() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func TestSocketEmitAndAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := Pipe(ctx, testLog())

	served := make(chan string, 1)
	server.On("greet", func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc) {
		var who string
		assert.NoError(t, json.Unmarshal(args[0], &who))
		served <- who
		ack("hello", who)
	})

	replied := make(chan []json.RawMessage, 1)
	require.NoError(t, client.Emit(ctx, "greet", []any{"world"}, func(args []json.RawMessage) {
		replied <- args
	}))

	select {
	case who := <-served:
		assert.Equal(t, "world", who)
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}

	select {
	case args := <-replied:
		require.Len(t, args, 2)
		assert.JSONEq(t, `"hello"`, string(args[0]))
		assert.JSONEq(t, `"world"`, string(args[1]))
	case <-ctx.Done():
		t.Fatal("ack never arrived")
	}
}

func TestSocketAckFiresOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := Pipe(ctx, testLog())

	server.On("poke", func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc) {
		ack(1)
		ack(2) // ignored
	})

	replies := make(chan []json.RawMessage, 4)
	require.NoError(t, client.Emit(ctx, "poke", nil, func(args []json.RawMessage) {
		replies <- args
	}))

	select {
	case args := <-replies:
		assert.JSONEq(t, `1`, string(args[0]))
	case <-ctx.Done():
		t.Fatal("no reply")
	}

	select {
	case <-replies:
		t.Fatal("ack fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketNoAckRequested(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := Pipe(ctx, testLog())

	got := make(chan AckFunc, 1)
	server.On("cast", func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc) {
		got <- ack
	})

	require.NoError(t, client.Emit(ctx, "cast", []any{1}, nil))

	select {
	case ack := <-got:
		assert.Nil(t, ack)
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}
}

func TestSocketHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := Pipe(ctx, testLog())

	announced := make(chan string, 1)
	server.OnHandshake(func(s *Socket) {
		announced <- s.Namespace()
	})

	require.NoError(t, client.Handshake(ctx, "/"))

	select {
	case ns := <-announced:
		assert.Equal(t, "/", ns)
	case <-ctx.Done():
		t.Fatal("handshake never arrived")
	}
}

func TestSocketOrderPreserved(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := Pipe(ctx, testLog())

	const N = 100
	seen := make(chan int, N)
	server.On("seq", func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc) {
		var n int
		assert.NoError(t, json.Unmarshal(args[0], &n))
		seen <- n
	})

	for i := 0; i < N; i++ {
		require.NoError(t, client.Emit(ctx, "seq", []any{i}, nil))
	}

	for i := 0; i < N; i++ {
		select {
		case n := <-seen:
			assert.Equal(t, i, n)
		case <-ctx.Done():
			t.Fatalf("message %d never arrived", i)
		}
	}
}

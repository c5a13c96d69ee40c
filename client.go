package replicants

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/channel"
	"github.com/fwdcp/replicants/protocol"
	"github.com/fwdcp/replicants/utils"
)

type ClientOptions struct {
	Namespace    string
	RoomPrefix   string
	HistoryLimit int
	Log          utils.Logger
	TlsConfig    *tls.Config
}

func (o *ClientOptions) SetDefaults() {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.RoomPrefix == "" {
		// the client never puts the prefix on the wire; kept for parity
		o.RoomPrefix = DefaultRoomPrefix
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Client mirrors replicants from one server. Each name is registered once;
// afterwards the mirror tracks every multicast, and local edits are pushed
// up with the revision chain attached. A mirror whose chain stops matching
// the server's simply resynchronizes and drops its local edit.
type Client struct {
	log  utils.Logger
	opts ClientOptions

	sock       atomic.Pointer[channel.Socket]
	replicants utils.CMap[string, *Replicant]

	net *protocol.Net
}

// NewClient builds a client on an existing socket, for embedding both
// sides in one process or supplying a custom transport. The socket is the
// transport handle; nil is a programmer error.
func NewClient(ctx context.Context, sock *channel.Socket, opts ClientOptions) (*Client, error) {
	if sock == nil {
		return nil, ErrNoTransport
	}
	opts.SetDefaults()

	c := &Client{log: opts.Log, opts: opts}
	c.attach(ctx, sock)
	return c, nil
}

// Dial connects to a server address (tcp://, tls://, ws://) and keeps
// reconnecting with backoff. On every reconnect all known replicants are
// re-registered and re-synchronized; an in-flight ack that died with the
// old connection is recovered by that reset.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	opts.SetDefaults()
	c := &Client{log: opts.Log, opts: opts}

	c.net = protocol.NewNet(opts.Log, opts.TlsConfig,
		func(name string) protocol.FeedDrainCloserTraced {
			sock := channel.NewSocket(opts.Log, channel.SocketOptions{})
			c.attach(ctx, sock)
			c.resync(ctx)
			return sock
		},
		func(name string, _ protocol.Traced) {
			c.log.Warn("client: disconnected", "conn", name)
		})

	if err := c.net.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	if sock := c.sock.Load(); sock != nil {
		_ = sock.Close()
	}
	if c.net != nil {
		return c.net.Close()
	}
	return nil
}

func (c *Client) attach(ctx context.Context, sock *channel.Socket) {
	sock.On("replicantSet", c.handleSet)
	sock.On("replicantChanged", c.handleChanged)
	if err := sock.Handshake(ctx, c.opts.Namespace); err != nil {
		c.log.Warn("client: handshake failed", "err", err)
	}
	c.sock.Store(sock)
}

// resync re-registers every known replicant on a fresh connection.
func (c *Client) resync(ctx context.Context) {
	c.replicants.Range(func(name string, r *Replicant) bool {
		c.register(ctx, r, !r.Ready())
		return true
	})
}

// GetReplicant returns the mirror for a name, creating and registering it
// on first use. The replicant's value reads nil until the first
// synchronization finishes; subscribe with OnReady.
func (c *Client) GetReplicant(ctx context.Context, name string) *Replicant {
	r := newReplicant(name, c.opts.HistoryLimit)
	actual, loaded := c.replicants.LoadOrStore(name, r)
	if loaded {
		return actual
	}

	r.push = func(old, new Value, cs []change.Change, hist []string) {
		c.pushChanges(ctx, r, new, cs, hist)
	}
	c.register(ctx, r, true)
	return r
}

func (c *Client) register(ctx context.Context, r *Replicant, markReady bool) {
	sock := c.sock.Load()
	if sock == nil {
		return
	}

	err := sock.Emit(ctx, "replicantRegister", []any{r.Name()}, func(_ []json.RawMessage) {
		c.synchronize(ctx, r, markReady)
	})
	if err != nil {
		c.log.Error("client: register failed", "name", r.Name(), "err", err)
	}
}

// synchronize pulls the authoritative state and overwrites the mirror.
func (c *Client) synchronize(ctx context.Context, r *Replicant, markReady bool) {
	sock := c.sock.Load()
	if sock == nil {
		return
	}

	err := sock.Emit(ctx, "replicantGet", []any{r.Name()}, func(args []json.RawMessage) {
		var history []string
		var value Value
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &history)
		}
		if len(args) > 1 {
			_ = json.Unmarshal(args[1], &value)
		}

		old := r.adopt(value, history, int64(len(history)))
		c.log.Debug("client: synchronized", "name", r.Name(), "seq", len(history))
		if markReady {
			r.markReady()
		}
		r.notifyChange(old, value)
	})
	if err != nil {
		c.log.Error("client: synchronize failed", "name", r.Name(), "err", err)
	}
}

// pushChanges sends a local transition up. The revision chain was already
// advanced by the entity; hist is its state as of the emit. Ack handling
// re-reads live state, never the captured arguments: other messages may
// land while the ack is in flight.
func (c *Client) pushChanges(ctx context.Context, r *Replicant, newv Value, cs []change.Change, hist []string) {
	sock := c.sock.Load()
	if sock == nil {
		return
	}

	if cs != nil {
		err := sock.Emit(ctx, "replicantChanged", []any{r.Name(), hist, cs}, func(args []json.RawMessage) {
			if ackSuccess(args) {
				return
			}
			// the incremental edit lost; retry with the whole value
			c.log.Debug("client: replicantChanged rejected, sending full value", "name", r.Name())
			if err := sock.Emit(ctx, "replicantSet", []any{r.Name(), r.History(), r.Value()}, nil); err != nil {
				c.log.Error("client: full-value retry failed", "name", r.Name(), "err", err)
			}
		})
		if err != nil {
			c.log.Error("client: push failed", "name", r.Name(), "err", err)
		}
		return
	}

	err := sock.Emit(ctx, "replicantSet", []any{r.Name(), hist, newv}, func(args []json.RawMessage) {
		if ackSuccess(args) {
			return
		}
		// accept defeat and adopt server state
		c.log.Debug("client: replicantSet rejected, resynchronizing", "name", r.Name())
		c.synchronize(ctx, r, false)
	})
	if err != nil {
		c.log.Error("client: push failed", "name", r.Name(), "err", err)
	}
}

func ackSuccess(args []json.RawMessage) bool {
	var ok bool
	if len(args) < 1 || json.Unmarshal(args[0], &ok) != nil {
		return false
	}
	return ok
}

func (c *Client) handleSet(ctx context.Context, _ *channel.Socket, args []json.RawMessage, _ channel.AckFunc) {
	var name string
	var hist []string
	var value Value
	if len(args) < 3 ||
		json.Unmarshal(args[0], &name) != nil ||
		json.Unmarshal(args[1], &hist) != nil ||
		json.Unmarshal(args[2], &value) != nil {
		c.log.Warn("client: bad replicantSet multicast")
		return
	}

	r, ok := c.replicants.Load(name)
	if !ok {
		return
	}

	// no comparison with local state; the server spoke
	old := r.adopt(value, hist, int64(len(hist)))
	r.notifyChange(old, value)
}

func (c *Client) handleChanged(ctx context.Context, _ *channel.Socket, args []json.RawMessage, _ channel.AckFunc) {
	var name string
	var hist []string
	var cs []change.Change
	if len(args) < 3 ||
		json.Unmarshal(args[0], &name) != nil ||
		json.Unmarshal(args[1], &hist) != nil ||
		json.Unmarshal(args[2], &cs) != nil {
		c.log.Warn("client: bad replicantChanged multicast")
		return
	}

	r, ok := c.replicants.Load(name)
	if !ok {
		return
	}

	old := r.Value()
	switch r.applyRemote(hist, cs) {
	case remoteEcho:
		// our own edit came back; the chain is adopted, the value is
		// already in place
	case remoteApplied:
		r.notifyChange(old, r.Value())
	case remoteDiverged:
		c.log.Debug("client: diverged, resynchronizing", "name", name)
		c.synchronize(ctx, r, false)
	}
}

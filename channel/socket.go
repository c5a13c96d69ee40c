package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fwdcp/replicants/protocol"
	"github.com/fwdcp/replicants/utils"
)

const (
	defaultAckTTL     = 30 * time.Second
	defaultAckTable   = 4096
	defaultQueueLimit = 1 << 24
	defaultQueueTime  = time.Minute
	defaultBatchSize  = protocol.TYPICAL_MTU
)

// AckFunc answers an inbound event. It may be invoked at most once; extra
// calls are ignored. A nil AckFunc means the sender did not ask for one.
type AckFunc func(args ...any)

// AckCallback receives the reply arguments of an outbound event's ack.
type AckCallback func(args []json.RawMessage)

// Handler processes one inbound event.
type Handler func(ctx context.Context, s *Socket, args []json.RawMessage, ack AckFunc)

type SocketOptions struct {
	AckTTL       time.Duration
	AckTableSize int
	QueueLimit   int
	QueueTime    time.Duration
	BatchSize    int
}

func (o *SocketOptions) SetDefaults() {
	if o.AckTTL == 0 {
		o.AckTTL = defaultAckTTL
	}
	if o.AckTableSize == 0 {
		o.AckTableSize = defaultAckTable
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = defaultQueueLimit
	}
	if o.QueueTime == 0 {
		o.QueueTime = defaultQueueTime
	}
	if o.BatchSize == 0 {
		o.BatchSize = defaultBatchSize
	}
}

// Socket is one end of an event channel. It implements
// protocol.FeedDrainCloserTraced: the transport feeds outbound records from
// it and drains inbound records into it. Handlers run synchronously inside
// Drain, which preserves per-socket FIFO order.
type Socket struct {
	id  string
	log utils.Logger

	out      *utils.FDQueue[protocol.Records]
	handlers *xsync.MapOf[string, Handler]

	pending *expirable.LRU[uint64, AckCallback]
	nextAck atomic.Uint64

	namespace   atomic.Pointer[string]
	onHandshake atomic.Pointer[func(*Socket)]

	hub    atomic.Pointer[Hub]
	closed atomic.Bool

	closeOnce sync.Once
	onClose   []func(*Socket)
	closeLock sync.Mutex
}

func NewSocket(log utils.Logger, opts SocketOptions) *Socket {
	opts.SetDefaults()
	return &Socket{
		id:       ulid.Make().String(),
		log:      log,
		out:      utils.NewFDQueue[protocol.Records](opts.QueueLimit, opts.QueueTime, opts.BatchSize),
		handlers: xsync.NewMapOf[string, Handler](),
		pending:  expirable.NewLRU[uint64, AckCallback](opts.AckTableSize, nil, opts.AckTTL),
	}
}

func (s *Socket) ID() string         { return s.id }
func (s *Socket) GetTraceId() string { return s.id }
func (s *Socket) Closed() bool       { return s.closed.Load() }

// Namespace returns the namespace announced by the peer's handshake.
func (s *Socket) Namespace() string {
	ns := s.namespace.Load()
	if ns == nil {
		return ""
	}
	return *ns
}

// On registers the handler for an event name. One handler per name; the
// last registration wins.
func (s *Socket) On(name string, h Handler) {
	s.handlers.Store(name, h)
}

// OnHandshake is invoked once the peer announces its namespace.
func (s *Socket) OnHandshake(f func(*Socket)) {
	s.onHandshake.Store(&f)
}

// OnClose registers a teardown callback.
func (s *Socket) OnClose(f func(*Socket)) {
	s.closeLock.Lock()
	s.onClose = append(s.onClose, f)
	s.closeLock.Unlock()
}

// Handshake announces this endpoint's namespace to the peer.
func (s *Socket) Handshake(ctx context.Context, namespace string) error {
	f := Frame{Kind: kindHandshake, Namespace: namespace}
	return s.out.Drain(ctx, protocol.Records{f.Encode()})
}

// Emit sends a named event. A non-nil ack callback makes the peer answer;
// the callback fires with the reply arguments, or never, if the peer dies
// first (entries age out of the pending table).
func (s *Socket) Emit(ctx context.Context, name string, args []any, ack AckCallback) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}

	f := Frame{Kind: kindEvent, Name: name, Args: raw}
	if ack != nil {
		id := s.nextAck.Add(1)
		s.pending.Add(id, ack)
		f.HasAck = true
		f.AckID = id
	}

	return s.out.Drain(ctx, protocol.Records{f.Encode()})
}

// Feed implements protocol.Feeder with the outbound queue.
func (s *Socket) Feed(ctx context.Context) (protocol.Records, error) {
	return s.out.Feed(ctx)
}

// Drain implements protocol.Drainer: inbound records are decoded and
// dispatched here.
func (s *Socket) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		f, err := DecodeFrame(rec)
		if err != nil {
			s.log.Warn("channel: dropping bad frame", "socket", s.id, "err", err)
			continue
		}

		switch f.Kind {
		case kindHandshake:
			ns := f.Namespace
			s.namespace.Store(&ns)
			if cb := s.onHandshake.Load(); cb != nil {
				(*cb)(s)
			}

		case kindEvent:
			s.dispatch(ctx, f)

		case kindAck:
			if cb, ok := s.pending.Get(f.AckID); ok {
				s.pending.Remove(f.AckID)
				cb(f.Args)
			}
		}
	}
	return nil
}

func (s *Socket) dispatch(ctx context.Context, f Frame) {
	h, ok := s.handlers.Load(f.Name)
	if !ok {
		s.log.Debug("channel: no handler", "socket", s.id, "event", f.Name)
		return
	}

	var ack AckFunc
	if f.HasAck {
		id := f.AckID
		var once sync.Once
		ack = func(args ...any) {
			once.Do(func() {
				raw, err := marshalArgs(args)
				if err != nil {
					s.log.Error("channel: bad ack args", "socket", s.id, "event", f.Name, "err", err)
					return
				}
				reply := Frame{Kind: kindAck, AckID: id, Args: raw}
				if err := s.out.Drain(ctx, protocol.Records{reply.Encode()}); err != nil {
					s.log.Warn("channel: ack send failed", "socket", s.id, "err", err)
				}
			})
		}
	}

	h(ctx, s, f.Args, ack)
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if hub := s.hub.Load(); hub != nil {
			hub.Detach(s)
		}
		s.closeLock.Lock()
		callbacks := s.onClose
		s.closeLock.Unlock()
		for _, f := range callbacks {
			f(s)
		}
		_ = s.out.Close()
	})
	return nil
}

// Pipe wires two sockets back to back in memory, the way net.Pipe does for
// conns. Useful for embedding client and server in one process and for
// tests.
func Pipe(ctx context.Context, log utils.Logger) (*Socket, *Socket) {
	a := NewSocket(log, SocketOptions{})
	b := NewSocket(log, SocketOptions{})
	go func() { _ = protocol.PumpCtx(ctx, a, b) }()
	go func() { _ = protocol.PumpCtx(ctx, b, a) }()
	return a, b
}

package replicants

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/channel"
	"github.com/fwdcp/replicants/utils"
)

const lockStripes = 64

type ServerOptions struct {
	Namespace    string
	RoomPrefix   string
	HistoryLimit int
	Log          utils.Logger
	Store        *Store
}

func (o *ServerOptions) SetDefaults() {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.RoomPrefix == "" {
		o.RoomPrefix = DefaultRoomPrefix
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// handlerSet is the event wiring for one namespace.
type handlerSet map[string]channel.Handler

type serverStats struct {
	acceptedChanges atomic.Uint64
	rejectedChanges atomic.Uint64
	acceptedSets    atomic.Uint64
	rejectedSets    atomic.Uint64
	multicasts      atomic.Uint64
}

// Server owns the authoritative replicant for every name. Each inbound
// edit is validated against the replicant's revision chain; accepted edits
// become the canonical next revision and are multicast to the per-name
// room, in arrival order, before the next edit for the same name is
// processed (the lock stripe holds across the multicast).
type Server struct {
	log  utils.Logger
	opts ServerOptions

	hub        *channel.Hub
	replicants *xsync.MapOf[string, *Replicant]
	namespaces *xsync.MapOf[string, handlerSet]
	locks      [lockStripes]sync.Mutex
	store      *Store
	ownStore   bool

	stats serverStats
}

func NewServer(hub *channel.Hub, opts ServerOptions) (*Server, error) {
	if hub == nil {
		return nil, ErrNoTransport
	}
	opts.SetDefaults()

	s := &Server{
		log:        opts.Log,
		opts:       opts,
		hub:        hub,
		replicants: xsync.NewMapOf[string, *Replicant](),
		namespaces: xsync.NewMapOf[string, handlerSet](),
		store:      opts.Store,
	}
	s.namespaces.Store(opts.Namespace, handlerSet{
		"replicantRegister": s.handleRegister,
		"replicantGet":      s.handleGet,
		"replicantSet":      s.handleSet,
		"replicantChanged":  s.handleChanged,
	})
	if s.store == nil {
		store, err := NewMemStore()
		if err != nil {
			return nil, err
		}
		s.store = store
		s.ownStore = true
	}
	return s, nil
}

func (s *Server) Close() error {
	if s.ownStore {
		return s.store.Close()
	}
	return nil
}

func (s *Server) Hub() *channel.Hub {
	return s.hub
}

// HandleNamespace registers the event wiring for an extra namespace.
// Sockets announcing it get these handlers instead of the replication
// set; the server's own namespace is registered at construction.
func (s *Server) HandleNamespace(namespace string, handlers map[string]channel.Handler) {
	s.namespaces.Store(namespace, handlerSet(handlers))
}

// Install attaches a freshly accepted socket to the hub. Event handlers
// are wired only once the socket announces its namespace: the handshake
// selects the matching handler set, and a socket on a namespace nobody
// registered stays deaf (its events are dropped by the dispatch layer).
// The handshake frame precedes all events on the FIFO channel, so no
// event can outrun its wiring.
func (s *Server) Install(sock *channel.Socket) {
	s.hub.Attach(sock)

	sock.OnHandshake(func(sock *channel.Socket) {
		ns := sock.Namespace()
		handlers, ok := s.namespaces.Load(ns)
		if !ok {
			s.log.Warn("server: no handler set for namespace", "socket", sock.ID(), "namespace", ns)
			return
		}
		for name, h := range handlers {
			sock.On(name, h)
		}
	})
}

func (s *Server) nameLock(name string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(name)%lockStripes]
}

func (s *Server) room(name string) string {
	return s.opts.RoomPrefix + name
}

// lookupOrCreate finds the authoritative replicant, consulting the store
// on a miss so a replicator restart inside one process picks up where it
// left off.
func (s *Server) lookupOrCreate(name string) *Replicant {
	r, _ := s.replicants.LoadOrCompute(name, func() *Replicant {
		r := newReplicant(name, s.opts.HistoryLimit)
		if value, history, seq, ok, err := s.store.Get(name); err != nil {
			s.log.Error("server: store read failed", "name", name, "err", err)
		} else if ok {
			r.adopt(value, history, seq)
		}
		return r
	})
	return r
}

func (s *Server) handleRegister(ctx context.Context, sock *channel.Socket, args []json.RawMessage, ack channel.AckFunc) {
	var name string
	if len(args) < 1 || json.Unmarshal(args[0], &name) != nil {
		s.log.Warn("server: bad replicantRegister", "socket", sock.ID())
		return
	}

	s.lookupOrCreate(name)
	s.hub.Join(s.room(name), sock)
	s.log.Debug("server: registered", "name", name, "socket", sock.ID())

	if ack != nil {
		ack()
	}
}

func (s *Server) handleGet(ctx context.Context, sock *channel.Socket, args []json.RawMessage, ack channel.AckFunc) {
	var name string
	if len(args) < 1 || json.Unmarshal(args[0], &name) != nil {
		s.log.Warn("server: bad replicantGet", "socket", sock.ID())
		return
	}
	if ack == nil {
		return
	}

	lock := s.nameLock(name)
	lock.Lock()
	r := s.lookupOrCreate(name)
	history, value := r.History(), r.Value()
	lock.Unlock()

	ack(history, value)
}

func (s *Server) handleSet(ctx context.Context, sock *channel.Socket, args []json.RawMessage, ack channel.AckFunc) {
	var name string
	var hist []string
	var value Value
	if len(args) < 3 ||
		json.Unmarshal(args[0], &name) != nil ||
		json.Unmarshal(args[1], &hist) != nil ||
		json.Unmarshal(args[2], &value) != nil {
		s.log.Warn("server: bad replicantSet", "socket", sock.ID())
		return
	}

	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	r := s.lookupOrCreate(name)

	// the whole-value path accepts any chain that still contains our
	// current revision; an empty chain means a fresh replicant
	current := r.HistoryAt(0)
	if current != "" && !historyContains(hist, current) {
		s.stats.rejectedSets.Add(1)
		s.log.Debug("server: stale replicantSet", "name", name, "socket", sock.ID())
		if ack != nil {
			ack(false)
		}
		return
	}

	s.stats.acceptedSets.Add(1)
	if ack != nil {
		ack(true)
	}

	r.adoptHistoryTail(hist)
	old := r.adopt(value, nil, 0)
	s.pushChanges(ctx, r, old, value, nil)
}

func (s *Server) handleChanged(ctx context.Context, sock *channel.Socket, args []json.RawMessage, ack channel.AckFunc) {
	var name string
	var hist []string
	var cs []change.Change
	if len(args) < 3 ||
		json.Unmarshal(args[0], &name) != nil ||
		json.Unmarshal(args[1], &hist) != nil ||
		json.Unmarshal(args[2], &cs) != nil {
		s.log.Warn("server: bad replicantChanged", "socket", sock.ID())
		return
	}

	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	r := s.lookupOrCreate(name)

	// the incremental path is strict: the sender's parent must be our
	// current head, or the edit was built on a stale revision
	if historyAt(hist, 1) != r.HistoryAt(0) {
		s.stats.rejectedChanges.Add(1)
		s.log.Debug("server: stale replicantChanged", "name", name, "socket", sock.ID())
		if ack != nil {
			ack(false)
		}
		return
	}

	s.stats.acceptedChanges.Add(1)
	if ack != nil {
		ack(true)
	}

	old := r.Value()
	newv := change.Apply(old, cs)
	_ = r.adopt(newv, nil, 0)
	s.pushChanges(ctx, r, old, newv, cs)
}

// pushChanges installs the accepted value as the next canonical revision,
// persists the snapshot and multicasts to the room. Callers hold the name
// lock, which keeps the multicast ordered with respect to later edits.
func (s *Server) pushChanges(ctx context.Context, r *Replicant, old, newv Value, cs []change.Change) {
	hist := r.advance(newv)

	if err := s.store.Put(r.Name(), newv, hist, r.SequenceNumber()); err != nil {
		s.log.Error("server: store write failed", "name", r.Name(), "err", err)
	}

	s.stats.multicasts.Add(1)
	var err error
	if cs != nil {
		err = s.hub.Broadcast(ctx, s.room(r.Name()), "replicantChanged", []any{r.Name(), hist, cs})
	} else {
		err = s.hub.Broadcast(ctx, s.room(r.Name()), "replicantSet", []any{r.Name(), hist, newv})
	}
	if err != nil {
		s.log.Error("server: multicast failed", "name", r.Name(), "err", err)
	}

	r.notifyChange(old, newv)
}

// Set installs a value from a local (server-side) writer, bypassing chain
// validation the way an accepted whole-value write would.
func (s *Server) Set(ctx context.Context, name string, value Value) {
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	r := s.lookupOrCreate(name)
	newv := change.Copy(value)
	old := r.adopt(newv, nil, 0)
	s.pushChanges(ctx, r, old, newv, nil)
}

// Apply plays a change list from a local writer against the authoritative
// value and multicasts it as an incremental update.
func (s *Server) Apply(ctx context.Context, name string, cs []change.Change) {
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	r := s.lookupOrCreate(name)
	old := r.Value()
	newv := change.Apply(old, cs)
	_ = r.adopt(newv, nil, 0)
	s.pushChanges(ctx, r, old, newv, cs)
}

// Get reports the authoritative state of one replicant.
func (s *Server) Get(name string) (value Value, history []string, ok bool) {
	r, ok := s.replicants.Load(name)
	if !ok {
		return nil, nil, false
	}
	return r.Value(), r.History(), true
}

// Names lists every replicant the server has seen.
func (s *Server) Names() []string {
	names := make([]string, 0, s.replicants.Size())
	s.replicants.Range(func(name string, _ *Replicant) bool {
		names = append(names, name)
		return true
	})
	return names
}

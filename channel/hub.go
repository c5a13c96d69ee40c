package channel

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fwdcp/replicants/protocol"
	"github.com/fwdcp/replicants/utils"
)

// Hub tracks the server's sockets and their room membership. A room is a
// broadcast group; multicast encodes the frame once and drains it to every
// member with no acknowledgement.
type Hub struct {
	log     utils.Logger
	sockets *xsync.MapOf[string, *Socket]
	rooms   *xsync.MapOf[string, *xsync.MapOf[string, *Socket]]
}

func NewHub(log utils.Logger) *Hub {
	return &Hub{
		log:     log,
		sockets: xsync.NewMapOf[string, *Socket](),
		rooms:   xsync.NewMapOf[string, *xsync.MapOf[string, *Socket]](),
	}
}

func (h *Hub) Attach(s *Socket) {
	h.sockets.Store(s.id, s)
	s.hub.Store(h)
}

func (h *Hub) Detach(s *Socket) {
	h.sockets.Delete(s.id)
	h.rooms.Range(func(_ string, members *xsync.MapOf[string, *Socket]) bool {
		members.Delete(s.id)
		return true
	})
}

func (h *Hub) Join(room string, s *Socket) {
	members, _ := h.rooms.LoadOrCompute(room, func() *xsync.MapOf[string, *Socket] {
		return xsync.NewMapOf[string, *Socket]()
	})
	members.Store(s.id, s)
}

func (h *Hub) Leave(room string, s *Socket) {
	if members, ok := h.rooms.Load(room); ok {
		members.Delete(s.id)
	}
}

// Broadcast multicasts an event to every socket in the room, the sender
// included if it joined. A member whose queue rejects the frame is dropped;
// slow receivers must not stall the rest.
func (h *Hub) Broadcast(ctx context.Context, room, name string, args []any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	rec := (&Frame{Kind: kindEvent, Name: name, Args: raw}).Encode()

	members, ok := h.rooms.Load(room)
	if !ok {
		return nil
	}

	members.Range(func(_ string, s *Socket) bool {
		if err := s.out.Drain(ctx, protocol.Records{rec}); err != nil {
			h.log.Warn("channel: dropping member", "room", room, "socket", s.id, "err", err)
			members.Delete(s.id)
			_ = s.Close()
		}
		return true
	})
	return nil
}

func (h *Hub) Sockets() int {
	return h.sockets.Size()
}

func (h *Hub) RoomSize(room string) int {
	if members, ok := h.rooms.Load(room); ok {
		return members.Size()
	}
	return 0
}

// Package channel layers named events with positional JSON arguments,
// one-shot acknowledgements and server-side rooms over the protocol
// record transport.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fwdcp/replicants/protocol"
)

// Frame kinds on the wire. An event record nests a name record, an
// optional ack-id record and a JSON argument array; an ack record carries
// the id it answers plus reply arguments; a hello record opens a
// connection with the namespace string.
const (
	kindEvent     = 'E'
	kindAck       = 'K'
	kindHandshake = 'H'
)

var ErrBadFrame = errors.New("bad channel frame")

type Frame struct {
	Kind byte

	Name      string
	Namespace string

	HasAck bool
	AckID  uint64

	Args []json.RawMessage
}

func (f *Frame) Encode() []byte {
	switch f.Kind {
	case kindHandshake:
		return protocol.Record(kindHandshake, []byte(f.Namespace))

	case kindEvent:
		body := protocol.Record('N', []byte(f.Name))
		if f.HasAck {
			var id [8]byte
			binary.LittleEndian.PutUint64(id[:], f.AckID)
			body = protocol.AppendRecord(body, 'I', id[:])
		}
		args, _ := json.Marshal(f.Args)
		body = protocol.AppendRecord(body, 'B', args)
		return protocol.Record(kindEvent, body)

	case kindAck:
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], f.AckID)
		body := protocol.Record('I', id[:])
		args, _ := json.Marshal(f.Args)
		body = protocol.AppendRecord(body, 'B', args)
		return protocol.Record(kindAck, body)

	default:
		panic(fmt.Sprintf("unknown frame kind %c", f.Kind))
	}
}

func DecodeFrame(rec []byte) (f Frame, err error) {
	kind, body, _, err := protocol.TakeAnyRecord(rec)
	if err != nil {
		return f, err
	}
	f.Kind = kind

	switch kind {
	case kindHandshake:
		f.Namespace = string(body)
		return f, nil

	case kindEvent:
		name, rest, err := protocol.TakeRecord('N', body)
		if err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		f.Name = string(name)

		if protocol.RecordKind(rest) == 'I' {
			var id []byte
			if id, rest, err = protocol.TakeRecord('I', rest); err != nil {
				return f, errors.Join(ErrBadFrame, err)
			}
			if len(id) != 8 {
				return f, ErrBadFrame
			}
			f.HasAck = true
			f.AckID = binary.LittleEndian.Uint64(id)
		}

		args, _, err := protocol.TakeRecord('B', rest)
		if err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		if err = json.Unmarshal(args, &f.Args); err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		return f, nil

	case kindAck:
		id, rest, err := protocol.TakeRecord('I', body)
		if err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		if len(id) != 8 {
			return f, ErrBadFrame
		}
		f.AckID = binary.LittleEndian.Uint64(id)

		args, _, err := protocol.TakeRecord('B', rest)
		if err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		if err = json.Unmarshal(args, &f.Args); err != nil {
			return f, errors.Join(ErrBadFrame, err)
		}
		return f, nil

	default:
		return f, ErrBadFrame
	}
}

// marshalArgs converts Go values to raw JSON arguments.
func marshalArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return raw, nil
}

// Package protocol implements the record framing and peer transport used
// to move replicant messages between endpoints.
//
// A record is a one-byte kind tag ('A'-'Z'), a uvarint body length and the
// body. Replication frames nest records: an event record carries a name
// record, an optional ack-id record and an argument record inside its
// body. One header form keeps the parser a handful of lines; the uvarint
// stays at one byte for the tiny acks and register frames that dominate
// this protocol and grows only with the payload.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	ErrIncomplete = errors.New("incomplete record")
	ErrBadRecord  = errors.New("bad record framing")
)

// Record bodies are JSON documents and change lists; anything past this
// is a framing error, not a workload.
const MaxRecordSize = 1 << 26

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// AppendRecord frames a record onto buf.
func AppendRecord(buf []byte, kind byte, body ...[]byte) []byte {
	if kind < 'A' || kind > 'Z' {
		panic("record kind is A..Z")
	}
	total := TotalLen(body)
	if total > MaxRecordSize {
		panic("oversized record")
	}
	buf = append(buf, kind)
	buf = binary.AppendUvarint(buf, uint64(total))
	for _, b := range body {
		buf = append(buf, b...)
	}
	return buf
}

// Record builds a framed record.
func Record(kind byte, body ...[]byte) []byte {
	buf := make([]byte, 0, TotalLen(body)+binary.MaxVarintLen32+1)
	return AppendRecord(buf, kind, body...)
}

// ProbeRecord reads a record header. kind 0 with a nil error means more
// bytes are needed; ErrBadRecord means the stream is unframed garbage.
func ProbeRecord(data []byte) (kind byte, hdrlen, bodylen int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, nil
	}
	k := data[0]
	if k < 'A' || k > 'Z' {
		return 0, 0, 0, ErrBadRecord
	}
	size, n := binary.Uvarint(data[1:])
	if n == 0 {
		return 0, 0, 0, nil
	}
	if n < 0 || size > MaxRecordSize {
		return 0, 0, 0, ErrBadRecord
	}
	return k, 1 + n, int(size), nil
}

// SplitRecords consumes complete records from the buffer, leaving a
// trailing partial record in place for the next read.
func SplitRecords(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		kind, hlen, blen, perr := ProbeRecord(data.Bytes())
		if perr != nil {
			if len(recs) == 0 {
				err = perr
			}
			return
		}
		if kind == 0 || hlen+blen > data.Len() {
			// wait for the rest
			return
		}

		rec := make([]byte, hlen+blen)
		if n, rerr := data.Read(rec); rerr != nil || n != hlen+blen {
			panic("impossible buffer reading")
		}
		recs = append(recs, rec)
	}
	return
}

// TakeRecord unframes a record of the wanted kind from data, returning
// the body and whatever follows. Network input is never trusted: every
// malformation comes back as an explicit error.
func TakeRecord(kind byte, data []byte) (body, rest []byte, err error) {
	k, hlen, blen, err := ProbeRecord(data)
	if err != nil {
		return nil, data, err
	}
	if k == 0 || hlen+blen > len(data) {
		return nil, data, ErrIncomplete
	}
	if k != kind {
		return nil, data, ErrBadRecord
	}
	return data[hlen : hlen+blen], data[hlen+blen:], nil
}

// TakeAnyRecord unframes whatever record comes first.
func TakeAnyRecord(data []byte) (kind byte, body, rest []byte, err error) {
	k, hlen, blen, err := ProbeRecord(data)
	if err != nil {
		return 0, nil, data, err
	}
	if k == 0 || hlen+blen > len(data) {
		return 0, nil, data, ErrIncomplete
	}
	return k, data[hlen : hlen+blen], data[hlen+blen:], nil
}

// RecordKind returns a record's kind tag, or 0 when it has none.
func RecordKind(rec []byte) byte {
	if len(rec) == 0 || rec[0] < 'A' || rec[0] > 'Z' {
		return 0
	}
	return rec[0]
}

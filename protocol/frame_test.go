package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := Record('M', []byte("payload"))
	assert.Equal(t, byte('M'), RecordKind(rec))

	body, rest, err := TakeRecord('M', rec)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Empty(t, rest)
}

func TestRecordNested(t *testing.T) {
	inner := Record('N', []byte("counter"))
	outer := Record('E', inner, Record('B', []byte("[]")))

	kind, body, rest, err := TakeAnyRecord(outer)
	require.NoError(t, err)
	assert.Equal(t, byte('E'), kind)
	assert.Empty(t, rest)

	name, rest, err := TakeRecord('N', body)
	require.NoError(t, err)
	assert.Equal(t, "counter", string(name))

	args, rest, err := TakeRecord('B', rest)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(args))
	assert.Empty(t, rest)
}

func TestRecordLongBody(t *testing.T) {
	// a body past 127 bytes needs a multi-byte uvarint length
	big := make([]byte, 300)
	for i := range big {
		big[i] = 'x'
	}
	rec := Record('M', big)
	assert.Equal(t, 1+2+300, len(rec))

	body, _, err := TakeRecord('M', rec)
	require.NoError(t, err)
	assert.Equal(t, big, body)
}

func TestTakeRecordKindMismatch(t *testing.T) {
	rec := Record('M', []byte("x"))
	_, _, err := TakeRecord('K', rec)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestTakeRecordTruncated(t *testing.T) {
	rec := Record('M', []byte("truncated"))
	_, _, err := TakeRecord('M', rec[:3])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestSplitRecords(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record('M', []byte("first")))
	buf.Write(Record('M', []byte("second")))

	partial := Record('M', make([]byte, 300))
	buf.Write(partial[:100])

	recs, err := SplitRecords(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, len(recs))

	body, _, err := TakeRecord('M', recs[0])
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))

	// the partial tail stays buffered until the rest arrives
	buf.Write(partial[100:])
	recs, err = SplitRecords(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, len(recs))
	assert.Equal(t, 0, buf.Len())
}

func TestSplitRecordsGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\x01garbage")
	recs, err := SplitRecords(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
	assert.Equal(t, 0, len(recs))
}

func TestSplitRecordsGarbageAfterRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record('M', []byte("ok")))
	buf.WriteString("\x01")

	// the good record comes out; the garbage errors on the next call
	recs, err := SplitRecords(&buf)
	require.NoError(t, err)
	require.Equal(t, 1, len(recs))

	_, err = SplitRecords(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

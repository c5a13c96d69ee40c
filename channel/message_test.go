package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEventRoundTrip(t *testing.T) {
	f := Frame{
		Kind:   kindEvent,
		Name:   "replicantChanged",
		HasAck: true,
		AckID:  42,
		Args: []json.RawMessage{
			json.RawMessage(`"counter"`),
			json.RawMessage(`["l1","l0"]`),
			json.RawMessage(`[{"type":"update","path":"n","oldValue":1,"newValue":2}]`),
		},
	}

	got, err := DecodeFrame(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameEventNoAck(t *testing.T) {
	f := Frame{Kind: kindEvent, Name: "replicantRegister", Args: []json.RawMessage{json.RawMessage(`"x"`)}}

	got, err := DecodeFrame(f.Encode())
	require.NoError(t, err)
	assert.False(t, got.HasAck)
	assert.Equal(t, "replicantRegister", got.Name)
}

func TestFrameAckRoundTrip(t *testing.T) {
	f := Frame{Kind: kindAck, AckID: 7, Args: []json.RawMessage{json.RawMessage(`true`)}}

	got, err := DecodeFrame(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.AckID)
	require.Len(t, got.Args, 1)
	assert.JSONEq(t, `true`, string(got.Args[0]))
}

func TestFrameHandshake(t *testing.T) {
	f := Frame{Kind: kindHandshake, Namespace: "/"}

	got, err := DecodeFrame(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, "/", got.Namespace)
}

func TestFrameGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02})
	assert.Error(t, err)
}

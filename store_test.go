package replicants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	st, err := NewMemStore()
	require.NoError(t, err)
	defer st.Close()

	value := map[string]any{"n": float64(1), "list": []any{"a", float64(2)}}
	history := []string{"l2", "l1"}

	require.NoError(t, st.Put("counter", value, history, 2))

	got, gotHist, seq, ok, err := st.Get("counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got)
	assert.Equal(t, history, gotHist)
	assert.Equal(t, int64(2), seq)
}

func TestStoreNumericFidelity(t *testing.T) {
	st, err := NewMemStore()
	require.NoError(t, err)
	defer st.Close()

	// the value travels as JSON inside the envelope, so numbers come
	// back as float64 and recomputed revision labels keep matching
	value := map[string]any{"n": float64(7)}
	label := RevisionLabel(1, value)
	require.NoError(t, st.Put("x", value, []string{label}, 1))

	got, hist, seq, ok, err := st.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, label, RevisionLabel(seq, got))
	assert.Equal(t, label, hist[0])
}

func TestStoreMiss(t *testing.T) {
	st, err := NewMemStore()
	require.NoError(t, err)
	defer st.Close()

	_, _, _, ok, err := st.Get("never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreOverwrite(t *testing.T) {
	st, err := NewMemStore()
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Put("x", float64(1), []string{"a"}, 1))
	require.NoError(t, st.Put("x", float64(2), []string{"b", "a"}, 2))

	got, hist, seq, ok, err := st.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(2), got)
	assert.Equal(t, []string{"b", "a"}, hist)
	assert.Equal(t, int64(2), seq)
}

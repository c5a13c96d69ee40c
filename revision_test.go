package replicants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRevisionLabelDeterminism(t *testing.T) {
	a := map[string]any{"x": float64(1), "y": []any{"a", "b"}, "z": map[string]any{"k": true}}
	b := map[string]any{"z": map[string]any{"k": true}, "y": []any{"a", "b"}, "x": float64(1)}

	assert.Equal(t, RevisionLabel(3, a), RevisionLabel(3, b))
	assert.Len(t, RevisionLabel(3, a), 40)
}

func TestRevisionLabelSensitivity(t *testing.T) {
	v := map[string]any{"n": float64(1)}

	assert.NotEqual(t, RevisionLabel(1, v), RevisionLabel(2, v))
	assert.NotEqual(t, RevisionLabel(1, v), RevisionLabel(1, map[string]any{"n": float64(2)}))
}

func TestRevisionLabelNumericNormalization(t *testing.T) {
	// ints and whole floats encode identically
	assert.Equal(t,
		RevisionLabel(1, map[string]any{"n": 1}),
		RevisionLabel(1, map[string]any{"n": float64(1)}))
}

func TestHistoryAt(t *testing.T) {
	h := []string{"l2", "l1"}
	assert.Equal(t, "l2", historyAt(h, 0))
	assert.Equal(t, "l1", historyAt(h, 1))
	assert.Equal(t, "", historyAt(h, 2))
	assert.Equal(t, "", historyAt(nil, 0))
}

func TestPrependHistoryTrims(t *testing.T) {
	var h []string
	for i := 0; i < 10; i++ {
		h = prependHistory(h, string(rune('a'+i)), 4)
	}
	assert.Equal(t, []string{"j", "i", "h", "g"}, h)

	// the head and its parent survive any limit
	h = prependHistory([]string{"p"}, "c", 1)
	assert.Equal(t, []string{"c", "p"}, h)
}

func TestDottedPath(t *testing.T) {
	assert.Equal(t, "", dottedPath("/"))
	assert.Equal(t, "a", dottedPath("/a"))
	assert.Equal(t, "a.b.2", dottedPath("/a/b/2"))
}

package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachPrimitiveNoop(t *testing.T) {
	o := New(nil)
	o.Attach("just a string")
	assert.False(t, o.Attached())

	o.Attach(nil)
	assert.False(t, o.Attached())

	assert.Nil(t, o.Commit("other"))
}

func TestCommitNoChanges(t *testing.T) {
	calls := 0
	o := New(func([]Raw) { calls++ })

	v := map[string]any{"a": float64(1)}
	o.Attach(v)
	assert.Nil(t, o.Commit(v))
	assert.Equal(t, 0, calls)
}

func TestCommitCoalescesBurst(t *testing.T) {
	var bursts [][]Raw
	o := New(func(raws []Raw) { bursts = append(bursts, raws) })

	v := map[string]any{"a": float64(1), "b": "x"}
	o.Attach(v)

	// several edits, one commit, one callback
	v["a"] = float64(2)
	v["c"] = true
	delete(v, "b")
	raws := o.Commit(v)

	require.Len(t, bursts, 1)
	assert.Equal(t, raws, bursts[0])
	assert.Len(t, raws, 3)

	types := map[string]string{}
	for _, r := range raws {
		types[r.Path] = r.Type
	}
	assert.Equal(t, "update", types["/a"])
	assert.Equal(t, "add", types["/c"])
	assert.Equal(t, "delete", types["/b"])
}

func TestCommitNestedUpdate(t *testing.T) {
	o := New(nil)
	v := map[string]any{"outer": map[string]any{"inner": float64(1)}}
	o.Attach(v)

	v["outer"].(map[string]any)["inner"] = float64(5)
	raws := o.Commit(v)

	require.Len(t, raws, 1)
	assert.Equal(t, "update", raws[0].Type)
	assert.Equal(t, "/outer/inner", raws[0].Path)
	assert.Equal(t, float64(1), raws[0].OldValue)
	assert.Equal(t, float64(5), raws[0].NewValue)
}

func TestCommitSplice(t *testing.T) {
	o := New(nil)
	v := map[string]any{"list": []any{float64(10), float64(20), float64(30)}}
	o.Attach(v)

	v["list"] = []any{float64(10), float64(99), float64(30)}
	raws := o.Commit(v)

	require.Len(t, raws, 1)
	r := raws[0]
	assert.Equal(t, "splice", r.Type)
	assert.Equal(t, "/list", r.Path)
	assert.Equal(t, 1, r.Index)
	assert.Equal(t, []any{float64(20)}, r.Removed)
	assert.Equal(t, []any{float64(99)}, r.Added)
	assert.Equal(t, 1, r.AddedCount)
}

func TestCommitRootSequenceSplice(t *testing.T) {
	o := New(nil)
	v := []any{float64(1), float64(2)}
	o.Attach(v)

	raws := o.Commit([]any{float64(1), float64(2), float64(3)})
	require.Len(t, raws, 1)
	assert.Equal(t, "splice", raws[0].Type)
	assert.Equal(t, "/", raws[0].Path)
	assert.Equal(t, 2, raws[0].Index)
	assert.Equal(t, []any{float64(3)}, raws[0].Added)
}

func TestCommitElementContainerRecurses(t *testing.T) {
	o := New(nil)
	v := []any{map[string]any{"n": float64(1)}}
	o.Attach(v)

	raws := o.Commit([]any{map[string]any{"n": float64(2)}})
	require.Len(t, raws, 1)
	assert.Equal(t, "update", raws[0].Type)
	assert.Equal(t, "/0/n", raws[0].Path)
}

func TestSnapshotRefreshes(t *testing.T) {
	o := New(nil)
	v := map[string]any{"a": float64(1)}
	o.Attach(v)

	v["a"] = float64(2)
	require.Len(t, o.Commit(v), 1)

	// second commit with no further edits is quiet
	assert.Nil(t, o.Commit(v))
}

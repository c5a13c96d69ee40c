package seed

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wI2L/jsondiff"

	"github.com/fwdcp/replicants"
	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/channel"
	"github.com/fwdcp/replicants/utils"
)

func testServer(t *testing.T) *replicants.Server {
	log := utils.NewDefaultLogger(slog.LevelError)
	srv, err := replicants.NewServer(channel.NewHub(log), replicants.ServerOptions{Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestConvertMapOps(t *testing.T) {
	prev := replicants.Value(map[string]any{"title": "old", "gone": true})
	patch, err := jsondiff.CompareJSON(
		[]byte(`{"title":"old","gone":true}`),
		[]byte(`{"title":"new","added":1}`))
	require.NoError(t, err)

	cs := Convert(prev, patch)
	require.NotEmpty(t, cs)

	// the converted list replays to the target document
	got := change.Apply(prev, cs)
	want := map[string]any{"title": "new", "added": float64(1)}
	assert.Equal(t, replicants.Value(want), got)

	// and reverses back, old values intact
	assert.Equal(t, prev, change.Reverse(got, cs))
}

func TestConvertSequenceOps(t *testing.T) {
	prev := replicants.Value(map[string]any{"list": []any{float64(1), float64(2), float64(3)}})
	patch, err := jsondiff.CompareJSON(
		[]byte(`{"list":[1,2,3]}`),
		[]byte(`{"list":[1,3,4]}`))
	require.NoError(t, err)

	cs := Convert(prev, patch)
	got := change.Apply(prev, cs)
	want := map[string]any{"list": []any{float64(1), float64(3), float64(4)}}
	assert.Equal(t, replicants.Value(want), got)
	assert.Equal(t, prev, change.Reverse(got, cs))
}

func TestPointerToDotted(t *testing.T) {
	assert.Equal(t, "", pointerToDotted(""))
	assert.Equal(t, "a.b.0", pointerToDotted("/a/b/0"))
	assert.Equal(t, "with~slash", pointerToDotted("/with~0slash"))
}

func TestSeederInitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.json"),
		[]byte(`{"text":"hi"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte(`ignored`), 0o644))

	srv := testServer(t)
	sdr, err := New(srv, Options{Dir: dir, Log: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	defer sdr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sdr.Start(ctx))

	value, hist, ok := srv.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, replicants.Value(map[string]any{"text": "hi"}), value)
	assert.Len(t, hist, 1)

	_, _, ok = srv.Get("notes")
	assert.False(t, ok)
}

func TestSeederWatchesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0o644))

	srv := testServer(t)
	sdr, err := New(srv, Options{Dir: dir, Log: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	defer sdr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sdr.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`{"n":2}`), 0o644))

	require.Eventually(t, func() bool {
		value, _, ok := srv.Get("doc")
		if !ok {
			return false
		}
		b, _ := json.Marshal(value)
		return string(b) == `{"n":2}`
	}, 5*time.Second, 10*time.Millisecond)
}

// Package seed feeds a directory of JSON files into a replicant server.
// A file named <name>.json backs the replicant <name>: on startup every
// file seeds its replicant, and while running each edit to a file becomes
// a structural patch applied through the server exactly like an accepted
// client edit, incremental changes included.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/wI2L/jsondiff"

	"github.com/fwdcp/replicants"
	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/utils"
)

var ErrNoServer = errors.New("seed: server handle is required")

type Options struct {
	Dir string
	Log utils.Logger
}

type Seeder struct {
	dir string
	log utils.Logger
	srv *replicants.Server

	watcher *fsnotify.Watcher

	lock sync.Mutex
	prev map[string][]byte
}

func New(srv *replicants.Server, opts Options) (*Seeder, error) {
	if srv == nil {
		return nil, ErrNoServer
	}
	if opts.Log == nil {
		opts.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Seeder{
		dir:  opts.Dir,
		log:  opts.Log,
		srv:  srv,
		prev: make(map[string][]byte),
	}, nil
}

// Start seeds every existing file, then watches the directory until the
// context ends.
func (s *Seeder) Start(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.apply(ctx, filepath.Join(s.dir, entry.Name()))
	}

	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := s.watcher.Add(s.dir); err != nil {
		_ = s.watcher.Close()
		return err
	}

	go s.loop(ctx)
	return nil
}

func (s *Seeder) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Seeder) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				s.apply(ctx, event.Name)
			}
			// removals are ignored; the protocol has no delete operation

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("seed: watcher error", "err", err)
		}
	}
}

func (s *Seeder) apply(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")

	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("seed: unreadable file", "path", path, "err", err)
		return
	}

	var value replicants.Value
	if err := json.Unmarshal(data, &value); err != nil {
		// editors save half-written files; wait for a parseable state
		s.log.Debug("seed: skipping unparseable file", "path", path, "err", err)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	prevData, seen := s.prev[name]
	if !seen {
		s.srv.Set(ctx, name, value)
		s.prev[name] = data
		s.log.Info("seed: seeded", "name", name)
		return
	}

	patch, err := jsondiff.CompareJSON(prevData, data)
	if err != nil {
		s.log.Error("seed: diff failed", "name", name, "err", err)
		return
	}
	if len(patch) == 0 {
		return
	}

	var prevValue replicants.Value
	_ = json.Unmarshal(prevData, &prevValue)

	cs := Convert(prevValue, patch)
	if len(cs) == 0 {
		s.srv.Set(ctx, name, value)
	} else {
		s.srv.Apply(ctx, name, cs)
	}
	s.prev[name] = data
	s.log.Debug("seed: applied", "name", name, "changes", len(cs))
}

// Convert maps an RFC 6902 patch onto the replication change set. Old
// values, which JSON Patch does not carry, come from the tracked previous
// document; each converted change advances a working copy so later ops in
// the same patch see the partially applied state.
func Convert(prev replicants.Value, patch jsondiff.Patch) []change.Change {
	cur := change.Copy(prev)
	cs := make([]change.Change, 0, len(patch))

	for _, op := range patch {
		dotted := pointerToDotted(op.Path)
		parentPath, seg := splitLast(dotted)
		parentVal, _ := change.Get(cur, parentPath)
		arr, inSeq := parentVal.([]any)

		var c change.Change
		switch op.Type {
		case "add":
			if inSeq {
				idx := len(arr)
				if seg != "-" {
					idx = atoiClamp(seg, len(arr))
				}
				c = change.Change{
					Type: change.OpSplice, Path: parentPath, Index: idx,
					Added: []change.Value{op.Value}, AddedCount: 1,
				}
			} else {
				c = change.Change{Type: change.OpAdd, Path: dotted, NewValue: op.Value}
			}

		case "replace":
			old, _ := change.Get(cur, dotted)
			c = change.Change{Type: change.OpUpdate, Path: dotted, OldValue: old, NewValue: op.Value}

		case "remove":
			old, _ := change.Get(cur, dotted)
			if inSeq {
				c = change.Change{
					Type: change.OpSplice, Path: parentPath, Index: atoiClamp(seg, len(arr)),
					Removed: []change.Value{old}, RemovedCount: 1,
				}
			} else {
				c = change.Change{Type: change.OpDelete, Path: dotted, OldValue: old}
			}

		default:
			// copy/move/test never come out of a plain compare
			continue
		}

		cs = append(cs, c)
		cur = change.Apply(cur, []change.Change{c})
	}
	return cs
}

// pointerToDotted converts a JSON pointer ("/a/b/0") to the codec's dotted
// form ("a.b.0").
func pointerToDotted(ptr string) string {
	if ptr == "" || ptr == "/" {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func splitLast(dotted string) (parent, last string) {
	i := strings.LastIndexByte(dotted, '.')
	if i < 0 {
		return "", dotted
	}
	return dotted[:i], dotted[i+1:]
}

func atoiClamp(s string, max int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return max
		}
		n = n*10 + int(r-'0')
		if n > max {
			return max
		}
	}
	return n
}

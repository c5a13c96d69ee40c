// Package observe turns edits of a structured value into a stream of raw
// change records. Go values cannot be watched in place, so the observer
// keeps a private deep snapshot of the value it is attached to; committing
// the live value diffs it against the snapshot and delivers every change
// produced by that edit burst in a single callback invocation.
//
// Raw paths use '/' as separator and start with '/'; the change codec
// normalizes them to dotted form.
package observe

import (
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/fwdcp/replicants/change"
)

// Raw is one low-level change record produced by a diff pass.
type Raw struct {
	Type string // "add", "update", "delete", "splice"
	Path string

	Root     any
	Object   any // parent container after the change
	OldValue any
	NewValue any

	Index      int
	Removed    []any
	Added      []any
	AddedCount int
}

type Callback func(raws []Raw)

type Observer struct {
	lock sync.Mutex

	cb       Callback
	attached bool
	snapshot any
	sum      uint64
}

func New(cb Callback) *Observer {
	return &Observer{cb: cb}
}

// Attach starts observing v. Attaching to a primitive or nil is a no-op:
// such values have no interior positions to watch.
func (o *Observer) Attach(v any) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if !isContainer(v) {
		o.attached = false
		o.snapshot = nil
		o.sum = 0
		return
	}
	o.attached = true
	o.snapshot = change.Copy(v)
	o.sum = fingerprint(v)
}

func (o *Observer) Detach() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.attached = false
	o.snapshot = nil
	o.sum = 0
}

func (o *Observer) Attached() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.attached
}

// Commit diffs the live value against the snapshot, fires the callback once
// with the whole burst and refreshes the snapshot. Returns the raw changes.
func (o *Observer) Commit(live any) []Raw {
	o.lock.Lock()
	if !o.attached {
		o.lock.Unlock()
		return nil
	}

	// cheap fingerprint first; most commits change nothing
	sum := fingerprint(live)
	if sum == o.sum {
		o.lock.Unlock()
		return nil
	}

	var raws []Raw
	diffValues(o.snapshot, live, "", live, &raws)

	o.snapshot = change.Copy(live)
	o.sum = sum
	cb := o.cb
	o.lock.Unlock()

	if len(raws) > 0 && cb != nil {
		cb(raws)
	}
	return raws
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func fingerprint(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// Package replicants provides named replicated values shared between one
// authoritative server and any number of mirror clients over a message
// channel with room multicast.
//
// A client subscribes to a value by name, mutates it locally and observes
// remote mutations; the server arbitrates concurrent edits through a
// revision-history hash chain, persists the canonical revision and fans
// accepted updates out to every other subscriber of the same name.
// Divergent client edits are not merged: the client that lost the race
// re-synchronizes against the server and drops its local edit.
package replicants

import (
	"errors"
	"sync"

	"github.com/fwdcp/replicants/change"
	"github.com/fwdcp/replicants/observe"
)

type Value = change.Value

const (
	DefaultNamespace    = "/"
	DefaultRoomPrefix   = "replicants/"
	DefaultHistoryLimit = 100
)

var ErrNoTransport = errors.New("replicants: transport handle is required")

// pushFunc forwards a local transition to the protocol layer. hist is the
// revision history as of the emit; ack handling must re-read live state.
type pushFunc func(old, new Value, changes []change.Change, hist []string)

// Replicant is one named replicated value: the value itself, its sequence
// number, the revision-history chain and the observer that turns in-place
// edits into change lists.
//
// The suppress flag guards server-driven writes: the observer cannot tell
// a remote mutation from a local one, so every remote write detaches the
// observer, swaps the value and reattaches without emitting.
type Replicant struct {
	name         string
	historyLimit int

	lock     sync.Mutex
	value    Value
	seq      int64
	history  []string
	suppress bool
	ready    bool

	observer *observe.Observer
	push     pushFunc

	onReady  []func()
	onChange []func(old, new Value)
}

func newReplicant(name string, historyLimit int) *Replicant {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Replicant{
		name:         name,
		historyLimit: historyLimit,
		observer:     observe.New(nil),
	}
}

func (r *Replicant) Name() string {
	return r.name
}

// Value returns the current value. On a client it stays nil until the
// replicant is ready.
func (r *Replicant) Value() Value {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.value
}

func (r *Replicant) SequenceNumber() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.seq
}

// History returns a copy of the revision history, most recent first.
func (r *Replicant) History() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.history...)
}

func (r *Replicant) HistoryAt(i int) string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return historyAt(r.history, i)
}

// Revision is derived, never stored: hash(sequenceNumber, value). Wire
// records may carry a revision field; it is ignored on the way in.
func (r *Replicant) Revision() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return RevisionLabel(r.seq, r.value)
}

func (r *Replicant) Ready() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.ready
}

// OnReady registers a one-shot callback for the moment the replicant
// finishes its first synchronization. Fires immediately if already ready.
func (r *Replicant) OnReady(f func()) {
	r.lock.Lock()
	if r.ready {
		r.lock.Unlock()
		f()
		return
	}
	r.onReady = append(r.onReady, f)
	r.lock.Unlock()
}

// OnChange registers a callback for every adopted transition, local or
// remote.
func (r *Replicant) OnChange(f func(old, new Value)) {
	r.lock.Lock()
	r.onChange = append(r.onChange, f)
	r.lock.Unlock()
}

// Set replaces the whole value. The transition reaches the protocol layer
// with a nil change list, which maps to the heavy replicantSet path.
func (r *Replicant) Set(v Value) {
	r.lock.Lock()
	if r.suppress {
		r.lock.Unlock()
		return
	}
	old := r.value
	newv := change.Copy(v)
	r.value = newv
	r.observer.Attach(newv)

	var hist []string
	push := r.push
	if push != nil {
		hist = r.bumpLocked(newv)
	}
	r.lock.Unlock()

	if push != nil {
		push(old, newv, nil, hist)
	}
	r.notifyChange(old, newv)
}

// Mutate runs fn against the live value and commits whatever it changed.
// fn may edit containers in place and must return the (possibly replaced)
// value. The observer coalesces the whole edit burst into one change list
// and the pre-edit value is recovered by reversing it.
func (r *Replicant) Mutate(fn func(v Value) Value) {
	r.lock.Lock()
	if r.suppress {
		r.lock.Unlock()
		return
	}
	if !r.observer.Attached() {
		r.observer.Attach(r.value)
	}
	prev := r.value
	newv := fn(r.value)
	r.value = newv

	if !r.observer.Attached() {
		// primitive values cannot be observed; fall back to replacement
		r.value = prev
		r.lock.Unlock()
		if !jsonEqual(prev, newv) {
			r.Set(newv)
		}
		return
	}

	raws := r.observer.Commit(newv)
	if len(raws) == 0 {
		r.lock.Unlock()
		return
	}

	cs := formatRaws(raws)
	old := change.Reverse(newv, cs)

	var hist []string
	push := r.push
	if push != nil {
		hist = r.bumpLocked(newv)
	}
	r.lock.Unlock()

	if push != nil {
		push(old, newv, cs, hist)
	}
	r.notifyChange(old, newv)
}

// adopt installs a server-driven value (and optionally history) without
// echoing anything back out through the observer.
func (r *Replicant) adopt(v Value, history []string, seq int64) (old Value) {
	r.lock.Lock()
	r.suppress = true
	r.observer.Detach()
	old = r.value
	r.value = v
	if history != nil {
		r.history = append([]string(nil), history...)
		r.seq = seq
	}
	r.observer.Attach(r.value)
	r.suppress = false
	r.lock.Unlock()
	return old
}

type remoteOutcome int

const (
	remoteEcho remoteOutcome = iota
	remoteApplied
	remoteDiverged
)

// applyRemote handles an inbound replicantChanged multicast. The server's
// history labels are authoritative: if its parent matches what we hold,
// the changes apply; if its head already matches, this is our own edit
// coming back and only the history is adopted; anything else means we
// diverged and must resynchronize.
func (r *Replicant) applyRemote(hist []string, cs []change.Change) remoteOutcome {
	r.lock.Lock()
	defer r.lock.Unlock()

	local := RevisionLabel(r.seq, r.value)
	switch {
	case local == historyAt(hist, 0):
		r.history = append([]string(nil), hist...)
		r.seq = int64(len(hist))
		return remoteEcho

	case local == historyAt(hist, 1):
		r.suppress = true
		r.observer.Detach()
		r.value = change.Apply(r.value, cs)
		r.history = append([]string(nil), hist...)
		r.seq = int64(len(hist))
		r.observer.Attach(r.value)
		r.suppress = false
		return remoteApplied

	default:
		return remoteDiverged
	}
}

// adoptHistoryTail installs a client-claimed chain minus its head; the
// following advance recomputes the head label against the new value.
func (r *Replicant) adoptHistoryTail(hist []string) {
	r.lock.Lock()
	if len(hist) > 0 {
		r.history = append([]string(nil), hist[1:]...)
	} else {
		r.history = nil
	}
	r.seq = int64(len(r.history))
	r.lock.Unlock()
}

// advance bumps the sequence number, prepends the fresh revision label and
// returns a snapshot of the chain.
func (r *Replicant) advance(v Value) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.bumpLocked(v)
}

func (r *Replicant) bumpLocked(v Value) []string {
	// mirrors infer the sequence number from the chain they receive, so
	// it must always equal the (capped) chain length; past the cap the
	// number plateaus and the value keeps the labels distinct
	next := int64(len(r.history)) + 1
	if next > int64(r.historyLimit) {
		next = int64(r.historyLimit)
	}
	label := RevisionLabel(next, v)
	r.history = prependHistory(r.history, label, r.historyLimit)
	r.seq = int64(len(r.history))
	return append([]string(nil), r.history...)
}

func (r *Replicant) markReady() {
	r.lock.Lock()
	if r.ready {
		r.lock.Unlock()
		return
	}
	r.ready = true
	callbacks := r.onReady
	r.onReady = nil
	r.lock.Unlock()

	for _, f := range callbacks {
		f()
	}
}

func (r *Replicant) notifyChange(old, new Value) {
	r.lock.Lock()
	callbacks := append([]func(old, new Value){}, r.onChange...)
	r.lock.Unlock()
	for _, f := range callbacks {
		f(old, new)
	}
}

// formatRaws normalizes raw observer records to the wire change set.
// Raw paths are '/'-separated with a leading slash.
func formatRaws(raws []observe.Raw) []change.Change {
	cs := make([]change.Change, 0, len(raws))
	for _, raw := range raws {
		path := dottedPath(raw.Path)
		switch raw.Type {
		case "add":
			cs = append(cs, change.Change{Type: change.OpAdd, Path: path, NewValue: raw.NewValue})
		case "update":
			cs = append(cs, change.Change{Type: change.OpUpdate, Path: path, OldValue: raw.OldValue, NewValue: raw.NewValue})
		case "delete":
			cs = append(cs, change.Change{Type: change.OpDelete, Path: path, OldValue: raw.OldValue})
		case "splice":
			cs = append(cs, change.Change{
				Type:         change.OpSplice,
				Path:         path,
				Index:        raw.Index,
				Removed:      raw.Removed,
				RemovedCount: len(raw.Removed),
				Added:        raw.Added,
				AddedCount:   raw.AddedCount,
			})
		}
	}
	return cs
}

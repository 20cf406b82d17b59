// Package queue holds the in-memory ordering of pending builds. It is
// a cache over the build store, never authoritative: entries are added
// only after the store has committed, removed only after a store
// transition has committed, and the whole thing is rebuilt from the
// store on startup.
package queue

import (
	"sort"
	"sync"
	"time"
)

// Entry references one pending build. Platform is carried so the
// assignment loop can skip candidates a worker cannot build without a
// store round-trip per candidate.
type Entry struct {
	BuildID     string
	Platform    string
	SubmittedAt time.Time
}

type JobQueue struct {
	mu      sync.RWMutex
	entries []Entry
	present map[string]bool
}

func New() *JobQueue {
	return &JobQueue{present: make(map[string]bool)}
}

// Restore replaces the queue contents with entries sorted by
// submission time. Called once on startup, before any poll is served.
func (q *JobQueue) Restore(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make([]Entry, len(entries))
	copy(q.entries, entries)
	sort.Slice(q.entries, func(i, j int) bool {
		return q.entries[i].SubmittedAt.Before(q.entries[j].SubmittedAt)
	})

	q.present = make(map[string]bool, len(q.entries))
	for _, e := range q.entries {
		q.present[e.BuildID] = true
	}
}

// Enqueue appends at the tail. Callers must only enqueue builds whose
// store record has already committed.
func (q *JobQueue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.present[e.BuildID] {
		return
	}
	q.entries = append(q.entries, e)
	q.present[e.BuildID] = true
}

// Candidates returns a snapshot of up to n head entries accepted by
// the predicate, without removing anything. A nil accept takes every
// entry. Filtering happens before the window is cut: entries the
// caller cannot claim never count against n, so a deep queue of
// unclaimable work cannot hide a claimable build further back. The
// assignment loop walks this snapshot so that a momentarily locked
// head never blocks claiming a later candidate.
func (q *JobQueue) Candidates(n int, accept func(Entry) bool) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Entry, 0, n)
	for _, e := range q.entries {
		if len(out) == n {
			break
		}
		if accept == nil || accept(e) {
			out = append(out, e)
		}
	}
	return out
}

// ConfirmDequeue removes a build id. Callers must only confirm after
// the corresponding store transition has committed; removing first is
// exactly the pattern that loses builds on a transient failure.
func (q *JobQueue) ConfirmDequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.present[id] {
		return false
	}
	delete(q.present, id)
	for i, e := range q.entries {
		if e.BuildID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// Requeue re-appends an entry; used by reclamation paths. Relaxed FIFO:
// a reclaimed build goes to the tail, not back to its original slot.
func (q *JobQueue) Requeue(e Entry) {
	q.Enqueue(e)
}

func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

package audit

import (
	"context"
	"sync"

	"github.com/forgeci/forge/internal/build"
)

// Record is one captured sink call.
type Record struct {
	BuildID  string
	WorkerID string
	From     build.Status
	To       build.Status
	Event    string
	Detail   string
}

// Capture is a Sink that remembers every call, for tests asserting
// that transitions are audited.
type Capture struct {
	mu      sync.Mutex
	records []Record
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) BuildTransition(_ context.Context, b *build.Build, from, to build.Status, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Record{BuildID: b.ID, From: from, To: to, Detail: detail}
	if b.WorkerID != nil {
		r.WorkerID = *b.WorkerID
	}
	c.records = append(c.records, r)
}

func (c *Capture) WorkerEvent(_ context.Context, workerID, event, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Record{WorkerID: workerID, Event: event, Detail: detail})
}

func (c *Capture) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

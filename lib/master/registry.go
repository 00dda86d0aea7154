package master

import (
	"net"
	"sort"
	"time"

	"taskmaster/lib/ids"
)

// Status is the lifecycle state of a worker as tracked by the registry.
type Status string

const (
	Idle       Status = "idle"
	Requesting Status = "requesting"
	Working    Status = "working"
	Exiting    Status = "exiting"
)

// WorkerRecord is the Master's in-memory record of one connected worker.
// It is mutated exclusively by the scheduler's single event loop; no
// lock is needed because there is exactly one mutator.
type WorkerRecord struct {
	ID           ids.WorkerID
	Conn         net.Conn
	Status       Status
	AssignedFile ids.TaskFile
	// Outstanding maps a request-id this worker owes an ack for to its
	// entry in the scheduler's deadline heap, so an ack can cancel the
	// matching deadline in O(log n).
	Outstanding map[ids.ReqID]*deadlineItem
}

func newWorkerRecord(id ids.WorkerID, conn net.Conn) *WorkerRecord {
	return &WorkerRecord{
		ID:          id,
		Conn:        conn,
		Status:      Idle,
		Outstanding: make(map[ids.ReqID]*deadlineItem),
	}
}

// registry is the worker-id -> record table. A worker-id appears at most
// once; enforced by Add returning false on collision.
type registry struct {
	workers map[ids.WorkerID]*WorkerRecord
}

func newRegistry() *registry {
	return &registry{workers: make(map[ids.WorkerID]*WorkerRecord)}
}

func (r *registry) Add(rec *WorkerRecord) bool {
	if _, exists := r.workers[rec.ID]; exists {
		return false
	}
	r.workers[rec.ID] = rec
	return true
}

func (r *registry) Get(id ids.WorkerID) (*WorkerRecord, bool) {
	rec, ok := r.workers[id]
	return rec, ok
}

func (r *registry) Remove(id ids.WorkerID) {
	delete(r.workers, id)
}

func (r *registry) Len() int { return len(r.workers) }

// IdleWorkers returns workers with status Idle, in a deterministic
// (insertion-independent, id-sorted) order so assignment pairing is
// reproducible within a pass.
func (r *registry) IdleWorkers() []*WorkerRecord {
	out := make([]*WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		if rec.Status == Idle {
			out = append(out, rec)
		}
	}
	sortWorkersByID(out)
	return out
}

func (r *registry) All() []*WorkerRecord {
	out := make([]*WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec)
	}
	sortWorkersByID(out)
	return out
}

func sortWorkersByID(recs []*WorkerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

// ackTimeout is the deadline for both REQUEST and CHECK acks.
const ackTimeout = 3 * time.Second

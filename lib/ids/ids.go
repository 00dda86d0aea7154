// Package ids defines the identifier types shared across taskmaster's
// wire protocol, task directory, and worker registry.
package ids

import "github.com/google/uuid"

// WorkerID identifies a worker for the lifetime of its connection to the
// Master. Workers derive their own id from their local ephemeral TCP port
// and echo it in JOIN.
type WorkerID string

// TaskFile is the filename of a task, preserved verbatim end to end.
// It never crosses the codec as anything but the msg payload of a
// DONE/FAILED message.
type TaskFile string

// ReqID correlates an outstanding REQUEST or CHECK with its ack.
type ReqID string

// NewReqID mints a fresh, collision-free request id.
func NewReqID() ReqID {
	return ReqID(uuid.NewString())
}

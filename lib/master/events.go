package master

import (
	"net"

	"taskmaster/lib/ids"
	"taskmaster/lib/protocol"
)

// eventKind discriminates the events that connection goroutines put on
// the scheduler's event queue: a completed JOIN, an inbound frame, and a
// read error or close. Timer ticks, timeout expiries and the pending-
// directory watch signal reach the scheduler on their own channels.
type eventKind string

const (
	eventJoin       eventKind = "join"
	eventFrame      eventKind = "frame"
	eventDisconnect eventKind = "disconnect"
)

// event is delivered on the scheduler's single event queue. Only the
// fields relevant to kind are populated.
type event struct {
	kind     eventKind
	conn     net.Conn
	workerID ids.WorkerID
	msg      protocol.Message
	err      error
}

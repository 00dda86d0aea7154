// Package protocol implements taskmaster's wire protocol: newline-delimited
// JSON frames exchanged between Master and Worker over a TCP connection.
//
// Wire messages are dynamically-typed JSON objects in the system this was
// distilled from. Here they are represented as a single tagged-union
// Message type: one struct carrying every possible field, with Type
// selecting which fields are meaningful. The codec translates between
// this closed type and the wire JSON, so callers never touch a bag of
// interface{} values.
package protocol

import "taskmaster/lib/ids"

// Type is the discriminant of a Message.
type Type string

const (
	Join          Type = "JOIN"
	JoinAck       Type = "JOIN_ACK"
	Check         Type = "CHECK"
	CheckAck      Type = "CHECK_ACK"
	Request       Type = "REQUEST"
	RequestAck    Type = "REQUEST_ACK"
	Done          Type = "DONE"
	Failed        Type = "FAILED"
	UsageLimited  Type = "USAGE_LIMITED"
	Leave         Type = "LEAVE"
	Disconnect    Type = "DISCONNECT"
)

// Message is the tagged union over every wire message kind in the
// protocol. Msg is always present in the JSON encoding (it may be the
// empty string); ReqID is omitted when empty, so only the request/ack
// kinds that carry one put a req_id key on the wire.
type Message struct {
	Type  Type      `json:"type"`
	Msg   string    `json:"msg"`
	ReqID ids.ReqID `json:"req_id,omitempty"`
}

// NewJoin builds a JOIN message: msg carries the joining worker-id.
func NewJoin(worker ids.WorkerID) Message {
	return Message{Type: Join, Msg: string(worker)}
}

// NewJoinAck builds a JOIN_ACK message.
func NewJoinAck() Message {
	return Message{Type: JoinAck}
}

// NewCheck builds a CHECK health-check probe with the given request id.
func NewCheck(req ids.ReqID) Message {
	return Message{Type: Check, ReqID: req}
}

// NewCheckAck builds a CHECK_ACK echoing the given request id.
func NewCheckAck(req ids.ReqID) Message {
	return Message{Type: CheckAck, ReqID: req}
}

// NewRequest builds a REQUEST carrying prompt text and a fresh request id.
func NewRequest(prompt string, req ids.ReqID) Message {
	return Message{Type: Request, Msg: prompt, ReqID: req}
}

// NewRequestAck builds a REQUEST_ACK echoing the given request id.
func NewRequestAck(req ids.ReqID) Message {
	return Message{Type: RequestAck, ReqID: req}
}

// NewDone builds a DONE report naming the completed task file.
func NewDone(task ids.TaskFile) Message {
	return Message{Type: Done, Msg: string(task)}
}

// NewFailed builds a FAILED report naming the failed task file.
func NewFailed(task ids.TaskFile) Message {
	return Message{Type: Failed, Msg: string(task)}
}

// NewUsageLimited builds a USAGE_LIMITED report naming the reporting worker.
func NewUsageLimited(worker ids.WorkerID) Message {
	return Message{Type: UsageLimited, Msg: string(worker)}
}

// NewLeave builds a LEAVE notification.
func NewLeave() Message {
	return Message{Type: Leave}
}

// NewDisconnect builds a DISCONNECT notification.
func NewDisconnect() Message {
	return Message{Type: Disconnect}
}

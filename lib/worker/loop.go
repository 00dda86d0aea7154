// Package worker implements the worker-side protocol loop: the framed
// TCP dialogue with the Master that must stay responsive to CHECK probes
// even while the agent supervisor is mid-task.
package worker

import (
	"fmt"
	"net"
	"time"

	"taskmaster/lib/agent"
	"taskmaster/lib/ids"
	"taskmaster/lib/protocol"
	"taskmaster/lib/slog"
)

// joinAckWait is how long Loop waits for JOIN_ACK after sending JOIN.
const joinAckWait = 10 * time.Second

// leaveGrace bounds how long Loop waits for the supervisor to finish
// terminating the agent subprocess during an orderly shutdown.
const leaveGrace = 5 * time.Second

// Loop runs the worker's protocol dialogue with the Master over one
// connection, handing prompts to and collecting results from a
// Supervisor. It owns the connection's send half exclusively: only Loop
// ever writes to conn.
type Loop struct {
	conn       *net.TCPConn
	workerID   ids.WorkerID
	log        slog.Logger
	supervisor *agent.Supervisor

	reader *protocol.FrameReader
	frames chan frameEvent
}

type frameEvent struct {
	msg protocol.Message
	err error
}

// NewLoop constructs a Loop bound to conn and supervisor. Call Run to
// execute the handshake and steady state.
func NewLoop(conn *net.TCPConn, workerID ids.WorkerID, log slog.Logger, supervisor *agent.Supervisor) *Loop {
	l := &Loop{
		conn:       conn,
		workerID:   workerID,
		log:        log,
		supervisor: supervisor,
		frames:     make(chan frameEvent, 16),
	}
	l.reader = protocol.NewFrameReader(conn, func(raw string, err error) {
		log.Warn(&slog.LogRecord{Msg: "worker: malformed frame", Error: err, Details: raw, WorkerID: &workerID})
	})
	return l
}

// Run executes the JOIN handshake then the steady-state loop until
// DISCONNECT is received, the connection drops, or shutdownCh closes.
// It returns nil on an orderly LEAVE, or the error that ended the loop.
func (l *Loop) Run(shutdownCh <-chan struct{}) error {
	if err := l.handshake(); err != nil {
		return err
	}
	go l.readFrames()

	running := true
	for running {
		select {
		case fe, ok := <-l.frames:
			if !ok {
				return fmt.Errorf("worker: connection closed by master")
			}
			if fe.err != nil {
				return fmt.Errorf("worker: frame read error: %w", fe.err)
			}
			if err := l.dispatch(fe.msg, &running); err != nil {
				return err
			}
		case result := <-l.supervisor.Outbox:
			if err := l.reportResult(result); err != nil {
				return err
			}
		case <-shutdownCh:
			running = false
		}
	}
	return l.leave()
}

func (l *Loop) handshake() error {
	if err := l.send(protocol.NewJoin(l.workerID)); err != nil {
		return fmt.Errorf("worker: send JOIN: %w", err)
	}
	ackCh := make(chan error, 1)
	go func() {
		msgs, err := l.reader.ReadMessages()
		if err != nil {
			ackCh <- err
			return
		}
		for _, m := range msgs {
			if m.Type == protocol.JoinAck {
				ackCh <- nil
				return
			}
		}
		ackCh <- fmt.Errorf("worker: expected JOIN_ACK, got other message(s)")
	}()
	select {
	case err := <-ackCh:
		return err
	case <-time.After(joinAckWait):
		return fmt.Errorf("worker: timed out waiting for JOIN_ACK")
	}
}

func (l *Loop) readFrames() {
	for {
		msgs, err := l.reader.ReadMessages()
		for _, m := range msgs {
			l.frames <- frameEvent{msg: m}
		}
		if err != nil {
			close(l.frames)
			return
		}
	}
}

// dispatch handles one inbound frame. CHECK_ACK and REQUEST_ACK are sent
// synchronously here, before any other work, satisfying the ack-ordering
// and responsiveness guarantees.
func (l *Loop) dispatch(m protocol.Message, running *bool) error {
	switch m.Type {
	case protocol.Check:
		return l.send(protocol.NewCheckAck(m.ReqID))
	case protocol.Request:
		if err := l.send(protocol.NewRequestAck(m.ReqID)); err != nil {
			return err
		}
		// REQUEST carries only prompt text and req_id on the wire (§4.1):
		// the worker is never told the task's filename. The Master does
		// not trust the worker's self-reported filename either — it
		// authoritatively tracks the assignment itself — so the worker
		// reports its own req_id as a stand-in task identifier.
		l.supervisor.Submit(agent.Request{
			Prompt:   m.Msg,
			ReqID:    m.ReqID,
			TaskFile: ids.TaskFile(m.ReqID),
		})
		return nil
	case protocol.Disconnect:
		*running = false
		return nil
	default:
		l.log.Warn(&slog.LogRecord{Msg: "worker: unexpected message type", Details: m.Type, WorkerID: &l.workerID})
		return nil
	}
}

func (l *Loop) reportResult(r agent.Result) error {
	switch r.Outcome {
	case agent.Done:
		return l.send(protocol.NewDone(r.TaskFile))
	case agent.Failed:
		if err := l.send(protocol.NewFailed(r.TaskFile)); err != nil {
			return err
		}
		if r.ProcessDied {
			// The agent process died mid-request: the supervisor has
			// already terminated, so this connection is torn down too.
			return fmt.Errorf("worker: agent process died mid-request")
		}
		return nil
	case agent.UsageLimited:
		return l.send(protocol.NewUsageLimited(l.workerID))
	default:
		return fmt.Errorf("worker: unknown agent outcome %q", r.Outcome)
	}
}

func (l *Loop) leave() error {
	sendErr := l.send(protocol.NewLeave())
	l.supervisor.Exit()
	select {
	case <-l.supervisor.Done():
	case <-time.After(leaveGrace):
		l.log.Warn(&slog.LogRecord{Msg: "worker: supervisor did not exit within grace period", WorkerID: &l.workerID})
	}
	l.conn.Close()
	return sendErr
}

func (l *Loop) send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("worker: encode %s: %w", m.Type, err)
	}
	if _, err := l.conn.Write(b); err != nil {
		return fmt.Errorf("worker: write %s: %w", m.Type, err)
	}
	return nil
}

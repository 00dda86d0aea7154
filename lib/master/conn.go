package master

import (
	"fmt"
	"net"
	"time"

	"taskmaster/lib/ids"
	"taskmaster/lib/protocol"
	"taskmaster/lib/slog"
)

// joinWait bounds how long a newly accepted connection is given to send
// a valid JOIN before the Master gives up on it.
const joinWait = 10 * time.Second

// handleConnection is run once per accepted connection, entirely outside
// the scheduler's single-owner loop: it only ever reads from conn and
// emits events, never mutates registry state or writes to conn itself,
// preserving the "sends only from the scheduler" discipline.
func handleConnection(conn net.Conn, events chan<- event, log slog.Logger) {
	reader := protocol.NewFrameReader(conn, func(raw string, err error) {
		log.Warn(&slog.LogRecord{Msg: "master: malformed frame", Error: err, Details: raw})
	})

	conn.SetReadDeadline(time.Now().Add(joinWait))
	workerID, err := awaitJoin(reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Warn(&slog.LogRecord{Msg: "master: connection rejected before JOIN", Error: err})
		_ = conn.Close()
		return
	}

	events <- event{kind: eventJoin, conn: conn, workerID: workerID}

	for {
		msgs, err := reader.ReadMessages()
		for _, m := range msgs {
			events <- event{kind: eventFrame, workerID: workerID, msg: m}
		}
		if err != nil {
			events <- event{kind: eventDisconnect, workerID: workerID, err: err}
			return
		}
	}
}

func awaitJoin(reader *protocol.FrameReader) (ids.WorkerID, error) {
	for {
		msgs, err := reader.ReadMessages()
		for _, m := range msgs {
			if m.Type == protocol.Join {
				return ids.WorkerID(m.Msg), nil
			}
			return "", fmt.Errorf("master: expected JOIN, got %s", m.Type)
		}
		if err != nil {
			return "", fmt.Errorf("master: connection closed before JOIN: %w", err)
		}
	}
}

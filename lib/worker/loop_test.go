package worker

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"taskmaster/lib/agent"
	"taskmaster/lib/ids"
	"taskmaster/lib/protocol"
	"taskmaster/lib/slog"
)

// fakeMaster is a minimal in-process stand-in for the Master's side of
// the wire protocol, used to exercise Loop without a real agent process
// or network round-trip to an external binary.
type fakeMaster struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeMasterPair(t *testing.T) (*fakeMaster, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	workerSideCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		workerSideCh <- c.(*net.TCPConn)
	}()

	masterConn, err := ln.Accept()
	require.NoError(t, err)
	workerConn := <-workerSideCh

	return &fakeMaster{conn: masterConn, reader: bufio.NewReader(masterConn)}, workerConn
}

func (f *fakeMaster) readMessage(t *testing.T) protocol.Message {
	t.Helper()
	line, err := f.reader.ReadString('\n')
	require.NoError(t, err)
	m, err := protocol.Decode([]byte(line[:len(line)-1]))
	require.NoError(t, err)
	return m
}

func (f *fakeMaster) send(t *testing.T, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	require.NoError(t, err)
	_, err = f.conn.Write(b)
	require.NoError(t, err)
}

type fakeSupervisor struct {
	outbox chan agent.Result
}

func TestLoopHandshakeAndCheckAck(t *testing.T) {
	fm, workerConn := newFakeMasterPair(t)
	defer fm.conn.Close()
	defer workerConn.Close()

	sup := &agent.Supervisor{} // zero-value Outbox is nil; Loop never reads it in this test before shutdown
	log := &slog.RecordingLogger{}
	l := NewLoop(workerConn, ids.WorkerID("55000"), log, sup)

	handshakeErrCh := make(chan error, 1)
	go func() {
		joinMsg := fm.readMessage(t)
		require.Equal(t, protocol.Join, joinMsg.Type)
		require.Equal(t, "55000", joinMsg.Msg)
		fm.send(t, protocol.NewJoinAck())
	}()

	go func() {
		handshakeErrCh <- l.handshake()
	}()
	require.NoError(t, <-handshakeErrCh)

	go l.readFrames()
	fm.send(t, protocol.NewCheck(ids.ReqID("c1")))

	select {
	case fe := <-l.frames:
		require.NoError(t, fe.err)
		require.NoError(t, l.dispatch(fe.msg, new(bool)))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CHECK frame")
	}

	ack := fm.readMessage(t)
	require.Equal(t, protocol.CheckAck, ack.Type)
	require.Equal(t, ids.ReqID("c1"), ack.ReqID)
}

func TestReportResultProcessDiedReturnsError(t *testing.T) {
	fm, workerConn := newFakeMasterPair(t)
	defer fm.conn.Close()
	defer workerConn.Close()

	sup := &agent.Supervisor{}
	log := &slog.RecordingLogger{}
	l := NewLoop(workerConn, ids.WorkerID("1"), log, sup)

	err := l.reportResult(agent.Result{Outcome: agent.Failed, TaskFile: ids.TaskFile("t1.txt"), ProcessDied: true})
	require.Error(t, err)

	failed := fm.readMessage(t)
	require.Equal(t, protocol.Failed, failed.Type)
	require.Equal(t, "t1.txt", failed.Msg)
}

func TestDispatchDisconnectStopsRunning(t *testing.T) {
	fm, workerConn := newFakeMasterPair(t)
	defer fm.conn.Close()
	defer workerConn.Close()

	sup := &agent.Supervisor{}
	log := &slog.RecordingLogger{}
	l := NewLoop(workerConn, ids.WorkerID("1"), log, sup)

	running := true
	require.NoError(t, l.dispatch(protocol.NewDisconnect(), &running))
	require.False(t, running)
}

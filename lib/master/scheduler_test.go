package master

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"taskmaster/lib/ids"
	"taskmaster/lib/protocol"
	"taskmaster/lib/slog"
	"taskmaster/lib/taskdir"
)

// fakeWorkerConn wraps the worker side of a loopback TCP connection with
// a buffered frame reader, standing in for a real worker in tests.
type fakeWorkerConn struct {
	conn   net.Conn
	reader *protocol.FrameReader
}

// newFakeWorker returns a connected pair over real TCP loopback sockets
// (not net.Pipe, which is synchronous and would deadlock the small
// synchronous sends the scheduler performs from the calling goroutine in
// these tests).
func newFakeWorker(t *testing.T) (server net.Conn, worker *fakeWorkerConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		clientCh <- c
	}()

	serverConn, err := ln.Accept()
	require.NoError(t, err)
	workerConn := <-clientCh

	return serverConn, &fakeWorkerConn{conn: workerConn, reader: protocol.NewFrameReader(workerConn, nil)}
}

func (w *fakeWorkerConn) send(t *testing.T, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	require.NoError(t, err)
	_, err = w.conn.Write(b)
	require.NoError(t, err)
}

func (w *fakeWorkerConn) recv(t *testing.T) protocol.Message {
	t.Helper()
	done := make(chan protocol.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msgs, err := w.reader.ReadMessages()
		if err != nil {
			errCh <- err
			return
		}
		if len(msgs) == 0 {
			errCh <- nil
			return
		}
		done <- msgs[0]
	}()
	select {
	case m := <-done:
		return m
	case err := <-errCh:
		require.NoError(t, err)
		return protocol.Message{}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *taskdir.Dir) {
	t.Helper()
	root := t.TempDir()
	dir := taskdir.New(root)
	require.NoError(t, dir.EnsureDirectories())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	sched := NewScheduler(ln, dir, &slog.RecordingLogger{})
	return sched, dir
}

func TestSingleTaskSingleWorkerHappyPath(t *testing.T) {
	sched, dir := newTestScheduler(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.PendingPath(), "t001.txt"), []byte("hello"), 0o644))

	serverConn, worker := newFakeWorker(t)
	defer serverConn.Close()
	defer worker.conn.Close()

	sched.handleJoin(serverConn, ids.WorkerID("55000"))
	joinAck := worker.recv(t)
	require.Equal(t, protocol.JoinAck, joinAck.Type)

	sched.assign()

	req := worker.recv(t)
	require.Equal(t, protocol.Request, req.Type)
	require.Equal(t, "hello", req.Msg)
	require.True(t, dir.Exists("t001.txt", taskdir.Working))

	worker.send(t, protocol.NewRequestAck(req.ReqID))
	sched.handleFrame(ids.WorkerID("55000"), protocol.NewRequestAck(req.ReqID))
	rec, ok := sched.registry.Get(ids.WorkerID("55000"))
	require.True(t, ok)
	require.Equal(t, Working, rec.Status)

	sched.handleFrame(ids.WorkerID("55000"), protocol.NewDone(ids.TaskFile("t001.txt")))
	require.True(t, dir.Exists("t001.txt", taskdir.Done))
	require.False(t, dir.Exists("t001.txt", taskdir.Working))
	require.Equal(t, Idle, rec.Status)
	require.Equal(t, 1, sched.stats.TotalDone)
}

func TestDisconnectRequeuesAssignedFile(t *testing.T) {
	sched, dir := newTestScheduler(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.PendingPath(), "t002.txt"), []byte("x"), 0o644))

	serverConn, worker := newFakeWorker(t)
	defer worker.conn.Close()

	sched.handleJoin(serverConn, ids.WorkerID("1"))
	worker.recv(t) // JOIN_ACK

	sched.assign()
	worker.recv(t) // REQUEST
	require.True(t, dir.Exists("t002.txt", taskdir.Working))

	sched.disconnect(ids.WorkerID("1"), "simulated crash")

	require.True(t, dir.Exists("t002.txt", taskdir.Pending))
	require.False(t, dir.Exists("t002.txt", taskdir.Working))
	_, ok := sched.registry.Get(ids.WorkerID("1"))
	require.False(t, ok)
}

func TestDuplicateDoneIsNoOp(t *testing.T) {
	sched, dir := newTestScheduler(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.StatePath(taskdir.Done), "t003.txt"), []byte("x"), 0o644))

	serverConn, _ := newFakeWorker(t)
	defer serverConn.Close()
	sched.handleJoin(serverConn, ids.WorkerID("9"))
	rec, _ := sched.registry.Get(ids.WorkerID("9"))
	rec.AssignedFile = "t003.txt"

	sched.completeTask(rec, taskdir.Done)
	require.True(t, dir.Exists("t003.txt", taskdir.Done))
}

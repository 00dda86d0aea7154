// Package master implements the Master side of taskmaster: the worker
// registry, the deadline-heap-backed scheduler event loop, and the
// directory-based task assignment policy. A single goroutine — Run —
// owns the registry and the task directory; every other goroutine in
// this package only reads sockets and enqueues events, never mutates
// shared state directly.
package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	tmerrors "taskmaster/lib/errors"
	"taskmaster/lib/ids"
	"taskmaster/lib/metrics"
	"taskmaster/lib/protocol"
	"taskmaster/lib/slog"
	"taskmaster/lib/taskdir"
)

// tickInterval is the period of the Scheduler's health-check/assignment pass.
const tickInterval = 10 * time.Second

// disconnectGrace bounds a single worker's disconnect during shutdown.
const disconnectGrace = 5 * time.Second

// shutdownBudget bounds the aggregate parallel disconnect on global completion.
const shutdownBudget = 10 * time.Second

// Stats accumulates the lifetime counters reported at shutdown.
type Stats struct {
	TotalAssigned int
	TotalDone     int
	TotalFailed   int
}

// Scheduler is the Master's single event loop. Construct with
// NewScheduler and run it with Run; Run blocks until global completion
// or ctx is cancelled.
type Scheduler struct {
	listener net.Listener
	dir      *taskdir.Dir
	watcher  *taskdir.Watcher
	log      slog.Logger

	events chan event

	registry  *registry
	deadlines *deadlines

	tickCount int
	startedAt time.Time
	stats     Stats
}

// NewScheduler wires a Scheduler around an already-bound listener and a
// task directory whose directories have already been ensured.
func NewScheduler(listener net.Listener, dir *taskdir.Dir, log slog.Logger) *Scheduler {
	return &Scheduler{
		listener:  listener,
		dir:       dir,
		log:       log,
		events:    make(chan event, 64),
		registry:  newRegistry(),
		deadlines: newDeadlines(),
		startedAt: time.Now(),
	}
}

// Run accepts connections and drives the scheduling loop until global
// completion is detected or ctx is cancelled. It returns the final
// statistics.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	if w, err := taskdir.NewWatcher(s.dir); err != nil {
		s.log.Warn(&slog.LogRecord{Msg: "master: pending watcher unavailable, relying on timer only", Error: err})
	} else {
		s.watcher = w
		defer w.Close()
	}

	go s.acceptLoop(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var pendingCh <-chan struct{}
	if s.watcher != nil {
		pendingCh = watcherChan(s.watcher)
	}

	for {
		var timeoutCh <-chan time.Time
		var timer *time.Timer
		if t, ok := s.deadlines.NextDeadline(); ok {
			d := time.Until(t)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return s.shutdown(), nil

		case ev := <-s.events:
			stopTimer(timer)
			s.handleEvent(ev)

		case <-ticker.C:
			stopTimer(timer)
			if done := s.handleTick(); done {
				return s.shutdown(), nil
			}

		case <-timeoutCh:
			s.handleExpiredDeadlines()

		case <-pendingCh:
			stopTimer(timer)
		}

		s.assign()
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func watcherChan(w *taskdir.Watcher) <-chan struct{} {
	return w.Events
}

func (s *Scheduler) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Error(&slog.LogRecord{Msg: "master: accept error", Error: err})
			continue
		}
		go handleConnection(conn, s.events, s.log)
	}
}

func (s *Scheduler) handleEvent(ev event) {
	switch ev.kind {
	case eventJoin:
		s.handleJoin(ev.conn, ev.workerID)
	case eventFrame:
		s.handleFrame(ev.workerID, ev.msg)
	case eventDisconnect:
		s.disconnect(ev.workerID, fmt.Sprintf("read error: %v", ev.err))
	}
}

func (s *Scheduler) handleJoin(conn net.Conn, workerID ids.WorkerID) {
	rec := newWorkerRecord(workerID, conn)
	if !s.registry.Add(rec) {
		s.log.Warn(&slog.LogRecord{Msg: "master: duplicate worker-id rejected", WorkerID: &workerID})
		_ = conn.Close()
		return
	}
	if err := s.send(rec, protocol.NewJoinAck()); err != nil {
		s.log.Warn(&slog.LogRecord{Msg: "master: failed to send JOIN_ACK", Error: err, WorkerID: &workerID})
		s.registry.Remove(workerID)
		_ = conn.Close()
		return
	}
	metrics.ConnectedWorkers.Set(float64(s.registry.Len()))
	s.log.Info(&slog.LogRecord{Msg: "master: worker joined", WorkerID: &workerID})
}

func (s *Scheduler) handleFrame(workerID ids.WorkerID, msg protocol.Message) {
	rec, ok := s.registry.Get(workerID)
	if !ok {
		s.log.Warn(&slog.LogRecord{Msg: "master: frame from unknown worker", WorkerID: &workerID, Details: msg.Type})
		return
	}
	switch msg.Type {
	case protocol.RequestAck:
		s.ackOutstanding(rec, msg.ReqID)
		if rec.Status == Requesting {
			rec.Status = Working
		}
	case protocol.CheckAck:
		s.ackOutstanding(rec, msg.ReqID)
	case protocol.Done:
		s.completeTask(rec, taskdir.Done)
	case protocol.Failed:
		s.completeTask(rec, taskdir.Failed)
	case protocol.UsageLimited:
		s.log.Warn(&slog.LogRecord{Msg: "master: worker reported usage limit", WorkerID: &workerID})
		s.disconnect(workerID, "usage limited")
	case protocol.Leave:
		s.disconnect(workerID, "clean leave")
	default:
		s.log.Warn(&slog.LogRecord{Msg: "master: unexpected message type from worker", WorkerID: &workerID, Details: msg.Type})
	}
}

func (s *Scheduler) ackOutstanding(rec *WorkerRecord, reqID ids.ReqID) {
	item, ok := rec.Outstanding[reqID]
	if !ok {
		return
	}
	s.deadlines.Cancel(item)
	delete(rec.Outstanding, reqID)
}

// completeTask handles DONE/FAILED: moves the worker's assigned file per
// the outcome. A duplicate report for a file already moved is a no-op,
// matching the permissive behavior this spec keeps from its source.
func (s *Scheduler) completeTask(rec *WorkerRecord, to taskdir.State) {
	name := rec.AssignedFile
	if name != "" {
		if err := s.dir.Move(name, taskdir.Working, to); err != nil {
			s.log.Error(&slog.LogRecord{Msg: "master: failed to move completed task", Error: err, WorkerID: &rec.ID, TaskFile: &name})
		}
		if to == taskdir.Done {
			s.stats.TotalDone++
		} else {
			s.stats.TotalFailed++
		}
	}
	rec.Status = Idle
	rec.AssignedFile = ""
}

// assign pairs pending files with idle workers, one pass per call,
// exactly once between every pair of events, as the design requires.
func (s *Scheduler) assign() {
	pending, err := s.dir.ListPending()
	if err != nil {
		s.log.Error(&slog.LogRecord{Msg: "master: list pending failed", Error: err})
		return
	}
	idle := s.registry.IdleWorkers()
	n := len(pending)
	if len(idle) < n {
		n = len(idle)
	}
	for i := 0; i < n; i++ {
		s.assignOne(pending[i], idle[i])
	}
}

func (s *Scheduler) assignOne(name ids.TaskFile, rec *WorkerRecord) {
	if err := s.dir.Move(name, taskdir.Pending, taskdir.Working); err != nil {
		s.log.Error(&slog.LogRecord{Msg: "master: assignment move failed", Error: err, TaskFile: &name})
		return
	}
	prompt, err := s.dir.Read(name, taskdir.Working)
	if err != nil {
		s.log.Error(&slog.LogRecord{Msg: "master: assignment read failed, reverting", Error: err, TaskFile: &name})
		if revertErr := s.dir.Move(name, taskdir.Working, taskdir.Pending); revertErr != nil {
			s.log.Error(&slog.LogRecord{Msg: "master: failed to revert assignment move", Error: revertErr, TaskFile: &name})
		}
		return
	}

	reqID := ids.NewReqID()
	if err := s.send(rec, protocol.NewRequest(prompt, reqID)); err != nil {
		s.log.Error(&slog.LogRecord{Msg: "master: REQUEST send failed, reverting", Error: err, WorkerID: &rec.ID, TaskFile: &name})
		if revertErr := s.dir.Move(name, taskdir.Working, taskdir.Pending); revertErr != nil {
			s.log.Error(&slog.LogRecord{Msg: "master: failed to revert assignment move", Error: revertErr, TaskFile: &name})
		}
		return
	}

	rec.Status = Requesting
	rec.AssignedFile = name
	rec.Outstanding[reqID] = s.deadlines.Add(rec.ID, reqID, deadlineRequest, time.Now().Add(ackTimeout))
	s.stats.TotalAssigned++
	metrics.RequestsIssuedTotal.WithLabelValues("REQUEST").Inc()
}

// handleTick performs the periodic health-check/completion pass. It
// returns true if global completion was detected and the scheduler
// should begin shutdown.
func (s *Scheduler) handleTick() bool {
	s.tickCount++

	pendingCount, _ := s.dir.Count(taskdir.Pending)
	workingCount, _ := s.dir.Count(taskdir.Working)
	metrics.QueueDepth.WithLabelValues(string(taskdir.Pending)).Set(float64(pendingCount))
	metrics.QueueDepth.WithLabelValues(string(taskdir.Working)).Set(float64(workingCount))
	doneCount, _ := s.dir.Count(taskdir.Done)
	failedCount, _ := s.dir.Count(taskdir.Failed)
	metrics.QueueDepth.WithLabelValues(string(taskdir.Done)).Set(float64(doneCount))
	metrics.QueueDepth.WithLabelValues(string(taskdir.Failed)).Set(float64(failedCount))

	// Only declare completion after at least one tick AND at least one
	// task has ever been successfully assigned, per the open-question decision
	// (avoids instant shutdown before any task has ever existed).
	if s.tickCount >= 1 && s.stats.TotalAssigned > 0 && pendingCount+workingCount == 0 {
		return true
	}

	for _, rec := range s.registry.All() {
		reqID := ids.NewReqID()
		if err := s.send(rec, protocol.NewCheck(reqID)); err != nil {
			s.log.Warn(&slog.LogRecord{Msg: "master: CHECK send failed", Error: err, WorkerID: &rec.ID})
			s.disconnect(rec.ID, "check send failed")
			continue
		}
		rec.Outstanding[reqID] = s.deadlines.Add(rec.ID, reqID, deadlineCheck, time.Now().Add(ackTimeout))
		metrics.RequestsIssuedTotal.WithLabelValues("CHECK").Inc()
	}
	return false
}

func (s *Scheduler) handleExpiredDeadlines() {
	for _, item := range s.deadlines.PopExpired(time.Now()) {
		rec, ok := s.registry.Get(item.workerID)
		if !ok {
			continue
		}
		delete(rec.Outstanding, item.reqID)
		metrics.RequestsTimedOutTotal.WithLabelValues(string(item.kind)).Inc()
		s.log.Warn(&slog.LogRecord{Msg: "master: ack deadline expired", WorkerID: &item.workerID})
		s.disconnect(item.workerID, fmt.Sprintf("%s ack timeout", item.kind))
	}
}

// disconnect removes workerID from the registry, re-queuing its assigned
// file if one was in flight, and closes its connection. Only ever called
// from the scheduler's own loop, so registry/deadline mutation here
// needs no synchronization.
func (s *Scheduler) disconnect(workerID ids.WorkerID, reason string) {
	conn, ok := s.disconnectBookkeeping(workerID, reason)
	if !ok {
		return
	}
	closeConnWithGrace(conn, disconnectGrace)
}

// disconnectBookkeeping performs every registry/task-directory mutation
// for removing a worker, returning its connection for the caller to
// close. It must run on the scheduler's own loop (or, during shutdown,
// sequentially before any parallel socket teardown) since it touches
// shared state with no locking.
func (s *Scheduler) disconnectBookkeeping(workerID ids.WorkerID, reason string) (net.Conn, bool) {
	rec, ok := s.registry.Get(workerID)
	if !ok {
		return nil, false
	}
	rec.Status = Exiting
	for _, item := range rec.Outstanding {
		s.deadlines.Cancel(item)
	}

	if rec.AssignedFile != "" && s.dir.Exists(rec.AssignedFile, taskdir.Working) {
		name := rec.AssignedFile
		if err := s.dir.Move(name, taskdir.Working, taskdir.Pending); err != nil {
			s.log.Error(&slog.LogRecord{Msg: "master: re-queue on disconnect failed", Error: err, WorkerID: &workerID, TaskFile: &name})
		}
	}

	s.registry.Remove(workerID)
	metrics.WorkersDisconnectedTotal.Inc()
	metrics.ConnectedWorkers.Set(float64(s.registry.Len()))
	s.log.Info(&slog.LogRecord{Msg: "master: worker disconnected", WorkerID: &workerID, Details: reason})
	return rec.Conn, true
}

// closeConnWithGrace closes conn with a bounded linger and returns the
// error from Close, safe to call concurrently across multiple
// connections since it touches no shared state.
func closeConnWithGrace(conn net.Conn, grace time.Duration) error {
	_ = conn.SetDeadline(time.Now().Add(grace))
	return conn.Close()
}

// shutdown disconnects every remaining worker in parallel with a bounded
// aggregate deadline, then returns the final statistics.
func (s *Scheduler) shutdown() Stats {
	workers := s.registry.All()
	// Bookkeeping (registry/task-directory mutation) runs sequentially
	// on this goroutine first, since it shares state with no locking.
	// Only the socket teardown itself — pure I/O, no shared state — runs
	// in parallel across workers.
	conns := make([]net.Conn, 0, len(workers))
	for _, rec := range workers {
		if conn, ok := s.disconnectBookkeeping(rec.ID, "master shutdown"); ok {
			conns = append(conns, conn)
		}
	}

	errCh := make(chan error, len(conns))
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			errCh <- closeConnWithGrace(c, disconnectGrace)
		}(conn)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(errCh)
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(shutdownBudget):
		s.log.Warn(&slog.LogRecord{Msg: "master: shutdown disconnect exceeded aggregate deadline, waiting for stragglers"})
	}

	if err := tmerrors.CollectFromChannel(errCh); err != nil {
		s.log.Warn(&slog.LogRecord{Msg: "master: errors during shutdown disconnect", Error: err})
	}

	elapsed := time.Since(s.startedAt)
	s.log.Info(&slog.LogRecord{
		Msg: "master: shutdown complete",
		Details: map[string]any{
			"elapsed_seconds": elapsed.Seconds(),
			"total_assigned":  s.stats.TotalAssigned,
			"total_done":      s.stats.TotalDone,
			"total_failed":    s.stats.TotalFailed,
		},
	})
	return s.stats
}

func (s *Scheduler) send(rec *WorkerRecord, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	_, err = rec.Conn.Write(b)
	return err
}

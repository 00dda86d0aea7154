// Package agent owns the long-lived child agent subprocess on behalf of
// one worker: it serializes prompt submission, consumes the agent's
// newline-delimited JSON event stream, and classifies each request's
// outcome as Done, Failed, or UsageLimited.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"taskmaster/lib/ids"
	"taskmaster/lib/metrics"
	"taskmaster/lib/slog"
)

// Outcome classifies how a request was resolved.
type Outcome string

const (
	Done         Outcome = "DONE"
	Failed       Outcome = "FAILED"
	UsageLimited Outcome = "USAGE_LIMITED"
)

// Request is submitted to the supervisor's inbox.
type Request struct {
	Prompt   string
	ReqID    ids.ReqID
	TaskFile ids.TaskFile
}

// Result is delivered on the supervisor's outbox once a Request is resolved.
type Result struct {
	ReqID    ids.ReqID
	TaskFile ids.TaskFile
	Outcome  Outcome
	// ProcessDied is set when Outcome is Failed because the agent
	// subprocess itself died mid-request (broken stdin pipe or stdout
	// EOF), as opposed to an ordinary decode or turn failure. The
	// supervisor terminates after reporting such a Result, and the
	// caller is expected to close its connection in turn.
	ProcessDied bool
}

// Config describes how to spawn the agent subprocess.
type Config struct {
	// Executable is the fixed agent binary name or path.
	Executable string
	// WorkingDir is the task root; the agent always runs with this cwd.
	WorkingDir string
	// Model selects the agent model ("opus" or "sonnet"); empty selects "sonnet".
	Model string
	// ToolSet is the permitted tool set passed to the agent, verbatim.
	ToolSet []string
	// RetryBackoff is the base backoff for decode-failure retries; defaults to 200ms.
	RetryBackoff time.Duration
}

// clearCommand is the agent input line that resets conversation context
// without terminating the process.
const clearCommand = "/clear\n"

// maxDecodeRetries bounds transient event-stream decode failures before a
// request is declared Failed.
const maxDecodeRetries = 3

type inboxItem struct {
	req  *Request
	exit bool
}

// Supervisor owns one long-lived agent subprocess for the worker's
// lifetime. At most one Request is in flight at a time; callers submit
// work via Submit and consume results from Outbox.
type Supervisor struct {
	cfg    Config
	log    slog.Logger
	worker ids.WorkerID

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	inbox  chan inboxItem
	Outbox chan Result
	done   chan struct{}
}

// Start spawns the agent subprocess and launches the supervisor's
// dedicated processing loop.
func Start(cfg Config, log slog.Logger, worker ids.WorkerID) (*Supervisor, error) {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	args := buildArgs(cfg)
	cmd := exec.Command(cfg.Executable, args...)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", cfg.Executable, err)
	}

	s := &Supervisor{
		cfg:    cfg,
		log:    log,
		worker: worker,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewScanner(stdout),
		inbox:  make(chan inboxItem, 1),
		Outbox: make(chan Result, 1),
		done:   make(chan struct{}),
	}
	s.stdout.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	go s.run()
	return s, nil
}

func buildArgs(cfg Config) []string {
	args := []string{"--verbose", "--output-format", "stream-json"}
	if len(cfg.ToolSet) > 0 {
		args = append(args, "--allowed-tools")
		args = append(args, cfg.ToolSet...)
	}
	model := cfg.Model
	if model == "" {
		model = "sonnet"
	}
	args = append(args, "--model", model)
	return args
}

// Submit hands a prompt to the supervisor. It does not block on agent
// execution; the caller must read the eventual Result from Outbox.
func (s *Supervisor) Submit(r Request) {
	s.inbox <- inboxItem{req: &r}
}

// Exit signals the supervisor to terminate the agent subprocess and stop
// its loop. It does not block; callers should select on Done with a
// bound.
func (s *Supervisor) Exit() {
	s.inbox <- inboxItem{exit: true}
}

// Done is closed once the supervisor loop has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) run() {
	defer close(s.done)
	for item := range s.inbox {
		if item.exit {
			s.terminate()
			return
		}
		start := time.Now()
		result := s.handle(*item.req)
		metrics.AgentTaskDuration.Observe(time.Since(start).Seconds())
		if result.Outcome == UsageLimited {
			metrics.UsageLimitTripsTotal.Inc()
		}
		s.Outbox <- result
		if result.ProcessDied {
			// The child is gone: reap it and stop the loop rather than
			// looping back to accept Submit calls against a dead pipe.
			s.terminate()
			return
		}
		if _, err := s.stdin.Write([]byte(clearCommand)); err != nil {
			s.log.Warn(&slog.LogRecord{Msg: "agent: failed to issue /clear", Error: err, WorkerID: &s.worker})
		}
	}
}

func (s *Supervisor) handle(r Request) Result {
	if _, err := io.WriteString(s.stdin, r.Prompt+"\n"); err != nil {
		s.log.Error(&slog.LogRecord{Msg: "agent: failed to write prompt", Error: err, ReqID: &r.ReqID})
		return Result{ReqID: r.ReqID, TaskFile: r.TaskFile, Outcome: Failed, ProcessDied: true}
	}

	usageLimited := false
	retries := 0
	for {
		if !s.stdout.Scan() {
			if err := s.stdout.Err(); err != nil {
				s.log.Error(&slog.LogRecord{Msg: "agent: stdout read error", Error: err, ReqID: &r.ReqID})
			}
			return Result{ReqID: r.ReqID, TaskFile: r.TaskFile, Outcome: Failed, ProcessDied: true}
		}
		line := s.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev rawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			retries++
			s.log.Warn(&slog.LogRecord{Msg: "agent: malformed event, retrying", Error: err, ReqID: &r.ReqID, Details: retries})
			if retries > maxDecodeRetries {
				return Result{ReqID: r.ReqID, TaskFile: r.TaskFile, Outcome: Failed}
			}
			time.Sleep(backoffFor(s.cfg.RetryBackoff, retries))
			continue
		}
		if ev.signalsUsageLimit() {
			usageLimited = true
		}
		if ev.isTurnEnd() {
			break
		}
	}

	if usageLimited {
		return Result{ReqID: r.ReqID, TaskFile: r.TaskFile, Outcome: UsageLimited}
	}
	return Result{ReqID: r.ReqID, TaskFile: r.TaskFile, Outcome: Done}
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (s *Supervisor) terminate() {
	if s.cmd.Process == nil {
		return
	}
	s.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	}
}

// Probe runs a cheap startup check of the agent executable (`agent
// --version`), used to fail fast when it is missing or misconfigured.
func Probe(ctx context.Context, executable string) error {
	cmd := exec.CommandContext(ctx, executable, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent: probe %s: %w", executable, err)
	}
	return nil
}

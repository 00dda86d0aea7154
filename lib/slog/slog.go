// Package slog is taskmaster's structured logging interface. The name
// predates the stdlib log/slog package; it is kept for continuity with
// the lineage this package was adapted from.
package slog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"taskmaster/lib/ids"
)

// LogRecord holds data for a single server log record.
type LogRecord struct {
	Msg      string        `json:"msg,omitempty"`      // Msg is an optional log message
	Error    error         `json:"error,omitempty"`    // Error is an optional error
	Details  any           `json:"details,omitempty"`  // Details are optional details
	WorkerID *ids.WorkerID `json:"worker_id,omitempty"` // WorkerID is optional id of worker, if known
	ReqID    *ids.ReqID    `json:"req_id,omitempty"`    // ReqID is optional id of request, if known
	TaskFile *ids.TaskFile `json:"task_file,omitempty"` // TaskFile is optional task filename, if known
}

// Logger is an abstract log interface for the server.
//
// Multiple goroutines may invoke methods on a Logger simultaneously.
type Logger interface {
	Info(record *LogRecord)
	Warn(record *LogRecord)
	Error(record *LogRecord)
}

// zerologShim backs Logger with a zerolog.Logger.
type zerologShim struct {
	z zerolog.Logger
}

func emit(z zerolog.Logger, level zerolog.Level, record *LogRecord) {
	var ev *zerolog.Event
	switch level {
	case zerolog.InfoLevel:
		ev = z.Info()
	case zerolog.WarnLevel:
		ev = z.Warn()
	default:
		ev = z.Error()
	}
	if record == nil {
		ev.Send()
		return
	}
	if record.Error != nil {
		ev = ev.Err(record.Error)
	}
	if record.Details != nil {
		ev = ev.Interface("details", record.Details)
	}
	if record.WorkerID != nil {
		ev = ev.Str("worker_id", string(*record.WorkerID))
	}
	if record.ReqID != nil {
		ev = ev.Str("req_id", string(*record.ReqID))
	}
	if record.TaskFile != nil {
		ev = ev.Str("task_file", string(*record.TaskFile))
	}
	ev.Msg(record.Msg)
}

func (s *zerologShim) Info(record *LogRecord)  { emit(s.z, zerolog.InfoLevel, record) }
func (s *zerologShim) Warn(record *LogRecord)  { emit(s.z, zerolog.WarnLevel, record) }
func (s *zerologShim) Error(record *LogRecord) { emit(s.z, zerolog.ErrorLevel, record) }

// New returns a Logger backed by zerolog, writing JSON lines with a
// timestamp to w at the given level.
func New(w io.Writer, level zerolog.Level) Logger {
	z := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zerologShim{z: z}
}

// GetDefaultLogger returns the default Logger: JSON to stdout at info level.
func GetDefaultLogger() Logger {
	return New(os.Stdout, zerolog.InfoLevel)
}

// RecordingLogger captures all logged events in memory.
// It is designed for use as a test fixture.
type RecordingLogger struct {
	Events []Event
}

type Event struct {
	Level string
	*LogRecord
}

func (l *RecordingLogger) Info(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "info", LogRecord: record})
}

func (l *RecordingLogger) Warn(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "warn", LogRecord: record})
}

func (l *RecordingLogger) Error(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "error", LogRecord: record})
}

var _ Logger = (*RecordingLogger)(nil) // type check
var _ Logger = (*zerologShim)(nil)     // type check

package master

import (
	"context"
	"fmt"
	"net"

	"taskmaster/lib/slog"
	"taskmaster/lib/taskdir"
)

// Config describes how to bind and run a Master.
type Config struct {
	Port    int
	RootDir string
}

// Serve binds the listening socket, ensures the task directories exist,
// and runs the Scheduler until ctx is cancelled or global completion is
// reached.
func Serve(ctx context.Context, cfg Config, log slog.Logger) (Stats, error) {
	dir := taskdir.New(cfg.RootDir)
	if err := dir.EnsureDirectories(); err != nil {
		return Stats{}, fmt.Errorf("master: ensure task directories: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return Stats{}, fmt.Errorf("master: listen on port %d: %w", cfg.Port, err)
	}
	// Closed unconditionally on return, not just on ctx cancellation:
	// Run also returns via the global-completion path in handleTick,
	// and acceptLoop's blocked Accept() must be unblocked either way.
	defer ln.Close()

	sched := NewScheduler(ln, dir, log)
	return sched.Run(ctx)
}

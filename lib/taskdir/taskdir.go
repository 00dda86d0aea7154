// Package taskdir implements the on-disk task state machine: four
// directories under a root (pending, working, done, failed) with atomic
// rename as the only transition. The Master is the sole mutator.
package taskdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"taskmaster/lib/ids"
)

// State names a task directory.
type State string

const (
	Pending State = "pending"
	Working State = "working"
	Done    State = "done"
	Failed  State = "failed"
)

var allStates = []State{Pending, Working, Done, Failed}

// Dir is the four-directory task store rooted at <root>/.tasks.
type Dir struct {
	root string
}

// New returns a Dir rooted at <root>/.tasks. It does not touch disk;
// call EnsureDirectories before use.
func New(root string) *Dir {
	return &Dir{root: filepath.Join(root, ".tasks")}
}

func (d *Dir) path(state State) string {
	return filepath.Join(d.root, string(state))
}

// EnsureDirectories creates all four state directories if absent.
func (d *Dir) EnsureDirectories() error {
	for _, s := range allStates {
		if err := os.MkdirAll(d.path(s), 0o755); err != nil {
			return fmt.Errorf("taskdir: ensure %s: %w", s, err)
		}
	}
	return nil
}

// ListPending returns pending task filenames sorted by name.
func (d *Dir) ListPending() ([]ids.TaskFile, error) {
	entries, err := os.ReadDir(d.path(Pending))
	if err != nil {
		return nil, fmt.Errorf("taskdir: list pending: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	files := make([]ids.TaskFile, len(names))
	for i, n := range names {
		files[i] = ids.TaskFile(n)
	}
	return files, nil
}

// Move atomically renames name from one state directory to another. If
// the source file is already absent (e.g. a duplicate report racing a
// prior move), Move is a no-op and returns nil: the spec treats this as
// permissive, not an error.
func (d *Dir) Move(name ids.TaskFile, from, to State) error {
	src := filepath.Join(d.path(from), string(name))
	dst := filepath.Join(d.path(to), string(name))
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("taskdir: move %s %s->%s: %w", name, from, to, err)
	}
	return nil
}

// Exists reports whether name is present in state.
func (d *Dir) Exists(name ids.TaskFile, state State) bool {
	_, err := os.Stat(filepath.Join(d.path(state), string(name)))
	return err == nil
}

// Read returns the verbatim UTF-8 content of name in state.
func (d *Dir) Read(name ids.TaskFile, state State) (string, error) {
	b, err := os.ReadFile(filepath.Join(d.path(state), string(name)))
	if err != nil {
		return "", fmt.Errorf("taskdir: read %s/%s: %w", state, name, err)
	}
	return string(b), nil
}

// Count returns the number of task files currently in state.
func (d *Dir) Count(state State) (int, error) {
	entries, err := os.ReadDir(d.path(state))
	if err != nil {
		return 0, fmt.Errorf("taskdir: count %s: %w", state, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// Root returns the `.tasks` root directory path, for wiring a watcher.
func (d *Dir) Root() string { return d.root }

// PendingPath returns the absolute path of the pending directory, the
// one directory external task-file generators and fsnotify watchers
// care about.
func (d *Dir) PendingPath() string { return d.path(Pending) }

// StatePath returns the absolute path of the given state directory.
func (d *Dir) StatePath(state State) string { return d.path(state) }

package taskdir

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher sends a best-effort signal on Events whenever a new file
// appears under the pending directory, supplementing the scheduler's
// periodic timer tick. Delivery is not guaranteed: the timer tick remains
// the authoritative fallback pass, so a missed or coalesced event here
// never causes a task to be lost, only scheduled a little later.
type Watcher struct {
	fsw    *fsnotify.Watcher
	Events chan struct{}
}

// NewWatcher starts watching dir's pending directory. The caller must
// call Close when done.
func NewWatcher(dir *Dir) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir.PendingPath()); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, Events: make(chan struct{}, 1)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts: a full channel means a signal is already
			// pending, so this one is safely dropped.
			select {
			case w.Events <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Package watch reports changes to a fixed set of input files so a new run can
// be started when a trace or metadata file is rewritten.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op represents the type of file operation.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

// String returns a human-readable representation of the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "Create"
	case OpModify:
		return "Modify"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Event is a change to one watched file.
type Event struct {
	Path string
	Op   Op
}

// ErrNotRegularFile is returned when a watched path is a directory or device.
var ErrNotRegularFile = errors.New("not a regular file")

// Watcher monitors individual files. It watches their parent directories so
// that files replaced by rename are still seen.
type Watcher struct {
	files  map[string]struct{}
	events chan<- Event
	fsw    *fsnotify.Watcher

	onError      func(error)
	droppedCount atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher creates a watcher for paths, which must be existing regular files.
func NewWatcher(paths []string, events chan<- Event) (*Watcher, error) {
	files := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot watch %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("cannot watch %s: %w", p, ErrNotRegularFile)
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("cannot watch %s: %w", dir, err)
		}
	}

	return &Watcher{
		files:  files,
		events: events,
		fsw:    fsw,
		done:   make(chan struct{}),
	}, nil
}

// SetErrorCallback sets a callback function that will be called when errors occur.
func (w *Watcher) SetErrorCallback(cb func(error)) {
	w.onError = cb
}

// DroppedEventCount returns the number of events that were dropped due to channel full.
func (w *Watcher) DroppedEventCount() int64 {
	return w.droppedCount.Load()
}

// Start begins watching for events (blocking).
// Returns when the context is cancelled or Close() is called.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(event.Name)]; !watched {
				continue
			}

			var op Op
			switch {
			case event.Op&fsnotify.Create != 0:
				op = OpCreate
			case event.Op&fsnotify.Write != 0:
				op = OpModify
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = OpDelete
			default:
				continue
			}

			// Non-blocking send; a full channel already has a pending change.
			select {
			case w.events <- Event{Path: event.Name, Op: op}:
			default:
				w.droppedCount.Add(1)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops the watcher and signals Start() to return.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

// Coalesce groups events that arrive within quiet of each other into one
// batch. The returned channel is closed when ctx is done or in is closed.
func Coalesce(ctx context.Context, in <-chan Event, quiet time.Duration) <-chan []Event {
	out := make(chan []Event)
	go func() {
		defer close(out)
		var (
			pending []Event
			timer   *time.Timer
			fire    <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				pending = append(pending, ev)
				if timer == nil {
					timer = time.NewTimer(quiet)
				} else {
					timer.Reset(quiet)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				batch := pending
				pending = nil
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

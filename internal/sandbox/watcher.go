package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherClosed is returned by Subscribe after Close.
var ErrWatcherClosed = errors.New("watcher is closed")

// WatchFunc subscribes fn to events for the entries of dir. The returned
// function ends the subscription. fn runs on the watcher goroutine and must
// not block.
type WatchFunc func(dir string, fn func(fsnotify.Event)) (unsubscribe func(), err error)

// Watcher shares one fsnotify watcher between every directory subscription,
// so a fleet of any size holds a single inotify instance.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[string]map[int]func(fsnotify.Event)
	nextID int
	closed bool

	done chan struct{}
}

// NewWatcher starts a shared watcher.
func NewWatcher(logger *zap.SugaredLogger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		fs:     fw,
		logger: logger,
		subs:   make(map[string]map[int]func(fsnotify.Event)),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Subscribe watches dir and calls fn for every event on its entries.
func (w *Watcher) Subscribe(dir string, fn func(fsnotify.Event)) (func(), error) {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWatcherClosed
	}
	// Add is repeated for every subscriber; a directory that was removed and
	// recreated needs a fresh kernel watch
	if err := w.fs.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if w.subs[dir] == nil {
		w.subs[dir] = make(map[int]func(fsnotify.Event))
	}
	id := w.nextID
	w.nextID++
	w.subs[dir][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { w.unsubscribe(dir, id) })
	}, nil
}

// Subscriptions returns the number of watched directories.
func (w *Watcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close stops the watcher. Subscriptions end without further events.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.subs = make(map[string]map[int]func(fsnotify.Event))
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) unsubscribe(dir string, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs, ok := w.subs[dir]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) > 0 {
		return
	}
	delete(w.subs, dir)
	if !w.closed {
		// the kernel drops the watch itself when the directory is deleted
		_ = w.fs.Remove(dir)
	}
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Directory watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)

	w.mu.Lock()
	fns := make([]func(fsnotify.Event), 0, len(w.subs[dir]))
	for _, fn := range w.subs[dir] {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

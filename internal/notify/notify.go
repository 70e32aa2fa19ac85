// Package notify implements the cross-process change-notification sidecar
// spec.md §6 names: a small header-only file, touched whenever a bucket's
// alive-segment set changes, that other processes/readers watch instead of
// polling stat() on the metadata file. Built on fsnotify/fsnotify, the
// ecosystem's standard filesystem-event wrapper, rather than a hand-rolled
// inotify/kqueue shim.
package notify

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/xf-yy/xfdb-go/internal/segment"
)

const magicNotify = "NTFY"

// Touch rewrites the notify file's header timestamp, the cheapest possible
// write that still produces a filesystem event for watchers.
func Touch(path string) error {
	return os.WriteFile(path, segment.EncodeHeader(magicNotify), 0o644)
}

// Watcher signals on C after a write or create of its target path. A signal
// that cannot be delivered at once is dropped, so several Touches can arrive
// as one signal.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	C    chan struct{}
	errs chan error
}

// Watch starts watching path's directory for writes to path, since most
// editors/filesystems only reliably report events at directory
// granularity for a single file (the same reasoning fsnotify's own docs
// give for this pattern).
func Watch(path string) (*Watcher, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Touch(path); err != nil {
			return nil, err
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := dirOf(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{w: fw, path: path, C: make(chan struct{}, 1), errs: make(chan error, 1)}
	go w.run()
	return w, nil
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case w.C <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Errors reports fsnotify plumbing errors, not notify-protocol errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

func (w *Watcher) Close() error {
	return w.w.Close()
}

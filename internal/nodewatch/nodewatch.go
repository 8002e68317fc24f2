// Package nodewatch reports create/remove activity in the device-node
// tree through fsnotify. It is a side channel next to the event socket:
// node events carry no ordering guarantee relative to kernel device
// events, only the fact that a node appeared or went away.
package nodewatch

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/rpurdie/udev-view/internal/mux"
)

type NodeEvent struct {
	// Path of the device node under the watched root.
	Path string
	// Created is true for a new node, false for a removed one.
	Created bool
}

// Watcher watches one directory of the device-node tree (non-recursive)
// and fans NodeEvents out to subscribers.
type Watcher struct {
	fs     *fsnotify.Watcher
	mux    *mux.Mux[NodeEvent]
	ignore []string
}

type Option func(*Watcher)

// WithIgnorePatterns drops events whose node base name matches any of the
// given filepath.Match patterns.
func WithIgnorePatterns(patterns ...string) Option {
	return func(w *Watcher) { w.ignore = append(w.ignore, patterns...) }
}

func New(devRoot string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating node watcher: %w", err)
	}
	if err := fsw.Add(devRoot); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", devRoot, err)
	}
	w := &Watcher{
		fs:  fsw,
		mux: mux.Make[NodeEvent](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	go w.run()

	return w, nil
}

func (w *Watcher) Subscribe(sink mux.Sink[NodeEvent]) mux.CancelFunc {
	return w.mux.Subscribe(sink)
}

// Close stops watching and closes all subscriber sinks.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) run() {
	defer w.mux.Close()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				klog.V(5).Infof("Device node created: %s", ev.Name)
				w.mux.Submit(NodeEvent{Path: ev.Name, Created: true})
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				klog.V(5).Infof("Device node removed: %s", ev.Name)
				w.mux.Submit(NodeEvent{Path: ev.Name, Created: false})
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			klog.Errorf("Node watcher error: %v", err)
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors replace files instead of writing in place, so rapid
// create/write bursts are settled before the callback fires.
const watchDebounce = 500 * time.Millisecond

// Watch invokes onChange after the config file changes on disk. The
// watch is placed on the file's directory; a watch on the file itself
// would be lost when an editor swaps the file by rename. The returned
// stop function releases the watcher.
func Watch(path string, logger *slog.Logger, onChange func()) (stop func() error, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	done := make(chan struct{})
	var mu sync.Mutex
	var pending *time.Timer

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, func() {
					logger.Info("config.changed", "path", abs, "op", ev.Op.String())
					onChange()
				})
				mu.Unlock()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config.watch_error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() error {
		var cerr error
		once.Do(func() {
			close(done)
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
			cerr = watcher.Close()
		})
		return cerr
	}, nil
}

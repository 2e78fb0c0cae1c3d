package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileWatch monitors one database path for external replacement (a
// migration tool or another process swapping the file out from under a
// live pool) and purges the pool's cached connections when it happens
// (§4.5). It falls back to polling if fsnotify's watcher cannot be
// created, the same degradation the rest of the corpus uses for its own
// file watchers.
type fileWatch struct {
	path      string
	parentDir string
	pool      *HandlePool

	watcher     *fsnotify.Watcher
	pollingMode bool
	lastModTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFileWatch(path string, pool *HandlePool) *fileWatch {
	fw := &fileWatch{path: path, parentDir: filepath.Dir(path), pool: pool}
	if stat, err := os.Stat(path); err == nil {
		fw.lastModTime = stat.ModTime()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		fw.pollingMode = true
		return fw
	}
	if err := w.Add(fw.parentDir); err != nil {
		_ = w.Close()
		fw.pollingMode = true
		return fw
	}
	_ = w.Add(path) // best effort; may not exist yet
	fw.watcher = w
	return fw
}

// start begins monitoring in a background goroutine until ctx is
// cancelled or stop is called.
func (fw *fileWatch) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	fw.cancel = cancel

	if fw.pollingMode {
		fw.startPolling(ctx)
		return
	}

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		base := filepath.Base(fw.path)
		for {
			select {
			case event, ok := <-fw.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					logger().Info().Str("path", fw.path).Str("op", event.Op.String()).Msg("external database replacement detected")
					_ = fw.pool.Purge()
					_ = fw.watcher.Add(fw.path)
				}
			case err, ok := <-fw.watcher.Errors:
				if !ok {
					return
				}
				logger().Warn().Err(err).Str("path", fw.path).Msg("watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (fw *fileWatch) startPolling(ctx context.Context) {
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stat, err := os.Stat(fw.path)
				if err != nil {
					continue
				}
				if stat.ModTime().After(fw.lastModTime) {
					fw.lastModTime = stat.ModTime()
					_ = fw.pool.Purge()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (fw *fileWatch) stop() {
	if fw.cancel != nil {
		fw.cancel()
	}
	fw.wg.Wait()
	if fw.watcher != nil {
		_ = fw.watcher.Close()
	}
}

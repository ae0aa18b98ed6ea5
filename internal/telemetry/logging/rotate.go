package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// flushInterval and flushBytes bound how much logged data an abrupt crash
// can lose: the flush thread fsyncs every 10s or after 1 KiB of unflushed
// writes, whichever comes first.
const (
	flushInterval = 10 * time.Second
	flushBytes    = 1024
)

// rotatingWriter is an io.Writer opening a new file at local midnight under
// dir, named by date, with a background flush/fsync thread. One mutex
// serializes writes.
type rotatingWriter struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	file     *os.File
	day      string
	unflushed int

	quit chan struct{}
}

// NewRotatingWriter opens (or creates) dir/prefix-YYYY-MM-DD.log and starts
// its background flush loop.
func NewRotatingWriter(dir, prefix string) (*rotatingWriter, error) {
	w := &rotatingWriter{dir: dir, prefix: prefix, quit: make(chan struct{})}
	if err := w.rotateLocked(time.Now()); err != nil {
		return nil, err
	}
	go w.flushLoop()
	return w, nil
}

func (w *rotatingWriter) rotateLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if w.file != nil && w.day == day {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("logging: mkdir %s: %w", w.dir, err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	w.file = f
	w.day = day
	return nil
}

// Write implements io.Writer, rotating at local midnight before writing.
func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(time.Now()); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.unflushed += n
	if w.unflushed >= flushBytes {
		_ = w.file.Sync()
		w.unflushed = 0
	}
	return n, err
}

func (w *rotatingWriter) flushLoop() {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			w.mu.Lock()
			if w.file != nil {
				_ = w.file.Sync()
				w.unflushed = 0
			}
			w.mu.Unlock()
		}
	}
}

// Close stops the flush loop and closes the current file.
func (w *rotatingWriter) Close() error {
	close(w.quit)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

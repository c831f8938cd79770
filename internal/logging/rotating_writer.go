// Package logging provides the daemon's rotating log file writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes log output to dated files. A new file starts on each
// UTC day, and again within the day once the current file would exceed
// MaxBytes. Old files beyond MaxBackups are removed after each rotation.
//
// For a base path of logs/creditd.log the files are named
// logs/creditd-2026-08-29.log, logs/creditd-2026-08-29-2.log, and so on.
type RotatingWriter struct {
	base       string
	maxBytes   int64
	maxBackups int

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens a rotating writer on basePath. A basePath of "-"
// disables file output and returns a writer that discards everything.
// maxBytes <= 0 disables size-based rollover; maxBackups <= 0 keeps all files.
func NewRotatingWriter(basePath string, maxBytes int64, maxBackups int) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" || strings.TrimSpace(basePath) == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	w := &RotatingWriter{base: basePath, maxBytes: maxBytes, maxBackups: maxBackups}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate opens a new file when the UTC day changed or the incoming write
// would push the current file past maxBytes. Callers hold w.mu.
func (w *RotatingWriter) rotate(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.maxBytes > 0 && w.size+incoming > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	dir, prefix, ext := splitBase(w.base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s%s", prefix, w.day, ext)
	if w.index > 1 {
		name = fmt.Sprintf("%s-%s-%d%s", prefix, w.day, w.index, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}

	w.prune(dir, prefix, ext, name)
	return nil
}

// prune removes the oldest rotated files once more than maxBackups exist.
func (w *RotatingWriter) prune(dir, prefix, ext, current string) {
	if w.maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && name != current &&
			strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	if len(rotated) <= w.maxBackups {
		return
	}
	// Dated names sort chronologically.
	sort.Strings(rotated)
	for _, name := range rotated[:len(rotated)-w.maxBackups] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func splitBase(base string) (dir, prefix, ext string) {
	dir, name := filepath.Split(base)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	prefix = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, prefix, ext
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

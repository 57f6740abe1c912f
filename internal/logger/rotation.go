package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedTimeLayout = "20060102-150405"

// RotatingWriter appends to a single log file and moves it aside once the
// size cap is reached. Rotated files carry a timestamp suffix, are gzipped
// when compression is on, and are swept by age at startup.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	capBytes int64
	maxAge   time.Duration
	compress bool
}

// NewRotatingWriter opens (or creates) the log file, creating parent
// directories as needed, and sweeps rotated files older than maxAgeDays.
func NewRotatingWriter(path string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{
		path:     path,
		file:     file,
		size:     size,
		capBytes: int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
	}
	w.sweepAged()
	return w, nil
}

func openAppend(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends to the current file, rotating first when the entry would
// push it past the size cap. Safe for concurrent use.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size+int64(len(p)) > w.capBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file. Further writes fail.
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

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := w.path + "." + time.Now().Format(rotatedTimeLayout)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		// Compression happens off the logging path; a failure leaves the
		// uncompressed rotation in place.
		go func() { _ = gzipAndRemove(rotated) }()
	}

	file, size, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = file
	w.size = size
	return nil
}

// gzipAndRemove replaces a rotated file with its gzipped form.
func gzipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// sweepAged deletes rotated files older than the retention window. The
// active file never matches the suffix pattern and is left alone.
func (w *RotatingWriter) sweepAged() {
	if w.maxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-w.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}

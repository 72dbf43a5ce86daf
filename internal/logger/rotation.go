package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// rotatedStampLayout names archived segments, e.g. loom.log.20260828-091500.
const rotatedStampLayout = "20060102-150405"

// RotatingWriter appends to a single log file and renames it aside once it
// grows past maxSize. Archived segments are optionally gzipped and pruned
// after maxAge days.
type RotatingWriter struct {
	filename string
	maxSize  int64 // bytes
	maxAge   int   // days
	compress bool

	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file and kicks off a
// background prune of expired archives.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, size, err := openAppend(filename)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) << 20,
		maxAge:   maxAge,
		compress: compress,
		file:     file,
		size:     size,
	}
	go w.cleanup()
	return w, nil
}

func openAppend(filename string) (*os.File, int64, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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

// Write appends to the active file, rotating first when the write would push
// it past the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active log file.
func (w *RotatingWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// rotate moves the active file aside under a timestamp suffix and reopens a
// fresh one.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	archived := w.filename + "." + time.Now().Format(rotatedStampLayout)
	if err := os.Rename(w.filename, archived); err != nil {
		return err
	}
	if w.compress {
		go w.compressFile(archived)
	}

	file, size, err := openAppend(w.filename)
	if err != nil {
		return err
	}
	w.file = file
	w.size = size
	return nil
}

// compressFile gzips an archived segment and removes the plain copy.
func (w *RotatingWriter) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// cleanup prunes archives older than maxAge days. The active file never
// matches the glob; only suffixed segments do.
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
		if !strings.HasSuffix(path, ".gz") {
			os.Remove(path + ".gz")
		}
	}
}

package collector

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RotatingWriter appends rows to dir/prefix_<unix>.csv and starts a new file
// once the current one reaches maxBytes.
type RotatingWriter struct {
	dir      string
	prefix   string
	maxBytes int64
	now      func() time.Time

	file *os.File
	csv  *csv.Writer
	path string
}

func NewRotatingWriter(dir, prefix string, maxBytes int64, now func() time.Time) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	w := &RotatingWriter{dir: dir, prefix: prefix, maxBytes: maxBytes, now: now}
	if err := w.rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the file currently written.
func (w *RotatingWriter) Path() string {
	return w.path
}

// Write appends row and flushes it. It reports whether the write rotated
// the file.
func (w *RotatingWriter) Write(row Row) (bool, error) {
	if err := w.csv.Write(row.Record()); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return false, fmt.Errorf("failed to flush %s: %w", w.path, err)
	}

	if w.maxBytes <= 0 {
		return false, nil
	}

	info, err := w.file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", w.path, err)
	}
	if info.Size() < w.maxBytes {
		return false, nil
	}

	if err := w.file.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", w.path, err)
	}
	return true, w.rotate()
}

func (w *RotatingWriter) rotate() error {
	base := fmt.Sprintf("%s_%d", w.prefix, w.now().Unix())
	path := filepath.Join(w.dir, base+".csv")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(w.dir, fmt.Sprintf("%s-%d.csv", base, n))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w.file = f
	w.csv = csv.NewWriter(f)
	w.path = path
	return nil
}

func (w *RotatingWriter) Close() error {
	w.csv.Flush()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", w.path, err)
	}
	return nil
}

package collector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CaptureFile is the on-disk training capture switch. The file holds an
// integer; any non-zero value means capture is on. A missing file is off.
type CaptureFile struct {
	path string
}

func NewCaptureFile(path string) *CaptureFile {
	return &CaptureFile{path: path}
}

func (c *CaptureFile) Enabled() bool {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && v != 0
}

func (c *CaptureFile) Set(enabled bool) error {
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
	}

	value := "0\n"
	if enabled {
		value = "1\n"
	}

	// write then rename so the collector never reads a half-written file
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write capture file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace capture file: %w", err), os.Remove(tmp))
	}
	return nil
}

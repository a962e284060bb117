// Package util provides small shared helpers: atomic file writes,
// advisory file locking, retry with backoff, and name slugging.
package util

import (
	"encoding/json"
	"fmt"
	"os"
)

// AtomicWriteFile writes data to path via a temp file and rename so
// readers never observe a partial write. The temp file lives in the
// same directory to keep the rename on one filesystem.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// AtomicWriteJSON marshals v with two-space indentation and writes it
// atomically. Marker files and state pointers go through this helper.
func AtomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	return AtomicWriteFile(path, data, 0644)
}

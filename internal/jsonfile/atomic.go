// Package jsonfile provides atomic JSON file I/O for the shared state file.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// CorruptError reports a file that exists but does not hold the expected
// JSON, as opposed to a file that cannot be read at all.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// AtomicWrite marshals v with two-space indentation and replaces path
// atomically, keeping the previous content in a .bak sibling.
func AtomicWrite(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

func AtomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".spackq-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Re-read and parse the temp file so a partial or garbled write can never
	// replace a good state file.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateJSON(written); err != nil {
		return fmt.Errorf("json validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		bakPath := path + ".bak"
		if err := copyFile(path, bakPath); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// Load unmarshals the JSON file at path into v. A missing file is reported
// with os.IsNotExist semantics so callers can initialize fresh state; content
// that does not parse is reported as a CorruptError.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// Recover sets a corrupt file aside as <path>.corrupt.<timestamp> and, when a
// valid .bak sibling exists, restores it as the current file. It returns the
// quarantine location. Without a usable backup the path is left absent and
// the caller starts from empty state.
func Recover(path string) (string, error) {
	quarantine := fmt.Sprintf("%s.corrupt.%s", path, time.Now().Format("20060102T150405"))
	if err := os.Rename(path, quarantine); err != nil {
		return "", fmt.Errorf("quarantine corrupt file: %w", err)
	}

	data, err := os.ReadFile(path + ".bak")
	if err != nil || validateJSON(data) != nil {
		return quarantine, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return quarantine, fmt.Errorf("restore backup: %w", err)
	}
	return quarantine, nil
}

func validateJSON(content []byte) error {
	var v any
	return json.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

package system

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValidateKeyfilePath validates and resolves a keyfile path, checking for
// security issues like symlinks, incorrect file types, and insecure permissions.
// Returns the canonical absolute path if valid, and whether the file is
// readable by group or others.
func ValidateKeyfilePath(path string) (string, bool, error) {
	// Resolve symlinks to canonical path
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, fmt.Errorf("keyfile not found: %s", path)
		}
		return "", false, fmt.Errorf("failed to resolve keyfile path: %w", err)
	}

	// Clean the path (remove . and ..)
	resolved = filepath.Clean(resolved)

	info, err := os.Stat(resolved)
	if err != nil {
		return "", false, fmt.Errorf("keyfile not accessible: %w", err)
	}

	// Verify it's a regular file (not directory, device, socket, etc.)
	if !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("keyfile must be a regular file, not a directory or device: %s", resolved)
	}

	insecure := info.Mode().Perm()&0044 != 0
	return resolved, insecure, nil
}

// ReadKeyfile reads exactly size bytes of key material from a validated
// keyfile. The returned bytes are owned by the caller.
func ReadKeyfile(path string, size int) (*SecureBytes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}
	defer func() {
		for i := range data {
			data[i] = 0
		}
	}()

	if len(data) < size {
		return nil, fmt.Errorf("keyfile %s holds %d bytes, need at least %d", path, len(data), size)
	}
	return CopySecureBytes(data[:size]), nil
}

// WriteKeyfile creates a new keyfile with mode 0600 holding key. It fails if
// the file already exists.
func WriteKeyfile(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create keyfile directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create keyfile: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write keyfile: %w", err)
	}
	return f.Close()
}

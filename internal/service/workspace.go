package service

import (
	"fmt"
	"os"
	"path/filepath"

	"wamux/internal/security"
)

// Workspace abstracts the on-disk working-state directories the protocol
// engine reads and writes directly. One directory per session id under a
// fixed root.
type Workspace interface {
	// Ensure creates the session directory if absent and returns its path.
	Ensure(id string) (string, error)
	// Path returns the session directory path without creating it.
	Path(id string) string
	// Snapshot reads every regular file in the session directory.
	Snapshot(id string) (map[string][]byte, error)
	// Restore replaces the session directory contents with the given files.
	Restore(id string, files map[string][]byte) error
	WriteFile(id, name string, data []byte) error
	ReadFile(id, name string) ([]byte, error)
	// Remove deletes the session directory and everything in it.
	Remove(id string) error
	// List returns the session ids that have a directory on disk.
	List() ([]string, error)
}

// DiskWorkspace is the production Workspace rooted at a configured directory.
type DiskWorkspace struct {
	root string
}

func NewDiskWorkspace(root string) (*DiskWorkspace, error) {
	if err := security.ValidateFilePath(root); err != nil {
		return nil, fmt.Errorf("invalid workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &DiskWorkspace{root: root}, nil
}

func (w *DiskWorkspace) Path(id string) string {
	return filepath.Join(w.root, id)
}

func (w *DiskWorkspace) Ensure(id string) (string, error) {
	if err := security.ValidateSessionID(id); err != nil {
		return "", fmt.Errorf("invalid session id: %w", err)
	}
	dir := w.Path(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return dir, nil
}

func (w *DiskWorkspace) Snapshot(id string) (map[string][]byte, error) {
	dir := w.Path(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	files := make(map[string][]byte)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = data
	}
	return files, nil
}

func (w *DiskWorkspace) Restore(id string, files map[string][]byte) error {
	dir, err := w.Ensure(id)
	if err != nil {
		return err
	}

	// Wipe first so stale engine state never mixes with restored state.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read session directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", entry.Name(), err)
		}
	}

	for name, data := range files {
		if err := security.ValidateEntryName(name); err != nil {
			return fmt.Errorf("invalid entry name: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func (w *DiskWorkspace) WriteFile(id, name string, data []byte) error {
	if err := security.ValidateEntryName(name); err != nil {
		return fmt.Errorf("invalid entry name: %w", err)
	}
	dir, err := w.Ensure(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (w *DiskWorkspace) ReadFile(id, name string) ([]byte, error) {
	if err := security.ValidateEntryName(name); err != nil {
		return nil, fmt.Errorf("invalid entry name: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(w.Path(id), name))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *DiskWorkspace) Remove(id string) error {
	if err := security.ValidateSessionID(id); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := os.RemoveAll(w.Path(id)); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

func (w *DiskWorkspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if security.ValidateSessionID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

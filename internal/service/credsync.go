package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"wamux/internal/models"

	"github.com/sirupsen/logrus"
)

// identityMarker is written into a working-state directory the moment a
// session pairs. A directory carrying the marker is restorable even when the
// database row was lost.
const identityMarker = ".identity"

// CredentialSynchronizer mirrors working-state directories to and from the
// durable credential blob. The engine only ever reads the directory; the
// database only ever stores the blob; this component is the bridge.
type CredentialSynchronizer struct {
	gateway   Gateway
	workspace Workspace
	logger    *logrus.Logger
}

func NewCredentialSynchronizer(gateway Gateway, workspace Workspace, logger *logrus.Logger) *CredentialSynchronizer {
	return &CredentialSynchronizer{
		gateway:   gateway,
		workspace: workspace,
		logger:    logger,
	}
}

// Materialize prepares the working-state directory for a session before the
// engine connects: creates it if absent and, when a stored blob exists,
// replaces the directory contents with the blob's files. Returns the
// directory path.
func (s *CredentialSynchronizer) Materialize(ctx context.Context, id string) (string, error) {
	dir, err := s.workspace.Ensure(id)
	if err != nil {
		return "", err
	}

	blob, err := s.gateway.LoadCredentials(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if blob == nil {
		return dir, nil
	}

	files := make(map[string][]byte, len(blob.Files)+1)
	for name, encoded := range blob.Files {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("failed to decode credential file %s: %w", name, err)
		}
		files[name] = data
	}
	if blob.Identity != "" {
		files[identityMarker] = []byte(blob.Identity)
	}

	if err := s.workspace.Restore(id, files); err != nil {
		return "", fmt.Errorf("failed to restore working state: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session": id,
		"files":   len(blob.Files),
	}).Debug("Materialized working state from stored credentials")
	return dir, nil
}

// CaptureAndPersist snapshots the working-state directory into a credential
// blob and stores it. Called after pairing and whenever the engine reports a
// credential change. A non-empty identity also stamps the directory marker.
func (s *CredentialSynchronizer) CaptureAndPersist(ctx context.Context, id, identity string) error {
	if identity != "" {
		if err := s.workspace.WriteFile(id, identityMarker, []byte(identity)); err != nil {
			return fmt.Errorf("failed to write identity marker: %w", err)
		}
	} else if marker, err := s.workspace.ReadFile(id, identityMarker); err == nil {
		identity = string(marker)
	}

	snapshot, err := s.workspace.Snapshot(id)
	if err != nil {
		return fmt.Errorf("failed to snapshot working state: %w", err)
	}

	files := make(map[string]string, len(snapshot))
	for name, data := range snapshot {
		if name == identityMarker {
			continue
		}
		files[name] = base64.StdEncoding.EncodeToString(data)
	}

	blob := &models.CredentialBlob{
		Identity:   identity,
		Files:      files,
		CapturedAt: time.Now().UTC(),
	}
	if err := s.gateway.SaveCredentials(ctx, id, blob); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session": id,
		"files":   len(files),
		"paired":  identity != "",
	}).Debug("Captured working state into credential blob")
	return nil
}

// Purge removes the working-state directory. The database side is handled by
// the caller; an already-absent directory is a success.
func (s *CredentialSynchronizer) Purge(id string) error {
	return s.workspace.Remove(id)
}

// HasIdentity reports whether the directory on disk carries a pairing
// identity marker.
func (s *CredentialSynchronizer) HasIdentity(id string) bool {
	marker, err := s.workspace.ReadFile(id, identityMarker)
	return err == nil && len(marker) > 0
}

// Orphans returns session ids that have a working-state directory on disk
// but no database row. These show up after a database reset or when state
// dirs are copied in from another host.
func (s *CredentialSynchronizer) Orphans(ctx context.Context) ([]string, error) {
	onDisk, err := s.workspace.List()
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, id := range onDisk {
		exists, err := s.gateway.SessionExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileCheckpointStore persists checkpoints as JSON files, one per workflow
// name. Suitable for single-node deployments.
type FileCheckpointStore struct {
	baseDir string
}

// NewFileCheckpointStore creates the directory if needed.
func NewFileCheckpointStore(baseDir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{baseDir: baseDir}, nil
}

func (s *FileCheckpointStore) path(workflow string) string {
	// Workflow names come from user YAML; keep them filesystem-safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, workflow)
	return filepath.Join(s.baseDir, safe+".json")
}

func (s *FileCheckpointStore) LoadLatest(_ context.Context, workflow string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(workflow))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *FileCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	// Write-then-rename keeps the latest checkpoint intact if the process
	// dies mid-write.
	target := s.path(cp.WorkflowName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) Clear(_ context.Context, workflow string) error {
	err := os.Remove(s.path(workflow))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned by LoadLatest when no checkpoint exists for
// the workflow name.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpoint is a durable snapshot of completed top-level step results,
// written after every step completion. One latest checkpoint is retained
// per workflow name.
type Checkpoint struct {
	WorkflowName      string       `json:"workflow_name"`
	CheckpointID      string       `json:"checkpoint_id"`
	SavedAt           time.Time    `json:"saved_at"`
	InputsFingerprint string       `json:"inputs_fingerprint"`
	CompletedSteps    []StepResult `json:"completed_steps"`
	// NextStepIndex is the index of the first step that has not completed,
	// so resume does not have to re-evaluate when-gates of skipped steps.
	NextStepIndex int `json:"next_step_index"`
}

// FingerprintInputs produces a stable digest of the execution inputs.
// Resume is only honored when the saved fingerprint matches the current
// call's inputs; map keys are sorted by the JSON encoder, so equal inputs
// always produce equal fingerprints.
func FingerprintInputs(inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		// Unencodable inputs can never match a stored fingerprint.
		return "unfingerprintable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckpointStore persists the latest checkpoint per workflow name.
type CheckpointStore interface {
	// LoadLatest returns the latest checkpoint for the workflow, or
	// ErrNoCheckpoint.
	LoadLatest(ctx context.Context, workflow string) (*Checkpoint, error)
	// Save replaces the latest checkpoint for cp.WorkflowName.
	Save(ctx context.Context, cp *Checkpoint) error
	// Clear removes the checkpoint for the workflow, if any.
	Clear(ctx context.Context, workflow string) error
}

// MemoryCheckpointStore keeps checkpoints in process memory. Suitable for
// tests and single-shot runs.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) LoadLatest(_ context.Context, workflow string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[workflow]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return cp, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.WorkflowName] = cp
	return nil
}

func (s *MemoryCheckpointStore) Clear(_ context.Context, workflow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, workflow)
	return nil
}

// Package runstore persists agent runs and steps behind the runtime's
// storage contract. The runtime depends only on the Store interface; the
// memory store backs tests and the sqlite store backs hosts that want
// durable run records.
package runstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store is the run lifecycle contract.
type Store interface {
	// StartAgentRun records a new active run and returns its id.
	StartAgentRun(ctx context.Context, run *models.AgentRun) (string, error)

	// AddAgentStep records one step of a run.
	AddAgentStep(ctx context.Context, step *models.AgentStep) error

	// FinishAgentRun finalizes a run with its terminal status and totals.
	FinishAgentRun(ctx context.Context, run *models.AgentRun) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*models.AgentRun
	steps map[string][]*models.AgentStep
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*models.AgentRun),
		steps: make(map[string][]*models.AgentStep),
	}
}

// StartAgentRun assigns a run id and records the run as active.
func (s *MemoryStore) StartAgentRun(ctx context.Context, run *models.AgentRun) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *run
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = models.RunActive
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now()
	}
	stored.AncestorRunIDs = append([]string(nil), run.AncestorRunIDs...)
	s.runs[stored.ID] = &stored
	return stored.ID, nil
}

// AddAgentStep appends a step record for its run.
func (s *MemoryStore) AddAgentStep(ctx context.Context, step *models.AgentStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[step.RunID]; !ok {
		return fmt.Errorf("unknown run: %s", step.RunID)
	}
	stored := *step
	stored.ChildRunIDs = append([]string(nil), step.ChildRunIDs...)
	s.steps[step.RunID] = append(s.steps[step.RunID], &stored)
	return nil
}

// FinishAgentRun finalizes the run record.
func (s *MemoryStore) FinishAgentRun(ctx context.Context, run *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("unknown run: %s", run.ID)
	}
	stored.Status = run.Status
	stored.TotalSteps = run.TotalSteps
	stored.DirectCredits = run.DirectCredits
	stored.TotalCredits = run.TotalCredits
	stored.ErrorMessage = run.ErrorMessage
	stored.FinishedAt = time.Now()
	return nil
}

// GetRun returns a copy of the stored run.
func (s *MemoryStore) GetRun(id string) (*models.AgentRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	out := *run
	return &out, true
}

// Steps returns the recorded steps for a run, in order.
func (s *MemoryStore) Steps(runID string) []*models.AgentStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AgentStep, len(s.steps[runID]))
	copy(out, s.steps[runID])
	return out
}

package core

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// CancelManager tracks running agent executions by query ID so that
// POST /api/v1/stop can cancel them.
type CancelManager struct {
	executions map[string]execution
	mutex      sync.RWMutex
}

type execution struct {
	cancel  context.CancelFunc
	started time.Time
}

// NewCancelManager returns an empty registry.
func NewCancelManager() *CancelManager {
	return &CancelManager{
		executions: make(map[string]execution),
	}
}

// AddExecution registers cancel under queryID.
//
// Parameters:
//   - queryID: Identifier announced to the client in execution_start
//   - cancel: Cancels the context of the agent run
func (cm *CancelManager) AddExecution(queryID string, cancel context.CancelFunc) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.executions[queryID] = execution{cancel: cancel, started: time.Now()}
}

// RemoveExecution forgets a finished execution.
func (cm *CancelManager) RemoveExecution(queryID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	delete(cm.executions, queryID)
}

// CancelExecution cancels the execution registered under queryID and reports
// whether one was running.
func (cm *CancelManager) CancelExecution(queryID string) bool {
	cm.mutex.Lock()
	exec, exists := cm.executions[queryID]
	delete(cm.executions, queryID)
	cm.mutex.Unlock()

	if exists {
		exec.cancel()
	}
	return exists
}

// CancelAll cancels every running execution. It is used on shutdown.
func (cm *CancelManager) CancelAll() int {
	cm.mutex.Lock()
	running := cm.executions
	cm.executions = make(map[string]execution)
	cm.mutex.Unlock()

	for _, exec := range running {
		exec.cancel()
	}
	return len(running)
}

// GetActiveExecutions returns the IDs of running executions, oldest first.
func (cm *CancelManager) GetActiveExecutions() []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	ids := make([]string, 0, len(cm.executions))
	for id := range cm.executions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cm.executions[a].started.Compare(cm.executions[b].started); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

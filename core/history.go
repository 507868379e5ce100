/*
Package core keeps an in-memory history of the questions the agent answered.

QueryHistory records every query from execution_start to its terminal event,
serves the recent ones to GET /api/v1/queries and aggregates statistics for
GET /api/v1/status. Finished queries expire after a configurable age; nothing
is persisted.
*/
package core

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QueryStatus is the lifecycle status of a recorded query.
type QueryStatus string

const (
	QueryRunning   QueryStatus = "running"
	QueryCompleted QueryStatus = "completed"
	QueryFailed    QueryStatus = "failed"
	QueryCancelled QueryStatus = "cancelled"
)

// QueryRecord is one question and its outcome.
type QueryRecord struct {
	QueryID       string      `json:"query_id"`
	Question      string      `json:"question"`
	Status        QueryStatus `json:"status"`
	Answer        string      `json:"answer,omitempty"`
	Error         string      `json:"error,omitempty"`
	TotalSteps    int         `json:"total_steps"`
	ExecutionTime float64     `json:"execution_time"` // seconds, zero while running
	Started       time.Time   `json:"started"`
	Finished      time.Time   `json:"finished,omitzero"`
}

// HistoryStats aggregates the recorded queries.
type HistoryStats struct {
	Total                int     `json:"total"`
	Running              int     `json:"running"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Cancelled            int     `json:"cancelled"`
	AverageExecutionTime float64 `json:"average_execution_time"` // seconds, finished queries only
}

// QueryOutcome is how a query ended.
type QueryOutcome struct {
	Status     QueryStatus
	Answer     string
	Error      string
	TotalSteps int
}

// QueryHistory is a thread-safe, expiring record of recent queries.
type QueryHistory struct {
	queries map[string]*QueryRecord
	mutex   sync.RWMutex
	maxAge  time.Duration // finished queries older than this are purged
	now     func() time.Time
	logger  *logrus.Logger
}

// NewQueryHistory returns an empty history. Call Run to purge expired entries.
func NewQueryHistory(maxAge time.Duration, logger *logrus.Logger) *QueryHistory {
	return &QueryHistory{
		queries: make(map[string]*QueryRecord),
		maxAge:  maxAge,
		now:     time.Now,
		logger:  logger,
	}
}

// Start records a running query.
func (h *QueryHistory) Start(queryID, question string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.queries[queryID] = &QueryRecord{
		QueryID:  queryID,
		Question: question,
		Status:   QueryRunning,
		Started:  h.now(),
	}
}

// Finish records the outcome of a query. Unknown IDs are ignored, and so is
// a second outcome for the same query.
func (h *QueryHistory) Finish(queryID string, outcome QueryOutcome) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	rec, ok := h.queries[queryID]
	if !ok || rec.Status != QueryRunning {
		return
	}
	rec.Status = outcome.Status
	rec.Answer = outcome.Answer
	rec.Error = outcome.Error
	rec.TotalSteps = outcome.TotalSteps
	rec.Finished = h.now()
	rec.ExecutionTime = rec.Finished.Sub(rec.Started).Seconds()
}

// Get returns a copy of the record of queryID.
func (h *QueryHistory) Get(queryID string) (QueryRecord, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	rec, ok := h.queries[queryID]
	if !ok {
		return QueryRecord{}, false
	}
	return *rec, true
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (h *QueryHistory) Recent(limit int) []QueryRecord {
	h.mutex.RLock()
	records := make([]QueryRecord, 0, len(h.queries))
	for _, rec := range h.queries {
		records = append(records, *rec)
	}
	h.mutex.RUnlock()

	slices.SortFunc(records, func(a, b QueryRecord) int {
		return b.Started.Compare(a.Started)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// Stats returns aggregate counts over the recorded queries.
func (h *QueryHistory) Stats() HistoryStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var stats HistoryStats
	var finished int
	var total float64
	for _, rec := range h.queries {
		stats.Total++
		switch rec.Status {
		case QueryRunning:
			stats.Running++
			continue
		case QueryCompleted:
			stats.Completed++
		case QueryFailed:
			stats.Failed++
		case QueryCancelled:
			stats.Cancelled++
		}
		finished++
		total += rec.ExecutionTime
	}
	if finished > 0 {
		stats.AverageExecutionTime = total / float64(finished)
	}
	return stats
}

// Purge removes finished queries older than the maximum age and returns how
// many were removed. Running queries are never purged.
func (h *QueryHistory) Purge() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	now := h.now()
	removed := 0
	for id, rec := range h.queries {
		if rec.Status != QueryRunning && now.Sub(rec.Finished) > h.maxAge {
			delete(h.queries, id)
			removed++
		}
	}
	return removed
}

// Run purges expired queries every interval until ctx is done.
func (h *QueryHistory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.Purge(); removed > 0 {
				h.logger.WithFields(logrus.Fields{
					"expiredQueries":  removed,
					"cleanupInterval": interval,
				}).Info("Cleaned up expired query history")
			}
		}
	}
}

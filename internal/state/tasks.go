package state

import (
	"sort"
	"sync"
	"time"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

type TaskSummary struct {
	TaskID     string               `json:"task_id"`
	JobID      string               `json:"job_id"`
	SourceID   string               `json:"source_id"`
	Status     inventory.TaskStatus `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Duration   time.Duration        `json:"duration"`
}

// TaskCache keeps the latest outcome per (job, source) and a bounded history.
type TaskCache struct {
	mu      sync.RWMutex
	latest  map[string]TaskSummary
	history []TaskSummary
	limit   int
}

func NewTaskCache(limit int) *TaskCache {
	if limit <= 0 {
		limit = 50
	}
	return &TaskCache{
		latest: make(map[string]TaskSummary),
		limit:  limit,
	}
}

func (c *TaskCache) Add(task *inventory.ScanTask) {
	summary := summarize(task)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[summary.JobID+"/"+summary.SourceID] = summary
	c.history = append(c.history, summary)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
}

// Latest returns one summary per (job, source), ordered by job then source.
func (c *TaskCache) Latest() []TaskSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskSummary, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func (c *TaskCache) History() []TaskSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskSummary, len(c.history))
	copy(out, c.history)
	return out
}

// Counts tallies the latest outcomes by status.
func (c *TaskCache) Counts() map[inventory.TaskStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[inventory.TaskStatus]int{}
	for _, s := range c.latest {
		out[s.Status]++
	}
	return out
}

func summarize(task *inventory.ScanTask) TaskSummary {
	s := TaskSummary{
		TaskID:     task.ID,
		JobID:      task.JobID,
		SourceID:   task.Source.ID,
		Status:     task.Status,
		StartedAt:  task.StartedAt,
		FinishedAt: task.FinishedAt,
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		s.Duration = s.FinishedAt.Sub(s.StartedAt)
	}
	return s
}

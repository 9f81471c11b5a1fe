package inventory

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusCreated   TaskStatus = "created"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusCreated: {StatusRunning, StatusPaused, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusFailed},
}

// ScanTask is one attempt to scan one source within a job.
type ScanTask struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Source     Source     `json:"source"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

func NewScanTask(id, jobID string, source Source) *ScanTask {
	return &ScanTask{
		ID:     id,
		JobID:  jobID,
		Source: source,
		Status: StatusCreated,
	}
}

// Transition moves the task to next. Only the pause/resume edge may go back
// to running; completed and failed are final.
func (t *ScanTask) Transition(next TaskStatus) error {
	for _, allowed := range transitions[t.Status] {
		if allowed != next {
			continue
		}
		now := time.Now().UTC()
		if next == StatusRunning {
			t.StartedAt = now
			t.FinishedAt = time.Time{}
		}
		if next.Terminal() || next == StatusPaused {
			t.FinishedAt = now
		}
		t.Status = next
		return nil
	}
	return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.Status, next)
}

func (t *ScanTask) String() string {
	return fmt.Sprintf("task %s (job %s, source %s)", t.ID, t.JobID, t.Source.ID)
}

package inventory

import "time"

type SystemStatus string

const (
	SystemSuccess     SystemStatus = "success"
	SystemFailed      SystemStatus = "failed"
	SystemUnreachable SystemStatus = "unreachable"
)

// HostDescriptor is what a remote API reports for one discovered host.
type HostDescriptor struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status SystemStatus `json:"status,omitempty"`
}

// System is a discovered host recorded under a connection result.
type System struct {
	Name   string       `json:"name"`
	HostID string       `json:"host_id,omitempty"`
	Status SystemStatus `json:"status"`
}

func SystemFromHost(host HostDescriptor) System {
	status := host.Status
	if status == "" {
		status = SystemSuccess
	}
	return System{Name: host.Name, HostID: host.ID, Status: status}
}

// ConnectionResult holds the systems found for one (job, source) pair.
type ConnectionResult struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	SourceID  string    `json:"source_id"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Systems   []System  `json:"systems,omitempty"`
}

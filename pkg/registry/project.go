package registry

import (
	"time"

	"github.com/omayhemo/debughost/pkg/scan"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
)

// Terminal reports whether the status allows removal.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// HasContainer reports whether a container id is expected for this status.
func (s Status) HasContainer() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping, StatusRestarting:
		return true
	}
	return false
}

// Health status of a project's container.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Ports is a project's port assignment. Primary is allocated at registration
// from the detected tech's range; Allocated holds any additional ports.
type Ports struct {
	Primary   int   `json:"primary,omitempty"`
	Allocated []int `json:"allocated,omitempty"`
}

// Project is the authoritative record for one registered workspace.
type Project struct {
	ID            string           `json:"project_id"`
	Name          string           `json:"name"`
	WorkspacePath string           `json:"workspace_path"`
	DetectedTech  []scan.Detection `json:"detected_tech,omitempty"`
	PrimaryTech   string           `json:"primary_tech"`
	Ports         Ports            `json:"ports"`
	Status        Status           `json:"status"`
	ContainerID   string           `json:"container_id,omitempty"`
	ContainerName string           `json:"container_name,omitempty"`
	HealthStatus  string           `json:"health_status"`
	LastError     string           `json:"last_error,omitempty"`

	RegisteredAt      time.Time  `json:"registered_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
	LastOperationTime *time.Time `json:"last_operation_time,omitempty"`
	LastHealthCheck   *time.Time `json:"last_health_check,omitempty"`
}

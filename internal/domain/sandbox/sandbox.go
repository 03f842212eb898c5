// Package sandbox defines the isolated execution unit provisioned per task.
package sandbox

import "time"

// Status is the runtime state of a sandbox container.
type Status string

const (
	StatusProvisioning Status = "PROVISIONING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusNotFound     Status = "NOT_FOUND"
)

// Labels attached to every container the manager creates.
const (
	LabelManaged = "taskforge.managed"
	LabelTaskID  = "taskforge.task"
)

// Sandbox is an ephemeral container owned by exactly one in-flight task.
type Sandbox struct {
	TaskID            string            `json:"task_id"`
	ContainerID       string            `json:"container_id"`
	Status            Status            `json:"status"`
	ConnectionDetails map[string]string `json:"connection_details,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Spec describes the container to create.
type Spec struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Labels  map[string]string `json:"labels"`
	Limits  Limits            `json:"limits"`
}

// ManagedLabels returns the label set identifying the sandbox of taskID.
func ManagedLabels(taskID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelTaskID:  taskID,
	}
}

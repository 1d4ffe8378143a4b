package core

import "time"

// Lifecycle is the coarse agent lifecycle state. Destroyed is terminal.
type Lifecycle string

const (
	LifecycleRunning   Lifecycle = "running"
	LifecycleStopped   Lifecycle = "stopped"
	LifecycleDestroyed Lifecycle = "destroyed"
)

// Container is a pure namespace grouping agents, images and sessions. It has
// no behavior beyond creation and lookup.
type Container struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Image is an immutable snapshot of an agent's message history. Images form
// a DAG via ParentImageID (fork history), never a cycle: a child always
// points at an image created strictly earlier.
type Image struct {
	ID            string    `json:"id"`
	ContainerID   string    `json:"containerId"`
	Name          string    `json:"name"`
	SystemPrompt  string    `json:"systemPrompt,omitempty"`
	Messages      []Message `json:"-"`
	ParentImageID string    `json:"parentImageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AgentInfo is the externally visible identity of a running agent.
type AgentInfo struct {
	ID          string    `json:"agentId"`
	ImageID     string    `json:"imageId"`
	ContainerID string    `json:"containerId"`
	Lifecycle   Lifecycle `json:"lifecycle"`
}

// SessionInfo identifies the message-persistence unit bound to one agent.
// ImageID records which image the agent was started from so an image
// deletion can cascade to its sessions' messages.
type SessionInfo struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	ContainerID string    `json:"containerId"`
	ImageID     string    `json:"imageId"`
	CreatedAt   time.Time `json:"createdAt"`
}

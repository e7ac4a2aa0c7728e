package sandbox

import "time"

// Labels applied to every container the broker creates. ListManaged and
// orphan reaping key off these.
const (
	LabelManaged = "coderelay.managed"
	LabelAgentID = "coderelay.agent_id"
)

// Mount is a host bind mount into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec describes a sandbox container to create. Stdin is kept open so
// the control process can be fed through exec attaches later.
type CreateSpec struct {
	Name        string
	AgentID     string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	User        string
	Mounts      []Mount
	NetworkMode string
	MemoryBytes int64
	CPUQuota    int64
	Labels      map[string]string
}

// ContainerInfo is a normalized view of a container's state.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Labels     map[string]string
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Stats is a normalized point-in-time resource snapshot.
type Stats struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryLimit   uint64
	MemoryPercent float64
}

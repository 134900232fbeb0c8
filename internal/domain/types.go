package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a delegated task.
// Transitions are monotonic: pending -> completed | failed.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of work delegated to an agent. Everything except status,
// updated_at and the result is immutable after creation; the callback path is
// the only way out of pending.
type Task struct {
	ID                string          `json:"task_id"`
	AgentID           string          `json:"agent_id"`
	BusinessID        string          `json:"business_id,omitempty"`
	Type              string          `json:"type"`
	Description       string          `json:"description,omitempty"`
	Params            json.RawMessage `json:"params,omitempty"`
	Context           json.RawMessage `json:"context,omitempty"`
	Status            TaskStatus      `json:"status"`
	CallbackURL       string          `json:"callback_url,omitempty"`
	CallbackToken     string          `json:"-"`
	CallbackExpiresAt time.Time       `json:"callback_expires_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MediaItem is an image/video/audio reference in a task output.
type MediaItem struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	AltText string `json:"alt_text,omitempty"`
	Type    string `json:"type,omitempty"`
}

type LinkItem struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type FileItem struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// TaskOutput is the rich result payload an agent reports back.
type TaskOutput struct {
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Images   []MediaItem     `json:"images,omitempty"`
	Links    []LinkItem      `json:"links,omitempty"`
	Files    []FileItem      `json:"files,omitempty"`
	HTML     string          `json:"html,omitempty"`
	Markdown string          `json:"markdown,omitempty"`
}

// ContextUpdate carries free-form metadata merged into the task at callback
// time.
type ContextUpdate struct {
	Memory   string          `json:"memory,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TaskResult is the persisted outcome of a task, written exactly once on the
// transition out of pending.
type TaskResult struct {
	ID            string         `json:"result_id"`
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	BusinessID    string         `json:"business_id,omitempty"`
	Status        TaskStatus     `json:"status"`
	Output        *TaskOutput    `json:"output,omitempty"`
	ContextUpdate *ContextUpdate `json:"context_update,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Agent statuses.
const (
	AgentActive   = "active"
	AgentInactive = "inactive"
)

// Agent is one entry in the agent directory.
type Agent struct {
	ID           string    `json:"agent_id"`
	Name         string    `json:"agent_name"`
	Type         string    `json:"agent_type"`
	EndpointURL  string    `json:"endpoint_url"`
	APIKey       string    `json:"api_key,omitempty"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       string    `json:"status"`
	Version      string    `json:"version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Schedule is a recurring analysis task definition.
type Schedule struct {
	ID         string          `json:"schedule_id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	TaskType   string          `json:"task_type"`
	BusinessID string          `json:"business_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	NextRun    time.Time       `json:"next_run"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Forward log statuses.
const (
	ForwardAttempting = "attempting"
	ForwardSuccess    = "success"
	ForwardFailed     = "failed"
)

// ForwardLog records one attempt to hand a task to an agent endpoint.
// Forwarding failure never fails the task; the callback path is the source
// of truth.
type ForwardLog struct {
	ID             int64      `json:"id"`
	TaskID         string     `json:"task_id"`
	AgentID        string     `json:"agent_id"`
	EndpointURL    string     `json:"endpoint_url"`
	Status         string     `json:"status"`
	ResponseStatus int        `json:"response_status,omitempty"`
	Error          string     `json:"error,omitempty"`
	AttemptedAt    time.Time  `json:"attempted_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

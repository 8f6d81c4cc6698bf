// Package notify announces terminal workflow executions on chat platforms.
package notify

import "context"

// Kind categorizes notifications.
type Kind string

const (
	KindWorkflowCompleted Kind = "workflow_completed"
	KindWorkflowFailed    Kind = "workflow_failed"
	KindAnnouncement      Kind = "announcement"
)

// Notification is sent to every registered channel, or to Platforms when set.
type Notification struct {
	Kind        Kind     `json:"kind"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Fields      []Field  `json:"fields,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
}

// Field is a short labelled value rendered next to the notification body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Failed reports whether the notification announces a failure.
func (n *Notification) Failed() bool { return n.Kind == KindWorkflowFailed }

// Channel delivers notifications to one platform.
type Channel interface {
	Platform() string
	Send(ctx context.Context, n *Notification) error
}

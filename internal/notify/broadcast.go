package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 200

// Record tracks a sent notification for history.
type Record struct {
	Notification *Notification `json:"notification"`
	SentAt       time.Time     `json:"sent_at"`
	Targets      []string      `json:"targets"`
	Failed       []string      `json:"failed,omitempty"`
}

// Broadcaster fans notifications out to registered channels and keeps a
// bounded history. It implements orchestrator.Notifier.
type Broadcaster struct {
	mu           sync.RWMutex
	channels     []Channel
	history      []Record
	historyLimit int
	failuresOnly bool
	logger       *zap.Logger
}

// NewBroadcaster creates a broadcaster with no channels.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{historyLimit: defaultHistoryLimit, logger: logger}
}

// Register adds a delivery channel.
func (b *Broadcaster) Register(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, ch)
}

// Platforms lists the registered channel platforms in registration order.
func (b *Broadcaster) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch.Platform())
	}
	return out
}

// SetFailuresOnly limits workflow notifications to failed executions.
func (b *Broadcaster) SetFailuresOnly(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failuresOnly = v
}

// Send delivers n to every matching channel. Delivery continues past
// individual channel failures; their errors are joined into the result.
func (b *Broadcaster) Send(ctx context.Context, n *Notification) error {
	if n.Kind == "" {
		return fmt.Errorf("notification kind is required")
	}

	b.mu.RLock()
	channels := append([]Channel(nil), b.channels...)
	b.mu.RUnlock()

	b.logger.Info("sending notification",
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("execution", n.ExecutionID),
	)

	rec := Record{Notification: n, SentAt: time.Now()}
	var errs []error
	for _, ch := range channels {
		if len(n.Platforms) > 0 && !containsFold(n.Platforms, ch.Platform()) {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			rec.Failed = append(rec.Failed, ch.Platform())
			errs = append(errs, fmt.Errorf("%s: %w", ch.Platform(), err))
			continue
		}
		rec.Targets = append(rec.Targets, ch.Platform())
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = append([]Record(nil), b.history[over:]...)
	}
	b.mu.Unlock()

	return errors.Join(errs...)
}

// History returns up to limit of the most recent records, oldest first.
// A non-positive limit returns everything kept.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	start := len(b.history) - limit
	return append([]Record(nil), b.history[start:]...)
}

// NotifyWorkflow announces a terminal workflow execution.
func (b *Broadcaster) NotifyWorkflow(ctx context.Context, rec *orchestrator.ExecutionRecord) error {
	n := WorkflowNotification(rec)
	b.mu.RLock()
	skip := b.failuresOnly && !n.Failed()
	b.mu.RUnlock()
	if skip {
		return nil
	}
	return b.Send(ctx, n)
}

// WorkflowNotification summarizes an execution record for chat delivery.
func WorkflowNotification(rec *orchestrator.ExecutionRecord) *Notification {
	exec, res := rec.Execution, rec.Result
	if res == nil {
		res = &orchestrator.ExecutionResult{}
	}
	name := rec.Workflow.Name
	if name == "" {
		name = rec.Workflow.ID
	}

	n := &Notification{
		Kind:        KindWorkflowCompleted,
		Title:       fmt.Sprintf("Workflow %s completed", name),
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		Fields: []Field{
			{Name: "Steps", Value: fmt.Sprintf("%d/%d", res.Metrics.StepsCompleted, res.Metrics.StepsTotal)},
			{Name: "Duration", Value: (time.Duration(res.Metrics.DurationMS) * time.Millisecond).String()},
			{Name: "Tokens", Value: fmt.Sprintf("%d", res.Metrics.TokensUsed)},
			{Name: "Cost", Value: fmt.Sprintf("$%.4f", res.Metrics.Cost)},
		},
	}
	if exec.Status != orchestrator.ExecutionFailed {
		n.Content = "All steps finished."
		if len(exec.Skipped) > 0 {
			n.Content = fmt.Sprintf("Finished; skipped %s.", strings.Join(exec.Skipped, ", "))
		}
		return n
	}

	n.Kind = KindWorkflowFailed
	n.Title = fmt.Sprintf("Workflow %s failed", name)
	var lines []string
	if exec.FailedStep != "" {
		lines = append(lines, fmt.Sprintf("Failed at step `%s`.", exec.FailedStep))
	}
	for i, e := range res.Errors {
		if i == 5 {
			lines = append(lines, fmt.Sprintf("... and %d more", len(res.Errors)-i))
			break
		}
		lines = append(lines, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
	n.Content = strings.Join(lines, "\n")
	return n
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

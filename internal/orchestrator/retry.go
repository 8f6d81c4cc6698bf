package orchestrator

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// completeWithRetry invokes the provider under a per-attempt timeout and
// retries recoverable failures per the agent's retry policy. It returns the
// response, the number of retries spent and, on failure, the final error.
func (o *Orchestrator) completeWithRetry(ctx context.Context, req *provider.CompletionRequest, agent *registry.AgentDescriptor, timeout time.Duration) (*provider.CompletionResponse, int, *TaskError) {
	policy := agent.Retry
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := o.completer.Complete(attemptCtx, req)
		var taskErr *TaskError
		if err != nil {
			te := classifyError(attemptCtx, err)
			taskErr = &te
		}
		cancel()

		if taskErr == nil {
			return resp, attempt, nil
		}
		if !o.retryEnabled || !taskErr.Recoverable || attempt >= policy.MaxRetries || ctx.Err() != nil {
			return nil, attempt, taskErr
		}

		delay := policy.Delay(attempt + 1)
		o.logger.Warn("provider call failed, retrying",
			zap.String("agent", agent.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("code", taskErr.Code))
		if err := sleepCtx(ctx, delay); err != nil {
			te := classifyError(ctx, err)
			return nil, attempt, &te
		}
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

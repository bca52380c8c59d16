package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// runStep invokes the step's agent, retrying retryable failures per its policy.
func (x *execution) runStep(ctx context.Context, node *Node, step *schema.Step, scope *expressions.Scope, path string) nodeResult {
	if payload, ok := x.takeResume(path); ok {
		return nodeResult{status: schema.NodeSucceeded, output: expressions.Normalize(payload), attempts: 1}
	}

	input, err := x.resolver.ResolveInput(ctx, step.Input, scope)
	if err != nil {
		return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
	}

	maxAttempts := node.Retry.maxAttempts()
	for attempt := 1; ; attempt++ {
		if err := x.breakers.AllowRequest(step.Agent); err != nil {
			return failed(nodeError(err, path, schema.ErrCodeCircuitOpen), attempt)
		}

		out, err := x.invoke(ctx, node, step.Agent, input)
		if err == nil {
			x.breakers.RecordSuccess(step.Agent)
			return nodeResult{status: schema.NodeSucceeded, output: expressions.Normalize(out), attempts: attempt}
		}

		var suspend *schema.SuspendRequest
		if errors.As(err, &suspend) {
			return x.suspendAt(node, path, suspend.Message, suspend.TTL, suspend.Notify, attempt)
		}
		if ctx.Err() != nil {
			return failed(cancelledError(path, ctx.Err()), attempt)
		}

		if x.breakers.RecordFailure(step.Agent) == CircuitOpen {
			x.logger.WarnContext(ctx, "circuit breaker open", "agent", step.Agent)
		}
		ee := nodeError(err, path, schema.ErrCodeAgentExecution)
		if attempt >= maxAttempts || !IsRetryableError(err) {
			return failed(ee, attempt)
		}

		delay := ComputeBackoff(node.Retry, attempt)
		x.transition(ctx, path, schema.NodeRunning, schema.NodeRetrying, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   ee.Message,
		})
		x.logger.DebugContext(ctx, "retrying step", "attempt", attempt, "delay", delay, "error", ee)
		waitErr := WaitForBackoff(ctx, delay)
		x.transition(ctx, path, schema.NodeRetrying, schema.NodeRunning, map[string]any{"attempt": attempt + 1})
		if waitErr != nil {
			return failed(cancelledError(path, waitErr), attempt)
		}
	}
}

// invoke calls the agent, bounded by the node's timeout when one is set.
// Each call gets its own copy of the input.
func (x *execution) invoke(ctx context.Context, node *Node, agent string, input map[string]any) (any, error) {
	callInput, _ := expressions.Normalize(input).(map[string]any)
	if callInput == nil {
		callInput = map[string]any{}
	}

	callCtx := ctx
	cancel := func() {}
	if node.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, node.Timeout)
	}
	defer cancel()

	type reply struct {
		out any
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: schema.NewErrorf(schema.ErrCodeAgentExecution, "agent %s panicked: %v", agent, r).
					WithDetails(map[string]any{"agent": agent, "retryable": false})}
			}
		}()
		out, err := x.invoker.Invoke(callCtx, agent, callInput)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && node.Timeout > 0 && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(agent, node)
		}
		return r.out, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(agent, node)
	}
}

func timeoutError(agent string, node *Node) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "agent %s did not finish within %s", agent, node.Timeout).
		WithDetails(map[string]any{"agent": agent, "timeout": node.Timeout.String()})
}

// runApproval suspends until the execution is resumed; the payload becomes the output.
func (x *execution) runApproval(ctx context.Context, node *Node, approval *schema.Approval, scope *expressions.Scope, path string) nodeResult {
	if payload, ok := x.takeResume(path); ok {
		return nodeResult{status: schema.NodeSucceeded, output: expressions.Normalize(payload), attempts: 1}
	}

	resolved, err := x.resolver.Resolve(ctx, approval.Message, scope)
	if err != nil {
		return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
	}
	message, _ := resolved.(map[string]any)
	return x.suspendAt(node, path, message, node.TTL, approval.Notify, 1)
}

func (x *execution) suspendAt(node *Node, path string, message map[string]any, ttl time.Duration, notify []string, attempts int) nodeResult {
	x.suspend(&Suspension{
		NodePath: path,
		NodeName: node.Name,
		Message:  message,
		TTL:      ttl,
		Notify:   append([]string(nil), notify...),
	})
	return nodeResult{status: schema.NodeSuspended, attempts: attempts}
}

func failed(ee *schema.EngineError, attempts int) nodeResult {
	if ee == nil {
		ee = schema.NewError(schema.ErrCodeInternal, "node failed without an error")
	}
	return nodeResult{status: schema.NodeFailed, err: ee, attempts: attempts}
}

func iterSegment(i int) string {
	return fmt.Sprintf("iter_%d", i)
}

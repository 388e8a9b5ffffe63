package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandlabs/strand/internal/policy"
	"github.com/strandlabs/strand/pkg/models"
)

// SubAgent runs a bounded iteration loop against an auxiliary connection
// spawned from the registry. The connection lives exactly as long as Run:
// it is spawned on entry and closed on every exit path, including panic and
// early error.
type SubAgent struct {
	// Name labels the sub-agent's progress events.
	Name string

	// BaseURL and Token locate the auxiliary server. Token may be empty.
	BaseURL string
	Token   string

	// Mode is the auxiliary connection's own sandbox mode, independent of
	// the session's primary mode. Zero value defaults to read-only.
	Mode policy.Mode

	// MaxIterations bounds the loop. Zero defaults to DefaultMaxIterations.
	MaxIterations int

	// CallTimeout bounds each remote call made through the step callback.
	// Zero defaults to DefaultCallTimeout.
	CallTimeout time.Duration
}

// DefaultMaxIterations bounds a sub-agent loop when the caller doesn't.
const DefaultMaxIterations = 10

// DefaultCallTimeout bounds sub-agent remote calls when the caller doesn't.
const DefaultCallTimeout = 30 * time.Second

// StepFunc is one sub-agent iteration. call invokes a method on the
// sub-agent's own connection under its own mode. Returning done=true ends
// the loop early; returning an error aborts it.
type StepFunc func(ctx context.Context, iteration int, call func(method string, params any) (json.RawMessage, error)) (done bool, err error)

// Run executes the iteration loop through exec. Each iteration emits a
// progress event under the sub-agent's name, and a terminal completed event
// is emitted when the loop ends, however it ends.
func (a *SubAgent) Run(ctx context.Context, exec *Execution, step StepFunc) error {
	if a.Name == "" {
		return fmt.Errorf("sub-agent needs a name")
	}
	if step == nil {
		return fmt.Errorf("sub-agent needs a step function")
	}
	mode := a.Mode
	if mode == "" {
		mode = policy.ModeReadOnly
	}
	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	timeout := a.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id, err := exec.Spawn(ctx, a.BaseURL, a.Token, mode)
	if err != nil {
		return fmt.Errorf("spawn sub-agent connection: %w", err)
	}
	em := exec.Emitter()
	defer func() {
		exec.CloseConn(id)
		em.ProgressFrom(ctx, a.Name, models.ProgressEvent{
			MaxIterations: maxIter,
			Status:        models.StatusCompleted,
		})
	}()

	call := func(method string, params any) (json.RawMessage, error) {
		return exec.CallConn(ctx, id, method, params, timeout)
	}

	for i := 1; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		em.ProgressFrom(ctx, a.Name, models.ProgressEvent{
			Iteration:     i,
			MaxIterations: maxIter,
			Status:        models.StatusRunning,
		})

		done, err := step(ctx, i, call)
		if err != nil {
			return fmt.Errorf("sub-agent iteration %d: %w", i, err)
		}
		if done {
			return nil
		}
	}
	return nil
}

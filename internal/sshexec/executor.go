package sshexec

import (
	"context"
	"fmt"
	"time"
)

// Target names the host and credentials an Executor call connects to.
type Target struct {
	Host string
	Port int
	User string
}

// Executor is the interface the Operation Engine and Host Status Scanner
// depend on, so that tests can substitute sshexec.Mock for a real Pool.
type Executor interface {
	// Execute runs cmd on target, bounded by timeout (falls back to a
	// package default when timeout is zero).
	Execute(ctx context.Context, target Target, cmd string, timeout time.Duration) (*ExecResult, error)
	// TestConnection runs a trivial echo with a short timeout and reports
	// reachability.
	TestConnection(ctx context.Context, target Target) bool
	// Stream runs cmd, invoking onStdout/onStderr per line as it arrives.
	Stream(ctx context.Context, target Target, cmd string, onStdout, onStderr LineCallback) (*ExecResult, error)
}

const defaultExecTimeout = 15 * time.Second
const testConnectionTimeout = 3 * time.Second

// PoolExecutor implements Executor over a connection Pool.
type PoolExecutor struct {
	Pool *Pool
}

// NewPoolExecutor wraps pool as an Executor.
func NewPoolExecutor(pool *Pool) *PoolExecutor {
	return &PoolExecutor{Pool: pool}
}

func (e *PoolExecutor) Execute(ctx context.Context, target Target, cmd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	client, err := e.Pool.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target.Host, err)
	}
	result, err := client.ExecTimeout(ctx, cmd, timeout)
	if err != nil {
		// The client may have rebooted mid-command; drop the cached
		// connection so the next command re-dials.
		e.Pool.Invalidate(target)
		return nil, err
	}
	return result, nil
}

// TestConnection runs "echo ok" with a short timeout.
func (e *PoolExecutor) TestConnection(ctx context.Context, target Target) bool {
	result, err := e.Execute(ctx, target, "echo ok", testConnectionTimeout)
	if err != nil || result == nil {
		return false
	}
	return result.ExitCode == 0
}

func (e *PoolExecutor) Stream(ctx context.Context, target Target, cmd string, onStdout, onStderr LineCallback) (*ExecResult, error) {
	client, err := e.Pool.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target.Host, err)
	}
	result, err := client.Stream(ctx, cmd, onStdout, onStderr)
	if err != nil {
		e.Pool.Invalidate(target)
		return nil, err
	}
	return result, nil
}

package sshexec

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is a hand-written Executor stand-in for tests.
type Mock struct {
	// Results maps a command prefix to the result it should return.
	Results map[string]*ExecResult
	// Unreachable lists hosts that fail TestConnection.
	Unreachable map[string]bool
	// FailHosts maps a host to the error Execute/Stream return for it.
	FailHosts map[string]error

	mu sync.Mutex
	// ExecLog records "host: cmd" for every Execute call.
	ExecLog []string
}

// NewMock creates an empty Mock with all-green defaults.
func NewMock() *Mock {
	return &Mock{
		Results:     make(map[string]*ExecResult),
		Unreachable: make(map[string]bool),
		FailHosts:   make(map[string]error),
	}
}

func (m *Mock) Execute(ctx context.Context, target Target, cmd string, timeout time.Duration) (*ExecResult, error) {
	m.mu.Lock()
	m.ExecLog = append(m.ExecLog, target.Host+": "+cmd)
	m.mu.Unlock()

	if err, ok := m.FailHosts[target.Host]; ok {
		return nil, err
	}

	for prefix, result := range m.Results {
		if strings.HasPrefix(cmd, prefix) {
			return result, nil
		}
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (m *Mock) TestConnection(ctx context.Context, target Target) bool {
	return !m.Unreachable[target.Host]
}

func (m *Mock) Stream(ctx context.Context, target Target, cmd string, onStdout, onStderr LineCallback) (*ExecResult, error) {
	result, err := m.Execute(ctx, target, cmd, 0)
	if err != nil {
		return nil, err
	}
	if onStdout != nil && result.Stdout != "" {
		for _, line := range strings.Split(result.Stdout, "\n") {
			onStdout(line)
		}
	}
	return result, nil
}

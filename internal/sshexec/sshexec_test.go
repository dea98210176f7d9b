package sshexec

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockExecuteDefaultResult(t *testing.T) {
	m := NewMock()
	target := Target{Host: "10.0.0.11", Port: 22, User: "root"}

	result, err := m.Execute(context.Background(), target, "linbo_wrapper sync:1", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestMockExecuteRegisteredPrefix(t *testing.T) {
	m := NewMock()
	m.Results["linbo_wrapper"] = &ExecResult{Stdout: "done\n", ExitCode: 0}

	result, err := m.Execute(context.Background(), Target{Host: "10.0.0.11"}, "linbo_wrapper sync:1", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stdout != "done\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "done\n")
	}
}

func TestMockExecuteFailHost(t *testing.T) {
	m := NewMock()
	wantErr := errors.New("connection refused")
	m.FailHosts["10.0.0.99"] = wantErr

	_, err := m.Execute(context.Background(), Target{Host: "10.0.0.99"}, "echo ok", 0)
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestMockTestConnection(t *testing.T) {
	m := NewMock()
	m.Unreachable["10.0.0.12"] = true

	if m.TestConnection(context.Background(), Target{Host: "10.0.0.11"}) != true {
		t.Error("expected 10.0.0.11 to be reachable")
	}
	if m.TestConnection(context.Background(), Target{Host: "10.0.0.12"}) != false {
		t.Error("expected 10.0.0.12 to be unreachable")
	}
}

func TestMockExecLog(t *testing.T) {
	m := NewMock()
	m.Execute(context.Background(), Target{Host: "10.0.0.11"}, "echo ok", 0)

	if len(m.ExecLog) != 1 || m.ExecLog[0] != "10.0.0.11: echo ok" {
		t.Errorf("ExecLog = %v", m.ExecLog)
	}
}

func TestPoolTargetKeyAppliesDefaults(t *testing.T) {
	pool := NewPool(&PoolConfig{
		ClientConfig: &ClientConfig{User: "linbo", Port: 2222, Password: "x"},
	})
	defer pool.Close()

	implicit := pool.resolve(Target{Host: "10.0.0.5"})
	explicit := pool.resolve(Target{Host: "10.0.0.5", Port: 2222, User: "linbo"})
	if implicit.key() != explicit.key() {
		t.Errorf("keys differ: %q vs %q", implicit.key(), explicit.key())
	}
	if implicit.key() == pool.resolve(Target{Host: "10.0.0.5", User: "root"}).key() {
		t.Error("expected a different user to map to a different connection")
	}
}

func TestPoolInvalidateUnknownTargetIsNoop(t *testing.T) {
	pool := NewPool(nil)
	defer pool.Close()

	pool.Invalidate(Target{Host: "10.0.0.77"})
}

func TestPoolExecutorTestConnectionUnreachable(t *testing.T) {
	pool := NewPool(&PoolConfig{
		ClientConfig: &ClientConfig{User: "root", Port: 1, Timeout: 200 * time.Millisecond},
	})
	defer pool.Close()

	exec := NewPoolExecutor(pool)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if exec.TestConnection(ctx, Target{Host: "203.0.113.1", Port: 1}) {
		t.Error("expected unreachable host (TEST-NET-3, port closed) to fail TestConnection")
	}
}

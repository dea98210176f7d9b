package operation

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
	"github.com/linuxmuster-net/linbo-ctrl/internal/sshexec"
)

// fakeHosts is a hand-written HostLister stand-in.
type fakeHosts struct {
	byMAC      map[string]*model.Host
	all        []*model.Host
	lookupErrs map[string]error
}

func newFakeHosts(hosts ...*model.Host) *fakeHosts {
	f := &fakeHosts{byMAC: make(map[string]*model.Host), lookupErrs: make(map[string]error)}
	for _, h := range hosts {
		f.byMAC[h.MAC] = h
		f.all = append(f.all, h)
	}
	return f
}

func (f *fakeHosts) Hosts(ctx context.Context) ([]*model.Host, error) {
	return f.all, nil
}

func (f *fakeHosts) HostByMAC(ctx context.Context, mac string) (*model.Host, error) {
	if err, ok := f.lookupErrs[mac]; ok {
		return nil, err
	}
	return f.byMAC[mac], nil
}

func testHost(mac, hostname, ip, configName string) *model.Host {
	return &model.Host{MAC: model.NormalizeMAC(mac), Hostname: hostname, IP: ip, ConfigName: configName}
}

func newTestEngine(t *testing.T, hosts *fakeHosts, ssh sshexec.Executor) (*Engine, kv.Store) {
	t.Helper()
	store := kv.NewMock()
	e := New(Config{
		Store:          store,
		SSH:            ssh,
		Hosts:          hosts,
		Bus:            eventbus.New(),
		LinboDir:       t.TempDir(),
		MaxConcurrency: 4,
		SSHTimeout:     time.Second,
		Logger:         log.New(testWriter{t}, "", 0),
	})
	return e, store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func waitForTerminal(t *testing.T, e *Engine, id string) *model.Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, err := e.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if op != nil && op.Status.Terminal() {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal state in time", id)
	return nil
}

func TestResolveHostsByMAC(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1), sshexec.NewMock())

	got, err := e.ResolveHosts(context.Background(), Filter{MACs: []string{"aa-bb-cc-dd-ee-01"}})
	if err != nil {
		t.Fatalf("ResolveHosts: %v", err)
	}
	if len(got) != 1 || got[0].Hostname != "pc01" {
		t.Fatalf("ResolveHosts = %+v, want [pc01]", got)
	}
}

func TestResolveHostsAmbiguousHostnameConflicts(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "dup", "10.0.0.1", "lab1")
	h2 := testHost("AA:BB:CC:DD:EE:02", "dup", "10.0.0.2", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1, h2), sshexec.NewMock())

	_, err := e.ResolveHosts(context.Background(), Filter{Hostnames: []string{"dup"}})
	if !ctrlerr.Is(err, ctrlerr.KindConflict) {
		t.Fatalf("ResolveHosts error = %v, want Conflict", err)
	}
}

func TestResolveHostsNoMatchIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	_, err := e.ResolveHosts(context.Background(), Filter{Hostgroup: "nonexistent"})
	if !ctrlerr.Is(err, ctrlerr.KindNotFound) {
		t.Fatalf("ResolveHosts error = %v, want NotFound", err)
	}
}

func TestResolveHostsEmptyFilterIsValidation(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	_, err := e.ResolveHosts(context.Background(), Filter{})
	if !ctrlerr.Is(err, ctrlerr.KindValidation) {
		t.Fatalf("ResolveHosts error = %v, want Validation", err)
	}
}

func TestParseCommandRejectsInvalidToken(t *testing.T) {
	if _, _, err := ParseCommand("start:1,bogus"); !ctrlerr.Is(err, ctrlerr.KindValidation) {
		t.Fatalf("ParseCommand error = %v, want Validation", err)
	}
}

func TestParseCommandSeparatesFlags(t *testing.T) {
	flags, commands, err := ParseCommand("noauto,start:1,halt")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if len(flags) != 1 || flags[0] != "noauto" {
		t.Fatalf("flags = %v, want [noauto]", flags)
	}
	if len(commands) != 2 || commands[0] != "start:1" || commands[1] != "halt" {
		t.Fatalf("commands = %v, want [start:1 halt]", commands)
	}
	if got := FormatCommand(flags, commands); got != "noauto,start:1,halt" {
		t.Errorf("FormatCommand = %q", got)
	}
}

func TestExecuteDirectCommandsAllSucceed(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	h2 := testHost("AA:BB:CC:DD:EE:02", "pc02", "10.0.0.2", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1, h2), sshexec.NewMock())

	op, err := e.ExecuteDirectCommands(context.Background(), Filter{Hostgroup: "lab1"}, "start:1")
	if err != nil {
		t.Fatalf("ExecuteDirectCommands: %v", err)
	}

	final := waitForTerminal(t, e, op.ID)
	if final.Status != model.OpCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Stats.Success != 2 {
		t.Fatalf("stats = %+v, want 2 successes", final.Stats)
	}
}

func TestExecuteDirectCommandsPartialFailure(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	h2 := testHost("AA:BB:CC:DD:EE:02", "pc02", "10.0.0.2", "lab1")
	ssh := sshexec.NewMock()
	ssh.Unreachable["10.0.0.2"] = true
	e, _ := newTestEngine(t, newFakeHosts(h1, h2), ssh)

	op, err := e.ExecuteDirectCommands(context.Background(), Filter{Hostgroup: "lab1"}, "reboot")
	if err != nil {
		t.Fatalf("ExecuteDirectCommands: %v", err)
	}

	final := waitForTerminal(t, e, op.ID)
	if final.Status != model.OpCompletedWithErrors {
		t.Fatalf("final status = %s, want completed_with_errors", final.Status)
	}
	if final.Stats.Success != 1 || final.Stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 success, 1 failure", final.Stats)
	}
}

func TestCancelOperationMarksQueuedSessionsCancelled(t *testing.T) {
	hosts := make([]*model.Host, 0, 10)
	for i := 0; i < 10; i++ {
		hosts = append(hosts, testHost(
			"AA:BB:CC:DD:EE:0"+string(rune('0'+i)),
			"pc"+string(rune('0'+i)),
			"10.0.0."+string(rune('0'+i)),
			"lab1",
		))
	}
	e, _ := newTestEngine(t, newFakeHosts(hosts...), sshexec.NewMock())
	e.maxConc = 1 // force most sessions to stay queued long enough to cancel

	op, err := e.ExecuteDirectCommands(context.Background(), Filter{Hostgroup: "lab1"}, "halt")
	if err != nil {
		t.Fatalf("ExecuteDirectCommands: %v", err)
	}

	cancelled, err := e.CancelOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if cancelled.Status != model.OpCancelling {
		t.Fatalf("status after cancel = %s, want cancelling", cancelled.Status)
	}

	final := waitForTerminal(t, e, op.ID)
	if final.Stats.Cancelled == 0 {
		t.Fatalf("stats = %+v, want at least one cancelled session", final.Stats)
	}
}

func TestCancelOperationRejectsTerminal(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1), sshexec.NewMock())

	op, err := e.ExecuteDirectCommands(context.Background(), Filter{Hostgroup: "lab1"}, "halt")
	if err != nil {
		t.Fatalf("ExecuteDirectCommands: %v", err)
	}
	waitForTerminal(t, e, op.ID)

	if _, err := e.CancelOperation(context.Background(), op.ID); !ctrlerr.Is(err, ctrlerr.KindConflict) {
		t.Fatalf("CancelOperation error = %v, want Conflict", err)
	}
}

func TestCancelOperationUnknownIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	if _, err := e.CancelOperation(context.Background(), "does-not-exist"); !ctrlerr.Is(err, ctrlerr.KindNotFound) {
		t.Fatalf("CancelOperation error = %v, want NotFound", err)
	}
}

func TestScheduleOnbootCommandsWritesFile(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1), sshexec.NewMock())

	op, err := e.ScheduleOnbootCommands(context.Background(), Filter{Hostgroup: "lab1"}, "noauto,start:1")
	if err != nil {
		t.Fatalf("ScheduleOnbootCommands: %v", err)
	}
	if op.Status != model.OpCompleted {
		t.Fatalf("status = %s, want completed", op.Status)
	}
	if op.Stats.Success != 1 {
		t.Fatalf("stats = %+v, want 1 success", op.Stats)
	}
}

func TestScheduleOnbootCommandsRejectsBadHostname(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "../etc", "10.0.0.1", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1), sshexec.NewMock())

	op, err := e.ScheduleOnbootCommands(context.Background(), Filter{Hostgroup: "lab1"}, "start:1")
	if err != nil {
		t.Fatalf("ScheduleOnbootCommands: %v", err)
	}
	if op.Stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failure for the unsafe hostname", op.Stats)
	}
}

func TestWakeHostsChainsDirectCommand(t *testing.T) {
	h1 := testHost("AA:BB:CC:DD:EE:01", "pc01", "10.0.0.1", "lab1")
	e, _ := newTestEngine(t, newFakeHosts(h1), sshexec.NewMock())

	op, err := e.WakeHosts(context.Background(), Filter{Hostgroup: "lab1"}, WakeOptions{ChainCommand: "start:1"})
	if err != nil {
		t.Fatalf("WakeHosts: %v", err)
	}
	if op.Type != model.OpDirect {
		t.Fatalf("chained operation type = %s, want direct", op.Type)
	}
	waitForTerminal(t, e, op.ID)
}

func TestProvisionHostDedupesInFlightJob(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	req := ProvisionRequest{Action: ProvisionCreate, HostID: "h-1", Hostname: "pc01"}
	op1, err := e.ProvisionHost(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvisionHost: %v", err)
	}
	op2, err := e.ProvisionHost(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvisionHost (dup): %v", err)
	}
	if op1.ID != op2.ID {
		t.Fatalf("expected dedup to return the same operation, got %s and %s", op1.ID, op2.ID)
	}
}

func TestRetryOrDeadLetterMarksOperationFailedAfterBudget(t *testing.T) {
	e, store := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	req := ProvisionRequest{Action: ProvisionCreate, HostID: "h-2", Hostname: "pc02"}
	op, err := e.ProvisionHost(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvisionHost: %v", err)
	}

	job := provisionJob{ID: "job-1", Request: req, Attempt: provisionMaxRetry}
	if err := e.RetryOrDeadLetter(context.Background(), op.ID, job); err != nil {
		t.Fatalf("RetryOrDeadLetter: %v", err)
	}

	final, err := e.Get(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != model.OpFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	n, err := store.LLen(context.Background(), indexKey)
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected the operation index to record the provisioning operation")
	}
}

func TestOperationIndexEvictsOldestBeyondCap(t *testing.T) {
	e, store := newTestEngine(t, newFakeHosts(), sshexec.NewMock())

	for i := 0; i < maxIndexSize+5; i++ {
		op := e.newOperation(model.OpWakeHosts, nil, nil)
		if err := e.persistNew(context.Background(), op); err != nil {
			t.Fatalf("persistNew: %v", err)
		}
	}

	n, err := store.LLen(context.Background(), indexKey)
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != maxIndexSize {
		t.Fatalf("index length = %d, want %d", n, maxIndexSize)
	}
}

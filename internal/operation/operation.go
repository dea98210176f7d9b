// Package operation implements the Remote Operation Engine: it resolves a
// host filter against the synced host set, validates a command grammar,
// and fans commands out over SSH with bounded concurrency, tracking
// progress and per-host sessions in the key/value store.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
	"github.com/linuxmuster-net/linbo-ctrl/internal/sshexec"
	"github.com/linuxmuster-net/linbo-ctrl/internal/wol"
)

const (
	keyPrefix    = "operation:"
	indexKey     = "operation:index"
	maxIndexSize = 200

	defaultSSHPort = 22
)

// HostLister is the read surface the Operation Engine needs from the Sync
// & Reconciliation Engine, satisfied by *syncengine.Engine.
type HostLister interface {
	Hosts(ctx context.Context) ([]*model.Host, error)
	HostByMAC(ctx context.Context, mac string) (*model.Host, error)
}

// runningOp tracks an Operation's in-memory state while its fan-out
// goroutines are active, so CancelOperation can flip still-queued sessions
// without waiting on the store round-trip.
type runningOp struct {
	mu sync.Mutex
	op *model.Operation
}

// Engine is the Remote Operation Engine.
type Engine struct {
	store      kv.Store
	ssh        sshexec.Executor
	hosts      HostLister
	bus        *eventbus.Bus
	linboDir   string
	maxConc    int
	sshTimeout time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	running map[string]*runningOp
}

// Config bundles Engine's construction parameters.
type Config struct {
	Store          kv.Store
	SSH            sshexec.Executor
	Hosts          HostLister
	Bus            *eventbus.Bus
	LinboDir       string
	MaxConcurrency int
	SSHTimeout     time.Duration
	Logger         *log.Logger
}

// New builds an Engine from cfg, applying sane defaults for zero values.
func New(cfg Config) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 20
	}
	if cfg.SSHTimeout <= 0 {
		cfg.SSHTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Engine{
		store:      cfg.Store,
		ssh:        cfg.SSH,
		hosts:      cfg.Hosts,
		bus:        cfg.Bus,
		linboDir:   cfg.LinboDir,
		maxConc:    cfg.MaxConcurrency,
		sshTimeout: cfg.SSHTimeout,
		logger:     cfg.Logger,
		running:    make(map[string]*runningOp),
	}
}

// ExecuteDirectCommands resolves filter, validates cmdString, and fans the
// resulting command string out over SSH to every matched host. It returns
// immediately with the created Operation in pending/running state; the
// fan-out continues in the background.
func (e *Engine) ExecuteDirectCommands(ctx context.Context, filter Filter, cmdString string) (*model.Operation, error) {
	hosts, err := e.ResolveHosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	flags, commands, err := ParseCommand(cmdString)
	if err != nil {
		return nil, err
	}
	formatted := FormatCommand(flags, commands)

	op := e.newOperation(model.OpDirect, hosts, commands)
	if err := e.persistNew(ctx, op); err != nil {
		return nil, err
	}

	run := &runningOp{op: cloneOperation(op)}
	e.mu.Lock()
	e.running[op.ID] = run
	e.mu.Unlock()

	go e.runFanout(context.Background(), run, hosts, formatted)

	return op, nil
}

// ScheduleOnbootCommands resolves filter, validates cmdString, and writes a
// linbocmd file for each matched host. Unlike ExecuteDirectCommands this
// completes synchronously: writing a file is fast and has no partial
// in-flight state worth reporting as "running".
func (e *Engine) ScheduleOnbootCommands(ctx context.Context, filter Filter, cmdString string) (*model.Operation, error) {
	hosts, err := e.ResolveHosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	flags, commands, err := ParseCommand(cmdString)
	if err != nil {
		return nil, err
	}
	formatted := FormatCommand(flags, commands)

	op := e.newOperation(model.OpScheduleOnboot, hosts, commands)
	op.StartedAt = time.Now().UTC()

	for _, h := range hosts {
		sess := op.Sessions[h.Hostname]
		if err := e.writeOnbootFile(h.Hostname, formatted); err != nil {
			sess.Status = model.SessionFailed
			sess.Error = err.Error()
			op.Stats.Failed++
		} else {
			sess.Status = model.SessionSuccess
			op.Stats.Success++
		}
		sess.CompletedAt = time.Now().UTC()
		op.Sessions[h.Hostname] = sess
	}

	e.finishSync(ctx, op)
	return op, nil
}

// WakeOptions controls the wake-and-execute flavour of WakeHosts.
type WakeOptions struct {
	// ChainCommand, if non-empty, is validated and dispatched against the
	// same filter immediately after the wake packets are sent.
	ChainCommand string
	// ChainOnboot routes ChainCommand through ScheduleOnbootCommands
	// instead of ExecuteDirectCommands.
	ChainOnboot bool
}

// WakeHosts sends a Wake-on-LAN magic packet to every host matched by
// filter, optionally chaining a direct or onboot command dispatch once the
// packets are away.
func (e *Engine) WakeHosts(ctx context.Context, filter Filter, opts WakeOptions) (*model.Operation, error) {
	hosts, err := e.ResolveHosts(ctx, filter)
	if err != nil {
		return nil, err
	}

	op := e.newOperation(model.OpWakeHosts, hosts, nil)
	op.StartedAt = time.Now().UTC()

	for _, h := range hosts {
		sess := op.Sessions[h.Hostname]
		if err := wol.Send(h.MAC, wol.Options{}); err != nil {
			sess.Status = model.SessionFailed
			sess.Error = err.Error()
			op.Stats.Failed++
		} else {
			sess.Status = model.SessionSuccess
			op.Stats.Success++
		}
		sess.CompletedAt = time.Now().UTC()
		op.Sessions[h.Hostname] = sess
	}

	e.finishSync(ctx, op)

	if opts.ChainCommand != "" {
		if opts.ChainOnboot {
			return e.ScheduleOnbootCommands(ctx, filter, opts.ChainCommand)
		}
		return e.ExecuteDirectCommands(ctx, filter, opts.ChainCommand)
	}
	return op, nil
}

// Get returns the Operation identified by id, or nil if unknown.
func (e *Engine) Get(ctx context.Context, id string) (*model.Operation, error) {
	v, ok, err := e.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading operation %s", id)
	}
	if !ok {
		return nil, nil
	}
	var op model.Operation
	if err := json.Unmarshal([]byte(v), &op); err != nil {
		return nil, ctrlerr.WrapInternal(err, "decoding operation %s", id)
	}
	return &op, nil
}

// List returns the most recently created operations, newest first, capped
// at maxIndexSize entries.
func (e *Engine) List(ctx context.Context) ([]*model.Operation, error) {
	ids, err := e.store.LRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "listing operations")
	}
	ops := make([]*model.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// CancelOperation requests cancellation of a non-terminal operation.
// Already-queued sessions are marked cancelled immediately; sessions
// already running are left to finish naturally and counted at whatever
// status they land on.
func (e *Engine) CancelOperation(ctx context.Context, id string) (*model.Operation, error) {
	e.mu.Lock()
	run, tracked := e.running[id]
	e.mu.Unlock()

	if !tracked {
		op, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op == nil {
			return nil, ctrlerr.NotFound("operation %s not found", id)
		}
		if op.Status.Terminal() {
			return nil, ctrlerr.Conflict("operation %s is already terminal", id)
		}
		op.CancelRequested = true
		op.Status = model.OpCancelling
		if err := e.save(ctx, op); err != nil {
			return nil, err
		}
		return op, nil
	}

	run.mu.Lock()
	if run.op.Status.Terminal() {
		run.mu.Unlock()
		return nil, ctrlerr.Conflict("operation %s is already terminal", id)
	}
	run.op.CancelRequested = true
	run.op.Status = model.OpCancelling
	for hostname, sess := range run.op.Sessions {
		if sess.Status == model.SessionQueued {
			sess.Status = model.SessionCancelled
			sess.CompletedAt = time.Now().UTC()
			run.op.Sessions[hostname] = sess
			run.op.Stats.Cancelled++
		}
	}
	snapshot := cloneOperation(run.op)
	run.mu.Unlock()

	if err := e.save(ctx, snapshot); err != nil {
		return nil, err
	}
	e.bus.Broadcast(eventbus.TopicOperationCancelling, map[string]any{"operationId": id})
	return snapshot, nil
}

// newOperation builds a pending Operation over hosts, one queued Session
// per host.
func (e *Engine) newOperation(opType model.OperationType, hosts []*model.Host, commands []string) *model.Operation {
	op := &model.Operation{
		ID:          uuid.NewString(),
		Type:        opType,
		Status:      model.OpPending,
		Commands:    commands,
		TargetHosts: make([]string, 0, len(hosts)),
		CreatedAt:   time.Now().UTC(),
		Sessions:    make(map[string]model.Session, len(hosts)),
	}
	for _, h := range hosts {
		op.TargetHosts = append(op.TargetHosts, h.Hostname)
		op.Sessions[h.Hostname] = model.Session{MAC: h.MAC, IP: h.IP, Status: model.SessionQueued}
	}
	op.Stats.Total = len(hosts)
	return op
}

// persistNew saves op and appends it to the recency index.
func (e *Engine) persistNew(ctx context.Context, op *model.Operation) error {
	if err := e.save(ctx, op); err != nil {
		return err
	}
	if err := e.indexAdd(ctx, op.ID); err != nil {
		e.logger.Printf("indexing operation %s: %v", op.ID, err)
	}
	return nil
}

// finishSync stamps op as complete using FinalStatus, persists it, indexes
// it, and broadcasts completion; used by the two synchronous flavours
// (onboot scheduling, wake).
func (e *Engine) finishSync(ctx context.Context, op *model.Operation) {
	op.Status = op.FinalStatus()
	op.CompletedAt = time.Now().UTC()
	if op.Stats.Total > 0 {
		op.Progress = 100
	}
	if err := e.persistNew(ctx, op); err != nil {
		e.logger.Printf("persisting operation %s: %v", op.ID, err)
	}
	e.bus.Broadcast(eventbus.TopicOperationCompleted, map[string]any{"operationId": op.ID, "status": op.Status})
}

func (e *Engine) save(ctx context.Context, op *model.Operation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return ctrlerr.WrapInternal(err, "encoding operation %s", op.ID)
	}
	if err := e.store.Set(ctx, keyPrefix+op.ID, string(b)); err != nil {
		return ctrlerr.WrapInternal(err, "persisting operation %s", op.ID)
	}
	return nil
}

// indexAdd pushes id onto the recency index, evicting from the tail once
// the index exceeds maxIndexSize. kv.Store has no LTrim, so eviction is
// done with repeated RPop.
func (e *Engine) indexAdd(ctx context.Context, id string) error {
	if err := e.store.LPush(ctx, indexKey, id); err != nil {
		return err
	}
	n, err := e.store.LLen(ctx, indexKey)
	if err != nil {
		return err
	}
	for ; n > maxIndexSize; n-- {
		if _, _, err := e.store.RPop(ctx, indexKey); err != nil {
			return err
		}
	}
	return nil
}

// runFanout drives the bounded-concurrency SSH fan-out for a direct
// command operation over a semaphore-bounded worker pool.
func (e *Engine) runFanout(ctx context.Context, run *runningOp, hosts []*model.Host, formattedCmd string) {
	run.mu.Lock()
	run.op.Status = model.OpRunning
	run.op.StartedAt = time.Now().UTC()
	snapshot := cloneOperation(run.op)
	run.mu.Unlock()

	if err := e.save(ctx, snapshot); err != nil {
		e.logger.Printf("persisting operation %s start: %v", snapshot.ID, err)
	}
	e.bus.Broadcast(eventbus.TopicOperationStarted, map[string]any{"operationId": snapshot.ID})

	sem := make(chan struct{}, e.maxConc)
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h *model.Host) {
			defer wg.Done()

			run.mu.Lock()
			cancelled := run.op.CancelRequested
			run.mu.Unlock()
			if cancelled {
				e.completeSession(ctx, run, h.Hostname, model.SessionCancelled, "")
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			e.runHost(ctx, run, h, formattedCmd)
		}(h)
	}
	wg.Wait()

	e.finalize(ctx, run)
}

func (e *Engine) runHost(ctx context.Context, run *runningOp, h *model.Host, formattedCmd string) {
	run.mu.Lock()
	cancelled := run.op.CancelRequested
	run.mu.Unlock()
	if cancelled {
		e.completeSession(ctx, run, h.Hostname, model.SessionCancelled, "")
		return
	}

	if h.IP == "" {
		e.completeSession(ctx, run, h.Hostname, model.SessionFailed, "no IP address")
		return
	}

	e.setSessionRunning(ctx, run, h.Hostname)

	target := sshexec.Target{Host: h.IP, Port: defaultSSHPort}
	if !e.ssh.TestConnection(ctx, target) {
		e.completeSession(ctx, run, h.Hostname, model.SessionFailed, "host not reachable")
		return
	}

	cmd := fmt.Sprintf("linbo_wrapper %s", formattedCmd)
	result, err := e.ssh.Execute(ctx, target, cmd, e.sshTimeout)
	if err != nil {
		e.completeSession(ctx, run, h.Hostname, model.SessionFailed, err.Error())
		return
	}
	if result.ExitCode != 0 {
		e.completeSession(ctx, run, h.Hostname, model.SessionFailed, strings.TrimSpace(result.Stderr))
		return
	}
	e.completeSession(ctx, run, h.Hostname, model.SessionSuccess, "")
}

func (e *Engine) setSessionRunning(ctx context.Context, run *runningOp, hostname string) {
	run.mu.Lock()
	sess := run.op.Sessions[hostname]
	sess.Status = model.SessionRunning
	sess.StartedAt = time.Now().UTC()
	run.op.Sessions[hostname] = sess
	snapshot := cloneOperation(run.op)
	run.mu.Unlock()

	if err := e.save(ctx, snapshot); err != nil {
		e.logger.Printf("persisting operation %s session %s: %v", snapshot.ID, hostname, err)
	}
	e.bus.Broadcast(eventbus.TopicSessionUpdated, map[string]any{"operationId": snapshot.ID, "hostname": hostname})
}

func (e *Engine) completeSession(ctx context.Context, run *runningOp, hostname string, status model.SessionStatus, errMsg string) {
	run.mu.Lock()
	sess := run.op.Sessions[hostname]
	if sess.Status.Terminal() {
		// Already settled, e.g. flipped to cancelled by CancelOperation
		// before this worker observed the flag.
		run.mu.Unlock()
		return
	}
	sess.Status = status
	sess.Error = errMsg
	sess.CompletedAt = time.Now().UTC()
	run.op.Sessions[hostname] = sess

	switch status {
	case model.SessionSuccess:
		run.op.Stats.Success++
	case model.SessionFailed:
		run.op.Stats.Failed++
	case model.SessionCancelled:
		run.op.Stats.Cancelled++
	}
	done := run.op.Stats.Success + run.op.Stats.Failed + run.op.Stats.Cancelled
	if run.op.Stats.Total > 0 {
		run.op.Progress = done * 100 / run.op.Stats.Total
	}
	snapshot := cloneOperation(run.op)
	run.mu.Unlock()

	if err := e.save(ctx, snapshot); err != nil {
		e.logger.Printf("persisting operation %s session %s: %v", snapshot.ID, hostname, err)
	}
	e.bus.Broadcast(eventbus.TopicOperationProgress, map[string]any{
		"operationId": snapshot.ID,
		"progress":    snapshot.Progress,
		"stats":       snapshot.Stats,
	})
}

func (e *Engine) finalize(ctx context.Context, run *runningOp) {
	run.mu.Lock()
	run.op.Status = run.op.FinalStatus()
	run.op.CompletedAt = time.Now().UTC()
	snapshot := cloneOperation(run.op)
	run.mu.Unlock()

	if err := e.save(ctx, snapshot); err != nil {
		e.logger.Printf("persisting operation %s completion: %v", snapshot.ID, err)
	}
	e.bus.Broadcast(eventbus.TopicOperationCompleted, map[string]any{"operationId": snapshot.ID, "status": snapshot.Status})

	e.mu.Lock()
	delete(e.running, snapshot.ID)
	e.mu.Unlock()
}

func cloneOperation(op *model.Operation) *model.Operation {
	cp := *op
	cp.Sessions = make(map[string]model.Session, len(op.Sessions))
	for k, v := range op.Sessions {
		cp.Sessions[k] = v
	}
	cp.Commands = append([]string(nil), op.Commands...)
	cp.TargetHosts = append([]string(nil), op.TargetHosts...)
	return &cp
}

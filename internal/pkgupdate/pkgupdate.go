// Package pkgupdate implements the LINBO Package Updater: it downloads a
// Debian package from an APT repository, verifies its SHA-256 digest,
// extracts and provisions it, rebuilds the boot initramfs, and regenerates
// the GRUB tree, all serialized by a heartbeating distributed lock.
// The lock is refreshed by a heartbeat goroutine since an update can
// outlive a single TTL window.
package pkgupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/grub"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

const (
	lockKey        = "linbo:update:lock"
	statusKey      = "linbo:update:status"
	kernelStateKey = "linbo:kernel:state"

	lockTTL           = 120 * time.Second
	heartbeatInterval = 30 * time.Second
	progressInterval  = 2 * time.Second

	packageName          = "linuxmuster-linbo7"
	rebuildTimeout       = 300 * time.Second
	defaultKernelVariant = "stable"

	phasePreflight    = 0
	phaseDownloadFrom = 0
	phaseDownloadTo   = 60
	phaseVerifying    = 62
	phaseExtracting   = 65
	phaseProvFrom     = 70
	phaseProvTo       = 78
	phaseRebuild1     = 85
	phaseRebuild2     = 90
	phaseGrubDone     = 95
	phaseDone         = 100
)

// ConfigLister is the read surface needed to regenerate GRUB after a
// successful update, satisfied by *syncengine.Engine.
type ConfigLister interface {
	Hosts(ctx context.Context) ([]*model.Host, error)
	Configs(ctx context.Context) ([]*model.Config, error)
}

// Engine is the Package Updater.
type Engine struct {
	LinboDir            string
	DebBaseURL          string
	DebDist             string
	UpdateLinbofsScript string

	store  kv.Store
	bus    *eventbus.Bus
	grub   *grub.Generator
	lister ConfigLister
	http   *http.Client
	logger *log.Logger

	mu           sync.Mutex
	cancel       context.CancelFunc
	runID        string
	lastProgress time.Time
	// rebuildActive is the in-process half of the rebuild bookkeeping: a
	// persisted KernelState of "running" without this flag set means the
	// rebuild belongs to a process that no longer exists.
	rebuildActive bool
}

// New constructs an Engine.
func New(linboDir, debBaseURL, debDist, updateLinbofsScript string, store kv.Store, bus *eventbus.Bus, g *grub.Generator, lister ConfigLister) *Engine {
	return &Engine{
		LinboDir:            linboDir,
		DebBaseURL:          debBaseURL,
		DebDist:             debDist,
		UpdateLinbofsScript: updateLinbofsScript,
		store:               store,
		bus:                 bus,
		grub:                g,
		lister:              lister,
		http:                &http.Client{},
		logger:              log.New(os.Stderr, "[pkgupdate] ", log.LstdFlags),
	}
}

// Status returns the current update status record.
func (e *Engine) Status(ctx context.Context) (*model.UpdateStatus, error) {
	fields, err := e.store.HGetAll(ctx, statusKey)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading update status")
	}
	if len(fields) == 0 {
		return &model.UpdateStatus{Status: model.UpdatePhaseDone, Progress: 0}, nil
	}
	return decodeStatus(fields), nil
}

// Trigger starts a package update run if one is not already in progress.
func (e *Engine) Trigger(ctx context.Context) (*model.UpdateStatus, error) {
	runID := uuid.NewString()
	acquired, err := e.store.SetNX(ctx, lockKey, runID, lockTTL)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "acquiring update lock")
	}
	if !acquired {
		return nil, ctrlerr.Conflict("an update is already in progress")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.runID = runID
	e.mu.Unlock()

	status := &model.UpdateStatus{Status: model.UpdatePhasePreflight, Progress: phasePreflight, RunID: runID, UpdatedAt: time.Now().UTC()}
	e.saveStatus(ctx, status, true)

	go e.heartbeat(runCtx, runID)
	go e.runUpdate(runCtx, runID, status)

	return status, nil
}

// Cancel aborts the in-flight update, if runID matches the active run (or
// if runID is empty, whichever run is active).
func (e *Engine) Cancel(ctx context.Context, runID string) (bool, error) {
	e.mu.Lock()
	active := e.runID
	cancel := e.cancel
	e.mu.Unlock()

	if active == "" || cancel == nil {
		return false, nil
	}
	if runID != "" && runID != active {
		return false, nil
	}
	cancel()
	return true, nil
}

func (e *Engine) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if holder, ok, err := e.store.Get(context.Background(), lockKey); err == nil && ok && holder == runID {
				e.store.Expire(context.Background(), lockKey, lockTTL)
			}
		}
	}
}

// runUpdate drives one update run end to end and always releases the lock.
func (e *Engine) runUpdate(ctx context.Context, runID string, status *model.UpdateStatus) {
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.runID = ""
		e.mu.Unlock()
		e.store.Del(context.Background(), lockKey)
	}()

	err := e.runPhases(ctx, runID, status)
	switch {
	case err == nil:
		status.Status = model.UpdatePhaseDone
		status.Progress = phaseDone
		status.Error = ""
	case ctx.Err() == context.Canceled:
		status.Status = model.UpdatePhaseCancelled
		status.Error = "cancelled"
	default:
		status.Status = model.UpdatePhaseFailed
		status.Error = err.Error()
	}
	e.saveStatus(context.Background(), status, true)
}

// runPhases executes preflight through cleanup, updating status as it goes.
// Errors propagate immediately except GRUB regeneration (step 7), which is
// logged but never fails the overall run.
func (e *Engine) runPhases(ctx context.Context, runID string, status *model.UpdateStatus) error {
	installed, available, err := e.checkVersions(ctx)
	if err != nil {
		return err
	}
	if available == nil {
		return ctrlerr.NotFound("no %s package available for %s", packageName, e.DebDist)
	}
	status.Version = available.Version
	e.report(ctx, status, model.UpdatePhasePreflight, phasePreflight, fmt.Sprintf("installed %s, available %s", installed, available.Version))

	tmpDir, err := os.MkdirTemp("", "linbo-update-")
	if err != nil {
		return ctrlerr.WrapInternal(err, "creating temp dir")
	}
	defer os.RemoveAll(tmpDir)

	if err := e.preflightDiskSpace(tmpDir, e.LinboDir, available.Size); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	debPath, err := e.downloadPackage(ctx, status, available, tmpDir)
	if err != nil {
		return err
	}

	e.report(ctx, status, model.UpdatePhaseVerifying, phaseVerifying, "checksum verified")

	e.report(ctx, status, model.UpdatePhaseExtracting, phaseExtracting, "extracting package")
	extractDir := tmpDir + "-extracted"
	if err := e.extractPackage(ctx, debPath, extractDir); err != nil {
		return err
	}
	defer os.RemoveAll(extractDir)

	if err := ctx.Err(); err != nil {
		return err
	}

	e.report(ctx, status, model.UpdatePhaseProvisioning, phaseProvFrom, "provisioning GUI and GRUB tree")
	if err := e.provisionGUIAndGrub(extractDir); err != nil {
		return err
	}

	setHash, err := e.provisionKernelVariants(extractDir)
	if err != nil {
		return err
	}
	e.report(ctx, status, model.UpdatePhaseProvisioning, phaseProvTo, fmt.Sprintf("kernel set %s active", setHash))

	if err := ctx.Err(); err != nil {
		return err
	}

	e.report(ctx, status, model.UpdatePhaseRebuilding, phaseRebuild1, "rebuilding initramfs")
	e.beginRebuild(ctx, runID)
	if err := e.rebuildInitramfs(ctx); err != nil {
		e.finishRebuild(ctx, runID, err)
		return err
	}
	e.finishRebuild(ctx, runID, nil)

	e.report(ctx, status, model.UpdatePhaseRebuilding, phaseRebuild2, "regenerating GRUB")
	if err := e.regenerateGrub(ctx); err != nil {
		e.logger.Printf("grub regeneration after update: %v", err)
	}
	e.report(ctx, status, model.UpdatePhaseDone, phaseGrubDone, "finalizing version")

	if err := e.finalizeVersion(extractDir); err != nil {
		return err
	}

	return nil
}

// report applies the progress-throttling rule: every update except a phase
// change is rate-limited to one broadcast per progressInterval.
func (e *Engine) report(ctx context.Context, status *model.UpdateStatus, phase model.UpdatePhase, progress int, message string) {
	phaseChanged := status.Status != phase
	status.Status = phase
	status.Progress = progress
	status.Message = message
	status.UpdatedAt = time.Now().UTC()

	if !phaseChanged && time.Since(e.lastProgress) < progressInterval {
		e.saveStatus(ctx, status, false)
		return
	}
	e.lastProgress = time.Now()
	e.saveStatus(ctx, status, true)
}

func (e *Engine) saveStatus(ctx context.Context, status *model.UpdateStatus, broadcast bool) {
	fields := map[string]string{
		"status":    string(status.Status),
		"progress":  fmt.Sprintf("%d", status.Progress),
		"message":   status.Message,
		"version":   status.Version,
		"runId":     status.RunID,
		"updatedAt": status.UpdatedAt.Format(time.RFC3339),
		"error":     status.Error,
	}
	if err := e.store.HSet(ctx, statusKey, fields); err != nil {
		e.logger.Printf("saving update status: %v", err)
		return
	}
	if broadcast {
		e.bus.Broadcast(eventbus.TopicUpdateProgress, map[string]any{
			"status": status.Status, "progress": status.Progress, "message": status.Message,
			"version": status.Version, "runId": status.RunID, "error": status.Error,
		})
	}
}

// beginRebuild records the in-process flag and the persisted KernelState
// for a starting initramfs rebuild.
func (e *Engine) beginRebuild(ctx context.Context, runID string) {
	e.mu.Lock()
	e.rebuildActive = true
	e.mu.Unlock()

	ks, err := e.loadKernelState(ctx)
	if err != nil || ks == nil {
		ks = &model.KernelState{}
	}
	ks.RebuildStatus = model.KernelRebuildRunning
	ks.LastRequestedVariant = defaultKernelVariant
	ks.LastJobID = runID
	ks.LastError = ""
	if err := e.saveKernelState(ctx, ks); err != nil {
		e.logger.Printf("persisting kernel state: %v", err)
	}
}

// finishRebuild clears the in-process flag and settles the persisted
// KernelState; on success the active variant and switch time are recorded.
func (e *Engine) finishRebuild(ctx context.Context, runID string, rebuildErr error) {
	e.mu.Lock()
	e.rebuildActive = false
	e.mu.Unlock()

	ks, err := e.loadKernelState(ctx)
	if err != nil || ks == nil {
		ks = &model.KernelState{LastRequestedVariant: defaultKernelVariant}
	}
	ks.LastJobID = runID
	if rebuildErr != nil {
		ks.RebuildStatus = model.KernelRebuildFailed
		ks.LastError = rebuildErr.Error()
	} else {
		ks.RebuildStatus = model.KernelRebuildCompleted
		ks.LastSuccessfulVariant = defaultKernelVariant
		ks.LastSwitchAt = time.Now().UTC()
		ks.LastError = ""
	}
	if err := e.saveKernelState(ctx, ks); err != nil {
		e.logger.Printf("persisting kernel state: %v", err)
	}
}

func (e *Engine) loadKernelState(ctx context.Context) (*model.KernelState, error) {
	v, ok, err := e.store.Get(ctx, kernelStateKey)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading kernel state")
	}
	if !ok {
		return nil, nil
	}
	var ks model.KernelState
	if err := json.Unmarshal([]byte(v), &ks); err != nil {
		return nil, ctrlerr.WrapInternal(err, "decoding kernel state")
	}
	return &ks, nil
}

func (e *Engine) saveKernelState(ctx context.Context, ks *model.KernelState) error {
	b, err := json.Marshal(ks)
	if err != nil {
		return ctrlerr.WrapInternal(err, "encoding kernel state")
	}
	if err := e.store.Set(ctx, kernelStateKey, string(b)); err != nil {
		return ctrlerr.WrapInternal(err, "persisting kernel state")
	}
	return nil
}

// RecoverOnStartup reconciles state left behind by a process that died
// mid-update: a status hash stuck in a non-terminal phase is marked
// failed, the lock is cleared, and a kernel rebuild persisted as running
// by a process that did not originate it is rewritten to failed with
// reason "interrupted".
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	st, err := e.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Status.Terminal() {
		st.Status = model.UpdatePhaseFailed
		st.Error = "interrupted"
		st.UpdatedAt = time.Now().UTC()
		e.saveStatus(ctx, st, true)
	}
	if err := e.store.Del(ctx, lockKey); err != nil {
		return ctrlerr.WrapInternal(err, "clearing update lock")
	}

	ks, err := e.loadKernelState(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	active := e.rebuildActive
	e.mu.Unlock()
	if ks != nil && ks.RebuildStatus == model.KernelRebuildRunning && !active {
		ks.RebuildStatus = model.KernelRebuildFailed
		ks.LastError = "interrupted"
		if err := e.saveKernelState(ctx, ks); err != nil {
			return err
		}
	}
	return nil
}

func decodeStatus(fields map[string]string) *model.UpdateStatus {
	s := &model.UpdateStatus{
		Status:  model.UpdatePhase(fields["status"]),
		Message: fields["message"],
		Version: fields["version"],
		RunID:   fields["runId"],
		Error:   fields["error"],
	}
	fmt.Sscanf(fields["progress"], "%d", &s.Progress)
	if ts, err := time.Parse(time.RFC3339, fields["updatedAt"]); err == nil {
		s.UpdatedAt = ts
	}
	return s
}

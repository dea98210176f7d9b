// Package imagesync implements the Image Sync Engine: a single-writer
// download worker with HTTP Range resume, ETag/If-Range re-validation,
// MD5 verification, bandwidth throttling, atomic directory swap, and a
// Redis-backed job queue with crash recovery. One download runs at a
// time; the rest queue FIFO behind the lock holder.
package imagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/authority"
	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

const (
	keyLock          = "imgsync:lock"
	keyCurrent       = "imgsync:current"
	keyQueue         = "imgsync:queue"
	jobKeyPrefix     = "imgsync:job:"
	keyManifestCache = "imgsync:manifest_cache"

	lockTTL          = time.Hour
	jobTTL           = 24 * time.Hour
	manifestCacheTTL = 60 * time.Second

	progressInterval = 2 * time.Second
)

// Engine runs the single-writer image download worker.
type Engine struct {
	LinboDir    string
	BwLimitMbps int

	authority *authority.Client
	store     kv.Store
	bus       *eventbus.Bus
	logger    *log.Logger

	mu            sync.Mutex
	cancelCurrent context.CancelFunc
	currentJobID  string
}

// New constructs an Engine. bwLimitMbps <= 0 disables the bandwidth cap.
func New(linboDir string, bwLimitMbps int, client *authority.Client, store kv.Store, bus *eventbus.Bus) *Engine {
	return &Engine{
		LinboDir:    linboDir,
		BwLimitMbps: bwLimitMbps,
		authority:   client,
		store:       store,
		bus:         bus,
		logger:      log.New(os.Stderr, "[imagesync] ", log.LstdFlags),
	}
}

func (e *Engine) imagesDir() string           { return filepath.Join(e.LinboDir, "images") }
func (e *Engine) incomingDir(name string) string {
	return filepath.Join(e.imagesDir(), ".incoming", name)
}
func (e *Engine) finalDir(name string) string { return filepath.Join(e.imagesDir(), name) }

func newJobID() string {
	return fmt.Sprintf("img_%d_%04x", time.Now().UnixNano(), rand.Intn(1<<16))
}

// PullImage creates a job for imageName and either starts it immediately
// (lock acquired) or enqueues it behind the current download.
func (e *Engine) PullImage(ctx context.Context, imageName string) (*model.ImageJob, error) {
	job := &model.ImageJob{
		ID:        newJobID(),
		ImageName: imageName,
		Status:    model.ImageJobQueued,
		QueuedAt:  time.Now().UTC(),
	}
	if err := e.saveJob(ctx, job); err != nil {
		return nil, err
	}

	acquired, err := e.store.SetNX(ctx, keyLock, job.ID, lockTTL)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "acquiring image sync lock")
	}
	if acquired {
		e.store.Set(ctx, keyCurrent, job.ID)
		go e.runWorker(context.Background(), job.ID)
	} else {
		if err := e.store.RPush(ctx, keyQueue, job.ID); err != nil {
			return nil, ctrlerr.WrapInternal(err, "enqueueing image job")
		}
	}
	return job, nil
}

// CancelJob cancels a running or queued job. Returns cancelled=false for
// an unknown id.
func (e *Engine) CancelJob(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	if e.currentJobID == id && e.cancelCurrent != nil {
		cancel := e.cancelCurrent
		e.mu.Unlock()
		cancel()
		return true, nil
	}
	e.mu.Unlock()

	queued, err := e.store.LRange(ctx, keyQueue, 0, -1)
	if err != nil {
		return false, ctrlerr.WrapInternal(err, "reading image queue")
	}
	for _, qid := range queued {
		if qid == id {
			if err := e.store.LRem(ctx, keyQueue, 1, id); err != nil {
				return false, ctrlerr.WrapInternal(err, "dequeueing image job")
			}
			job, err := e.GetJob(ctx, id)
			if err != nil {
				return false, err
			}
			if job != nil {
				job.Status = model.ImageJobCancelled
				e.saveJob(ctx, job)
				e.bus.Broadcast(eventbus.TopicImageSyncCompleted, map[string]any{"jobId": id, "status": job.Status})
			}
			return true, nil
		}
	}
	return false, nil
}

// GetJob returns the job identified by id, or nil if unknown/expired.
func (e *Engine) GetJob(ctx context.Context, id string) (*model.ImageJob, error) {
	v, ok, err := e.store.Get(ctx, jobKeyPrefix+id)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading image job %s", id)
	}
	if !ok {
		return nil, nil
	}
	var job model.ImageJob
	if err := json.Unmarshal([]byte(v), &job); err != nil {
		return nil, ctrlerr.WrapInternal(err, "decoding image job %s", id)
	}
	return &job, nil
}

func (e *Engine) saveJob(ctx context.Context, job *model.ImageJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return ctrlerr.WrapInternal(err, "encoding image job %s", job.ID)
	}
	if err := e.store.SetEX(ctx, jobKeyPrefix+job.ID, string(b), jobTTL); err != nil {
		return ctrlerr.WrapInternal(err, "persisting image job %s", job.ID)
	}
	return nil
}

// runWorker drives one job end to end, then releases the lock and kicks
// the next queued job, if any.
func (e *Engine) runWorker(parentCtx context.Context, jobID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	e.mu.Lock()
	e.cancelCurrent = cancel
	e.currentJobID = jobID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cancelCurrent = nil
		e.currentJobID = ""
		e.mu.Unlock()
		cancel()
		e.store.Del(context.Background(), keyLock, keyCurrent)
		e.popNext(context.Background())
	}()

	job, err := e.GetJob(ctx, jobID)
	if err != nil || job == nil {
		e.logger.Printf("loading job %s: %v", jobID, err)
		return
	}

	job.Status = model.ImageJobDownloading
	job.StartedAt = time.Now().UTC()
	e.saveJob(ctx, job)
	e.store.Set(ctx, keyCurrent, job.ID)

	err = e.runPull(ctx, job)
	switch {
	case err == nil:
		job.Status = model.ImageJobCompleted
		job.Progress = 100
	case ctx.Err() == context.Canceled:
		job.Status = model.ImageJobCancelled
	default:
		job.Status = model.ImageJobFailed
		job.Error = err.Error()
	}
	e.saveJob(context.Background(), job)

	topic := eventbus.TopicImageSyncCompleted
	e.bus.Broadcast(topic, map[string]any{"jobId": job.ID, "imageName": job.ImageName, "status": job.Status, "error": job.Error})
}

// popNext pops the next queued job id and starts it under the lock this
// worker just released, if the queue is non-empty.
func (e *Engine) popNext(ctx context.Context) {
	id, ok, err := e.store.LPop(ctx, keyQueue)
	if err != nil {
		e.logger.Printf("popping image queue: %v", err)
		return
	}
	if !ok {
		return
	}
	acquired, err := e.store.SetNX(ctx, keyLock, id, lockTTL)
	if err != nil || !acquired {
		return
	}
	e.store.Set(ctx, keyCurrent, id)
	go e.runWorker(context.Background(), id)
}

// RecoverOnStartup marks an orphaned running job as failed and clears
// stale lock state left by a container restart, then kicks the queue.
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	holder, ok, err := e.store.Get(ctx, keyLock)
	if err != nil {
		return ctrlerr.WrapInternal(err, "reading image sync lock")
	}
	if ok && holder != "" {
		if job, err := e.GetJob(ctx, holder); err == nil && job != nil {
			job.Status = model.ImageJobFailed
			job.Error = "Container restarted"
			e.saveJob(ctx, job)
		}
	}
	if err := e.store.Del(ctx, keyLock, keyCurrent); err != nil {
		return ctrlerr.WrapInternal(err, "clearing image sync lock")
	}
	e.popNext(ctx)
	return nil
}

func (e *Engine) getManifest(ctx context.Context) ([]authority.ImageManifestEntry, error) {
	if cached, ok, err := e.store.Get(ctx, keyManifestCache); err == nil && ok {
		var entries []authority.ImageManifestEntry
		if json.Unmarshal([]byte(cached), &entries) == nil {
			return entries, nil
		}
	}

	entries, err := e.authority.GetImageManifest(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(entries); err == nil {
		e.store.SetEX(ctx, keyManifestCache, string(b), manifestCacheTTL)
	}
	return entries, nil
}

func findManifestEntry(entries []authority.ImageManifestEntry, name string) *authority.ImageManifestEntry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

// primaryFile returns the name of entry's primary .qcow2 file.
func primaryFile(entry *authority.ImageManifestEntry) string {
	for _, f := range entry.Files {
		if strings.HasSuffix(f.Name, ".qcow2") {
			return f.Name
		}
	}
	return entry.Filename
}

// sortedLocalImageDirs lists the image directory names currently present
// under images/ (excluding the .incoming staging directory).
func (e *Engine) sortedLocalImageDirs() ([]string, error) {
	entries, err := os.ReadDir(e.imagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() && ent.Name() != ".incoming" {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

const (
	provisionStream   = "linbo:jobs"
	provisionDLQ      = "linbo:jobs:dlq"
	provisionMaxRetry = 3
	dedupKeyPrefix    = "operation:provision:dedup:"
	dedupTTL          = time.Hour
)

// ProvisionAction names the domain-controller action a provisioning job
// requests.
type ProvisionAction string

const (
	ProvisionCreate ProvisionAction = "create"
	ProvisionUpdate ProvisionAction = "update"
	ProvisionDelete ProvisionAction = "delete"
)

// ProvisionRequest is the input to the provisioning sub-flow: create,
// update, or delete a host record on the external domain controller,
// dispatched asynchronously via the linbo:jobs stream.
type ProvisionRequest struct {
	Action     ProvisionAction
	HostID     string
	Hostname   string
	MACAddress string
	School     string
}

// dedupKey identifies jobs that must not be double-enqueued: create/update
// dedup on (action, hostId); deletions, which may arrive before a hostId
// was ever assigned, dedup on (action, hostname, macAddress).
func (r ProvisionRequest) dedupKey() string {
	if r.Action == ProvisionDelete {
		return fmt.Sprintf("%s%s:%s:%s", dedupKeyPrefix, r.Action, r.Hostname, r.MACAddress)
	}
	return fmt.Sprintf("%s%s:%s", dedupKeyPrefix, r.Action, r.HostID)
}

// provisionJob is the retry bookkeeping record for one dispatch attempt.
type provisionJob struct {
	ID        string           `json:"id"`
	Request   ProvisionRequest `json:"request"`
	Attempt   int              `json:"attempt"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ProvisionHost dispatches req to the domain-controller sync worker. A
// non-terminal job already in flight for the same dedup key is returned
// instead of enqueuing a duplicate.
func (e *Engine) ProvisionHost(ctx context.Context, req ProvisionRequest) (*model.Operation, error) {
	key := req.dedupKey()

	if existingID, ok, err := e.store.Get(ctx, key); err != nil {
		return nil, ctrlerr.WrapInternal(err, "checking provisioning dedup key")
	} else if ok {
		if op, err := e.Get(ctx, existingID); err == nil && op != nil && !op.Status.Terminal() {
			return op, nil
		}
	}

	op := e.newOperation(model.OpProvisionHost, nil, nil)
	op.Status = model.OpRunning
	op.StartedAt = time.Now().UTC()
	op.Stats.Total = 1

	job := provisionJob{
		ID:        uuid.NewString(),
		Request:   req,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.publishProvisionJob(ctx, op.ID, job); err != nil {
		op.Status = model.OpFailed
		op.Stats.Failed = 1
		op.CompletedAt = time.Now().UTC()
		if perr := e.persistNew(ctx, op); perr != nil {
			e.logger.Printf("persisting failed provisioning operation %s: %v", op.ID, perr)
		}
		return nil, err
	}

	if err := e.persistNew(ctx, op); err != nil {
		return nil, err
	}
	if err := e.store.SetEX(ctx, key, op.ID, dedupTTL); err != nil {
		e.logger.Printf("recording provisioning dedup key %s: %v", key, err)
	}

	return op, nil
}

func (e *Engine) publishProvisionJob(ctx context.Context, operationID string, job provisionJob) (err error) {
	payload := map[string]string{
		"type":         "provision",
		"operation_id": operationID,
		"action":       string(job.Request.Action),
		"host_id":      job.Request.HostID,
		"hostname":     job.Request.Hostname,
		"mac_address":  job.Request.MACAddress,
		"school":       job.Request.School,
		"attempt":      fmt.Sprintf("%d", job.Attempt),
		"created_at":   job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, err = e.store.XAdd(ctx, provisionStream, payload); err != nil {
		return ctrlerr.WrapDependencyFailed(err, "publishing provisioning job")
	}
	return nil
}

// RetryOrDeadLetter re-enqueues job with an incremented attempt count, or,
// once the retry budget is exhausted, moves it to the dead-letter stream
// and marks its operation failed. It is the budget-tracking half of the
// provisioning sub-flow; the consumer side (the external domain-controller
// sync worker acking or reporting failure back) lives outside this
// repository.
func (e *Engine) RetryOrDeadLetter(ctx context.Context, operationID string, job provisionJob) error {
	if job.Attempt >= provisionMaxRetry {
		b, err := json.Marshal(job)
		if err != nil {
			return ctrlerr.WrapInternal(err, "encoding dead-lettered provisioning job")
		}
		if _, err := e.store.XAdd(ctx, provisionDLQ, map[string]string{"job": string(b)}); err != nil {
			return ctrlerr.WrapDependencyFailed(err, "dead-lettering provisioning job")
		}

		op, err := e.Get(ctx, operationID)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		op.Status = model.OpFailed
		op.Stats.Failed = 1
		op.CompletedAt = time.Now().UTC()
		if err := e.save(ctx, op); err != nil {
			return err
		}
		e.bus.Broadcast(eventbus.TopicOperationCompleted, map[string]any{"operationId": op.ID, "status": op.Status})
		return nil
	}

	job.Attempt++
	return e.publishProvisionJob(ctx, operationID, job)
}

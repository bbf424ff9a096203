// Package worker runs the per-bot leased job loops: the update worker drains
// telegram_update_jobs through the command handler, and the run worker
// executes cli_run_jobs against a CLI adapter.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/store"
)

const heartbeatIntervalMS = 5000

// UpdateHandler processes one raw update payload. *telegram.CommandHandler
// satisfies it.
type UpdateHandler interface {
	HandleUpdatePayload(ctx context.Context, payload map[string]any, nowMS int64) error
}

// UpdateWorkerConfig wires an UpdateWorker.
type UpdateWorkerConfig struct {
	BotID          string
	Store          store.Store
	Handler        UpdateHandler
	LeaseMS        int64
	PollIntervalMS int64
	Logger         *logger.Logger
}

// UpdateWorker leases telegram update jobs one at a time and dispatches them
// to the command handler.
type UpdateWorker struct {
	botID        string
	store        store.Store
	handler      UpdateHandler
	leaseMS      int64
	pollInterval time.Duration
	log          *logger.Logger
	owner        string
}

func NewUpdateWorker(cfg UpdateWorkerConfig) *UpdateWorker {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	leaseMS := cfg.LeaseMS
	if leaseMS <= 0 {
		leaseMS = 30_000
	}
	pollMS := cfg.PollIntervalMS
	if pollMS <= 0 {
		pollMS = 500
	}
	return &UpdateWorker{
		botID:        cfg.BotID,
		store:        cfg.Store,
		handler:      cfg.Handler,
		leaseMS:      leaseMS,
		pollInterval: time.Duration(pollMS) * time.Millisecond,
		log:          log.WithBotID(cfg.BotID),
		owner:        fmt.Sprintf("update-worker:%s:%d", cfg.BotID, os.Getpid()),
	}
}

// Run drives the lease loop until ctx is cancelled.
func (w *UpdateWorker) Run(ctx context.Context) error {
	var nextHeartbeatMS int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := nowMS()

		if now >= nextHeartbeatMS {
			if err := w.store.IncrementRuntimeMetric(ctx, w.botID, "worker_heartbeat.update_worker", now, 1); err != nil {
				w.log.WithError(err).Error("heartbeat metric failed")
			}
			nextHeartbeatMS = now + heartbeatIntervalMS
		}

		job, err := w.store.LeaseNextTelegramUpdateJob(ctx, w.botID, w.owner, now, w.leaseMS)
		if err != nil {
			w.log.WithError(err).Error("update worker lease failed")
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := w.processJob(ctx, job); err != nil {
			w.log.WithError(err).Error("update job processing failed",
				zap.String("job_id", job.ID), zap.Int64("update_id", job.UpdateID))
		}
	}
}

func (w *UpdateWorker) processJob(ctx context.Context, job *store.LeasedTelegramUpdateJob) error {
	stopRenew := startLeaseRenewal(ctx, w.leaseMS, func(renewCtx context.Context, now int64) error {
		return w.store.RenewTelegramUpdateJobLease(renewCtx, job.ID, now, w.leaseMS)
	})
	defer stopRenew()

	update, err := w.store.GetTelegramUpdate(ctx, w.botID, job.UpdateID)
	if err != nil {
		return w.failJob(ctx, job.ID, err.Error())
	}
	if update == nil {
		return w.failJob(ctx, job.ID, "missing telegram update row")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(update.PayloadJSON), &payload); err != nil {
		return w.failJob(ctx, job.ID, "invalid payload json: "+err.Error())
	}
	if payload == nil {
		return w.failJob(ctx, job.ID, "payload must be object")
	}

	if err := w.handler.HandleUpdatePayload(ctx, payload, nowMS()); err != nil {
		return w.failJob(ctx, job.ID, err.Error())
	}
	return w.store.CompleteTelegramUpdateJob(ctx, job.ID, nowMS())
}

func (w *UpdateWorker) failJob(ctx context.Context, jobID, errText string) error {
	return w.store.FailTelegramUpdateJob(ctx, jobID, nowMS(), store.Truncate(errText, store.MaxJobErrorLen))
}

// startLeaseRenewal renews the job lease at half the lease duration until the
// returned stop function is called.
func startLeaseRenewal(ctx context.Context, leaseMS int64, renew func(ctx context.Context, now int64) error) func() {
	interval := time.Duration(leaseMS/2) * time.Millisecond
	if interval < time.Second {
		interval = time.Second
	}

	renewCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = renew(renewCtx, nowMS())
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

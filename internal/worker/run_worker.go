package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/adapter"
	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/service"
	"github.com/tgbridge/tgbridge/internal/store"
)

// EventStreamer mirrors live events into the chat. *streaming.Streamer
// satisfies it.
type EventStreamer interface {
	AppendEvent(ctx context.Context, turnID, chatID string, event adapter.Event) error
	AppendDeliveryError(ctx context.Context, turnID, chatID, message string) error
	CloseTurn(turnID string)
}

// AdapterResolver maps a provider name to its adapter.
type AdapterResolver func(name string) (adapter.CliAdapter, error)

// RunWorkerConfig wires a RunWorker.
type RunWorkerConfig struct {
	BotID          string
	Store          store.Store
	Streamer       EventStreamer
	Artifacts      *ArtifactDeliverer
	Summaries      *service.SummaryService
	DefaultModels  map[string]string
	DefaultSandbox string
	Workdir        string
	LeaseMS        int64
	PollIntervalMS int64
	ResolveAdapter AdapterResolver
	Logger         *logger.Logger
}

// RunWorker leases CLI run jobs, executes the session's adapter, persists and
// streams the normalized events, and finalizes the turn.
type RunWorker struct {
	botID          string
	store          store.Store
	streamer       EventStreamer
	artifacts      *ArtifactDeliverer
	summaries      *service.SummaryService
	defaultModels  map[string]string
	defaultSandbox string
	workdir        string
	leaseMS        int64
	pollInterval   time.Duration
	resolveAdapter AdapterResolver
	log            *logger.Logger
	owner          string
}

func NewRunWorker(cfg RunWorkerConfig) *RunWorker {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	leaseMS := cfg.LeaseMS
	if leaseMS <= 0 {
		leaseMS = 60_000
	}
	pollMS := cfg.PollIntervalMS
	if pollMS <= 0 {
		pollMS = 500
	}
	resolve := cfg.ResolveAdapter
	if resolve == nil {
		resolve = adapter.Resolve
	}
	summaries := cfg.Summaries
	if summaries == nil {
		summaries = service.NewSummaryService()
	}
	return &RunWorker{
		botID:          cfg.BotID,
		store:          cfg.Store,
		streamer:       cfg.Streamer,
		artifacts:      cfg.Artifacts,
		summaries:      summaries,
		defaultModels:  cfg.DefaultModels,
		defaultSandbox: cfg.DefaultSandbox,
		workdir:        cfg.Workdir,
		leaseMS:        leaseMS,
		pollInterval:   time.Duration(pollMS) * time.Millisecond,
		resolveAdapter: resolve,
		log:            log.WithBotID(cfg.BotID),
		owner:          fmt.Sprintf("run-worker:%s:%d", cfg.BotID, os.Getpid()),
	}
}

// Run drives the lease loop until ctx is cancelled.
func (w *RunWorker) Run(ctx context.Context) error {
	var nextHeartbeatMS int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := nowMS()

		if now >= nextHeartbeatMS {
			if err := w.store.IncrementRuntimeMetric(ctx, w.botID, "worker_heartbeat.run_worker", now, 1); err != nil {
				w.log.WithError(err).Error("heartbeat metric failed")
			}
			nextHeartbeatMS = now + heartbeatIntervalMS
		}

		job, err := w.store.LeaseNextRunJob(ctx, w.botID, w.owner, now, w.leaseMS)
		if err != nil {
			w.log.WithError(err).Error("run worker lease failed")
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

		w.processJob(ctx, job)
	}
}

func (w *RunWorker) processJob(ctx context.Context, job *store.LeasedRunJob) {
	stopRenew := startLeaseRenewal(ctx, w.leaseMS, func(renewCtx context.Context, now int64) error {
		return w.store.RenewRunJobLease(renewCtx, job.ID, now, w.leaseMS)
	})

	err := w.executeJob(ctx, job)
	stopRenew()

	if err != nil {
		w.log.WithError(err).Error("run job failed", zap.String("job_id", job.ID), zap.String("turn_id", job.TurnID))
		if failErr := w.store.FailRunJobAndTurn(ctx, job.ID, job.TurnID, err.Error(), nowMS()); failErr != nil {
			w.log.WithError(failErr).Error("failed to mark run job failed", zap.String("job_id", job.ID))
		}
		w.streamer.CloseTurn(job.TurnID)
	}

	promoted, promoteErr := w.store.PromoteNextDeferredAction(ctx, w.botID, job.ChatID, nowMS())
	if promoteErr != nil {
		w.log.WithError(promoteErr).Error("failed to promote deferred action", zap.String("chat_id", job.ChatID))
		return
	}
	if promoted != nil {
		w.log.Info("promoted deferred action", zap.String("chat_id", job.ChatID),
			zap.String("action", promoted.ActionType), zap.String("turn_id", promoted.TurnID))
	}
}

func (w *RunWorker) executeJob(ctx context.Context, job *store.LeasedRunJob) error {
	turn, err := w.store.GetTurn(ctx, job.TurnID)
	if err != nil {
		return err
	}
	if turn == nil {
		return w.store.FailRunJobAndTurn(ctx, job.ID, job.TurnID, "missing turn", nowMS())
	}

	session, err := w.store.GetSession(ctx, turn.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return w.store.FailRunJobAndTurn(ctx, job.ID, job.TurnID, "missing session", nowMS())
	}

	if err := w.store.MarkRunInFlight(ctx, job.ID, turn.TurnID, nowMS()); err != nil {
		return err
	}

	provider := session.AdapterName
	cli, err := w.resolveAdapter(provider)
	if err != nil {
		return err
	}

	preamble := w.summaries.BuildRecoveryPreamble(session.RollingSummaryMD)
	runStarted := time.Now()
	executionPrompt := AugmentPromptForGenerationRequest(turn.UserText)

	sessionModel := ""
	if session.AdapterModel != nil {
		sessionModel = *session.AdapterModel
	}
	selectedModel := service.ResolveSelectedModel(provider, sessionModel, w.defaultModels)
	selectedSandbox := ""
	if provider == "codex" {
		selectedSandbox = w.defaultSandbox
	}

	shouldCancel := func(pollCtx context.Context) (bool, error) {
		return w.store.IsTurnCancelled(pollCtx, turn.TurnID)
	}

	req := adapter.RunRequest{
		Prompt:       executionPrompt,
		Model:        selectedModel,
		Sandbox:      selectedSandbox,
		Workdir:      w.workdir,
		Preamble:     preamble,
		ShouldCancel: shouldCancel,
	}

	var stream <-chan adapter.Event
	var spawnErr error
	if session.AdapterThreadID != nil && *session.AdapterThreadID != "" {
		stream, spawnErr = cli.RunResumeTurn(ctx, adapter.ResumeRequest{RunRequest: req, ThreadID: *session.AdapterThreadID})
	} else {
		stream, spawnErr = cli.RunNewTurn(ctx, req)
	}

	// A partially processed turn continues at the next sequence number so the
	// (turn_id, seq) unique index stays clean across worker restarts.
	count, err := w.store.GetTurnEventsCount(ctx, turn.TurnID)
	if err != nil {
		return err
	}
	seq := count + 1

	var assistantParts []string
	var commandNotes []string
	threadID := ""
	completionStatus := "success"
	errorText := ""

	persistAndStream := func(event adapter.Event) {
		payloadJSON, marshalErr := json.Marshal(map[string]any{"ts": event.TS, "payload": event.Payload})
		if marshalErr != nil {
			payloadJSON = []byte(`{}`)
		}
		if appendErr := w.store.AppendCliEvent(ctx, store.CliEvent{
			TurnID:      turn.TurnID,
			BotID:       w.botID,
			Seq:         event.Seq,
			EventType:   event.Type,
			PayloadJSON: string(payloadJSON),
			CreatedAt:   nowMS(),
		}); appendErr != nil {
			w.log.WithError(appendErr).Error("failed to persist cli event",
				zap.String("turn_id", turn.TurnID), zap.Int("seq", event.Seq))
		}
		if streamErr := w.streamer.AppendEvent(ctx, turn.TurnID, turn.ChatID, event); streamErr != nil {
			seq++
			deliveryPayload, _ := json.Marshal(map[string]any{"message": streamErr.Error()})
			if appendErr := w.store.AppendCliEvent(ctx, store.CliEvent{
				TurnID:      turn.TurnID,
				BotID:       w.botID,
				Seq:         seq,
				EventType:   store.EventDeliveryError,
				PayloadJSON: string(deliveryPayload),
				CreatedAt:   nowMS(),
			}); appendErr != nil {
				w.log.WithError(appendErr).Error("failed to persist delivery error",
					zap.String("turn_id", turn.TurnID))
			}
		}
	}

	synthesizeFailure := func(message string) {
		completionStatus = "error"
		if errorText == "" {
			errorText = message
		}
		persistAndStream(adapter.Event{Seq: seq, TS: nowISO(), Type: store.EventError,
			Payload: map[string]any{"message": message}})
		seq++
		persistAndStream(adapter.Event{Seq: seq, TS: nowISO(), Type: store.EventTurnCompleted,
			Payload: map[string]any{"status": "error"}})
		seq++
	}

	if spawnErr != nil {
		if errors.Is(spawnErr, exec.ErrNotFound) {
			synthesizeFailure(fmt.Sprintf("provider=%s executable not found; install CLI or switch with /mode codex", provider))
		} else {
			synthesizeFailure(spawnErr.Error())
		}
	} else {
		for raw := range stream {
			event := adapter.Event{Seq: seq, TS: raw.TS, Type: raw.Type, Payload: raw.Payload}
			persistAndStream(event)

			switch event.Type {
			case store.EventAssistantMessage:
				if text, ok := event.Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
					assistantParts = append(assistantParts, text)
				}
			case store.EventCommandStarted, store.EventCommandCompleted:
				if cmd, ok := event.Payload["command"].(string); ok && cmd != "" {
					commandNotes = append(commandNotes, cmd)
				}
			case store.EventThreadStarted:
				if candidate, ok := cli.ExtractThreadID(event); ok {
					threadID = candidate
				}
			case store.EventTurnCompleted:
				if status, ok := event.Payload["status"].(string); ok {
					completionStatus = status
				}
			case store.EventError:
				if msg, ok := event.Payload["message"].(string); ok && errorText == "" {
					errorText = msg
				}
			}
			seq++
		}
	}

	cancelled, err := w.store.IsTurnCancelled(ctx, turn.TurnID)
	if err != nil {
		return err
	}
	if cancelled || completionStatus == "cancelled" {
		if err := w.store.MarkRunJobCancelled(ctx, job.ID, turn.TurnID, nowMS()); err != nil {
			return err
		}
		w.streamer.CloseTurn(turn.TurnID)
		return nil
	}

	if threadID != "" {
		if err := w.store.SetSessionThreadID(ctx, session.SessionID, &threadID, nowMS()); err != nil {
			return err
		}
	}

	assistantText := joinAssistantParts(assistantParts)
	failed := completionStatus == "error" || (errorText != "" && assistantText == "")
	if failed {
		failText := errorText
		if failText == "" {
			failText = "adapter execution failed"
		}
		if err := w.store.FailRunJobAndTurn(ctx, job.ID, turn.TurnID, failText, nowMS()); err != nil {
			return err
		}
		if metricErr := w.store.IncrementRuntimeMetric(ctx, w.botID, "provider_run_failed."+provider, nowMS(), 1); metricErr != nil {
			w.log.WithError(metricErr).Error("failed to increment provider failure metric",
				zap.String("provider", provider))
		}
	} else {
		if err := w.store.CompleteRunJobAndTurn(ctx, job.ID, turn.TurnID, assistantText, nowMS()); err != nil {
			return err
		}
		if w.artifacts != nil {
			shouldDeliver := assistantText != "" ||
				looksLikeImageRequest(turn.UserText) || looksLikeHTMLRequest(turn.UserText)
			if shouldDeliver {
				w.artifacts.Deliver(ctx, ArtifactDelivery{
					BotID:         w.botID,
					ChatID:        turn.ChatID,
					TurnID:        turn.TurnID,
					UserText:      turn.UserText,
					AssistantText: assistantText,
					RunStarted:    runStarted,
				})
			}
		}
	}

	summary := w.summaries.BuildSummary(service.SummaryInput{
		PreviousSummary: session.RollingSummaryMD,
		UserText:        turn.UserText,
		AssistantText:   assistantText,
		CommandNotes:    commandNotes,
		ErrorText:       errorText,
	})
	if err := w.store.UpsertSessionSummary(ctx, session.SessionID, w.botID, turn.TurnID, summary, nowMS()); err != nil {
		return err
	}

	w.streamer.CloseTurn(turn.TurnID)
	return nil
}

func joinAssistantParts(parts []string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return strings.TrimSpace(strings.Join(trimmed, "\n"))
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

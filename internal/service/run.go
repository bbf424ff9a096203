package service

import (
	"context"

	"github.com/tgbridge/tgbridge/internal/store"
)

// DefaultMaxDeferredActions caps the per-chat deferred button queue.
const DefaultMaxDeferredActions = 10

// RunService enqueues, stops, and promotes run jobs.
type RunService struct {
	store store.Store
}

func NewRunService(st store.Store) *RunService {
	return &RunService{store: st}
}

// EnqueueTurn creates a turn and its run job. Returns
// store.ErrActiveRunExists when the chat already has a non-terminal run.
func (s *RunService) EnqueueTurn(ctx context.Context, sessionID, botID, chatID, userText string, now int64) (string, error) {
	return s.store.CreateTurnAndJob(ctx, sessionID, botID, chatID, userText, now)
}

// StopActiveTurn cancels the chat's newest non-terminal run. Returns the
// cancelled turn id or nil.
func (s *RunService) StopActiveTurn(ctx context.Context, botID, chatID string, now int64) (*string, error) {
	return s.store.CancelActiveTurn(ctx, botID, chatID, now)
}

// HasActiveRun reports whether the chat has a non-terminal run.
func (s *RunService) HasActiveRun(ctx context.Context, botID, chatID string) (bool, error) {
	return s.store.HasActiveRun(ctx, botID, chatID)
}

// EnqueueDeferredButtonAction queues a button action behind the active run.
func (s *RunService) EnqueueDeferredButtonAction(ctx context.Context, params store.DeferredActionParams) (string, error) {
	if params.MaxQueue <= 0 {
		params.MaxQueue = DefaultMaxDeferredActions
	}
	return s.store.EnqueueDeferredButtonAction(ctx, params)
}

// PromoteNextDeferredAction promotes the oldest queued deferred action when
// the chat is idle. Returns the promoted turn id or nil.
func (s *RunService) PromoteNextDeferredAction(ctx context.Context, botID, chatID string, now int64) (*string, error) {
	promoted, err := s.store.PromoteNextDeferredAction(ctx, botID, chatID, now)
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}
	return &promoted.TurnID, nil
}

package service

import (
	"context"
	"strings"

	"github.com/tgbridge/tgbridge/internal/store"
)

const summaryPreviewLen = 120

// SessionStatus is the condensed view used by /status and the command layer.
type SessionStatus struct {
	SessionID       string
	AdapterName     string
	AdapterModel    string
	ProjectRoot     string
	UnsafeUntil     *int64
	AdapterThreadID string
	SummaryPreview  string
}

// SessionService manages chat sessions and their continuity state.
type SessionService struct {
	store store.Store
}

func NewSessionService(st store.Store) *SessionService {
	return &SessionService{store: st}
}

// GetOrCreate returns the chat's active session, creating one if needed.
func (s *SessionService) GetOrCreate(ctx context.Context, botID, chatID, adapterName, adapterModel string, now int64) (*store.Session, error) {
	var model *string
	if adapterModel != "" {
		model = &adapterModel
	}
	return s.store.GetOrCreateActiveSession(ctx, store.NewSessionParams{
		BotID:        botID,
		ChatID:       chatID,
		AdapterName:  adapterName,
		AdapterModel: model,
		Now:          now,
	})
}

// CreateNew demotes any active session and starts a fresh one.
func (s *SessionService) CreateNew(ctx context.Context, botID, chatID, adapterName, adapterModel string, now int64) (*store.Session, error) {
	var model *string
	if adapterModel != "" {
		model = &adapterModel
	}
	return s.store.CreateFreshSession(ctx, store.NewSessionParams{
		BotID:        botID,
		ChatID:       chatID,
		AdapterName:  adapterName,
		AdapterModel: model,
		Now:          now,
	})
}

// Reset clears the session's thread binding and rolling summary.
func (s *SessionService) Reset(ctx context.Context, sessionID string, now int64) error {
	return s.store.ResetSession(ctx, sessionID, now)
}

// SwitchAdapter moves the session to another provider, dropping the
// provider-native thread while keeping the rolling summary.
func (s *SessionService) SwitchAdapter(ctx context.Context, sessionID, adapterName, adapterModel string, now int64) error {
	var model *string
	if adapterModel != "" {
		model = &adapterModel
	}
	return s.store.SetSessionAdapter(ctx, sessionID, adapterName, model, now)
}

// SetModel changes the session's model and resets the provider thread.
func (s *SessionService) SetModel(ctx context.Context, sessionID, adapterModel string, now int64) error {
	var model *string
	if adapterModel != "" {
		model = &adapterModel
	}
	return s.store.SetSessionModel(ctx, sessionID, model, now)
}

// SetProjectRoot changes (or clears, with "") the session's project root.
func (s *SessionService) SetProjectRoot(ctx context.Context, sessionID, projectRoot string, now int64) error {
	var root *string
	if projectRoot != "" {
		root = &projectRoot
	}
	return s.store.SetSessionProjectRoot(ctx, sessionID, root, now)
}

// SetUnsafeUntil arms unsandboxed execution until the given epoch-ms, or
// disarms it when nil.
func (s *SessionService) SetUnsafeUntil(ctx context.Context, sessionID string, unsafeUntil *int64, now int64) error {
	return s.store.SetSessionUnsafeUntil(ctx, sessionID, unsafeUntil, now)
}

// Status returns the chat's latest session condensed for display, or nil.
func (s *SessionService) Status(ctx context.Context, botID, chatID string) (*SessionStatus, error) {
	session, err := s.store.GetLatestSession(ctx, botID, chatID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	preview := strings.ReplaceAll(strings.TrimSpace(session.RollingSummaryMD), "\n", " ")
	if runes := []rune(preview); len(runes) > summaryPreviewLen {
		preview = string(runes[:summaryPreviewLen-3]) + "..."
	}
	status := &SessionStatus{
		SessionID:      session.SessionID,
		AdapterName:    session.AdapterName,
		SummaryPreview: preview,
	}
	if session.AdapterModel != nil {
		status.AdapterModel = *session.AdapterModel
	}
	if session.ProjectRoot != nil {
		status.ProjectRoot = *session.ProjectRoot
	}
	status.UnsafeUntil = session.UnsafeUntil
	if session.AdapterThreadID != nil {
		status.AdapterThreadID = *session.AdapterThreadID
	}
	return status, nil
}

// GetSummary returns the chat's rolling summary, empty when none exists.
func (s *SessionService) GetSummary(ctx context.Context, botID, chatID string) (string, error) {
	session, err := s.store.GetLatestSession(ctx, botID, chatID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", nil
	}
	return session.RollingSummaryMD, nil
}

package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tgbridge/tgbridge/internal/store"
)

// DefaultTokenTTLMS keeps inline keyboards usable for a day.
const DefaultTokenTTLMS = 24 * 60 * 60 * 1000

const minTokenTTLMS = 60_000

// ActionTokenPayload is what a consumed token authorizes.
type ActionTokenPayload struct {
	ActionType   string `json:"action_type"`
	RunSource    string `json:"run_source"`
	ChatID       string `json:"chat_id"`
	SessionID    string `json:"session_id"`
	OriginTurnID string `json:"origin_turn_id"`
}

// ActionTokenService issues and consumes single-use callback tokens.
type ActionTokenService struct {
	store store.Store
	ttlMS int64
}

func NewActionTokenService(st store.Store, ttlMS int64) *ActionTokenService {
	if ttlMS < minTokenTTLMS {
		ttlMS = minTokenTTLMS
	}
	return &ActionTokenService{store: st, ttlMS: ttlMS}
}

// Issue stores a new token bound to the bot, chat, session, and origin turn.
func (s *ActionTokenService) Issue(ctx context.Context, botID, chatID, actionType, runSource, sessionID, originTurnID string, now int64) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload, err := json.Marshal(ActionTokenPayload{
		ActionType:   actionType,
		RunSource:    runSource,
		ChatID:       chatID,
		SessionID:    sessionID,
		OriginTurnID: originTurnID,
	})
	if err != nil {
		return "", err
	}
	err = s.store.CreateActionToken(ctx, store.ActionToken{
		Token:       token,
		BotID:       botID,
		ChatID:      chatID,
		Action:      actionType,
		PayloadJSON: string(payload),
		ExpiresAt:   now + s.ttlMS,
		CreatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Consume atomically consumes the token and returns its payload, or nil when
// the token is missing, expired, already used, or malformed.
func (s *ActionTokenService) Consume(ctx context.Context, token, botID, chatID string, now int64) (*ActionTokenPayload, error) {
	found, err := s.store.ConsumeActionToken(ctx, token, botID, chatID, now)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	var payload ActionTokenPayload
	if err := json.Unmarshal([]byte(found.PayloadJSON), &payload); err != nil {
		return nil, nil
	}
	if payload.ActionType == "" || payload.RunSource == "" || payload.ChatID == "" ||
		payload.SessionID == "" || payload.OriginTurnID == "" {
		return nil, nil
	}
	return &payload, nil
}

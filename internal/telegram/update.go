package telegram

import "strconv"

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ParsedIncomingUpdate is the normalized form of a Bot API update the bridge
// handles: a text message or a callback query.
type ParsedIncomingUpdate struct {
	UpdateID        int64
	ChatID          int64
	UserID          int64
	MessageID       *int64
	Text            *string
	CallbackQueryID *string
	CallbackData    *string
	RawPayload      map[string]any
}

// ExtractChatID pulls the chat id out of a raw update payload, as a string,
// or returns nil when the update carries none.
func ExtractChatID(payload map[string]any) *string {
	if message, ok := payload["message"].(map[string]any); ok {
		if id := chatIDString(message); id != nil {
			return id
		}
	}
	if callbackQuery, ok := payload["callback_query"].(map[string]any); ok {
		if message, ok := callbackQuery["message"].(map[string]any); ok {
			if id := chatIDString(message); id != nil {
				return id
			}
		}
	}
	return nil
}

func chatIDString(message map[string]any) *string {
	chat, ok := message["chat"].(map[string]any)
	if !ok {
		return nil
	}
	if id, ok := asInt64(chat["id"]); ok {
		s := formatInt(id)
		return &s
	}
	if id, ok := chat["id"].(string); ok {
		return &id
	}
	return nil
}

// ParseIncomingUpdate normalizes a raw update. Returns nil for update types
// the bridge ignores.
func ParseIncomingUpdate(payload map[string]any) *ParsedIncomingUpdate {
	updateID, ok := asInt64(payload["update_id"])
	if !ok {
		return nil
	}

	if message, ok := payload["message"].(map[string]any); ok {
		chat, _ := message["chat"].(map[string]any)
		fromUser, _ := message["from"].(map[string]any)
		chatID, chatOK := asInt64(chat["id"])
		userID, userOK := asInt64(fromUser["id"])
		if chatOK && userOK {
			parsed := &ParsedIncomingUpdate{
				UpdateID:   updateID,
				ChatID:     chatID,
				UserID:     userID,
				RawPayload: payload,
			}
			if messageID, ok := asInt64(message["message_id"]); ok {
				parsed.MessageID = &messageID
			}
			if text, ok := message["text"].(string); ok {
				parsed.Text = &text
			}
			return parsed
		}
	}

	if callbackQuery, ok := payload["callback_query"].(map[string]any); ok {
		fromUser, _ := callbackQuery["from"].(map[string]any)
		message, _ := callbackQuery["message"].(map[string]any)
		chat, _ := message["chat"].(map[string]any)
		callbackID, idOK := callbackQuery["id"].(string)
		chatID, chatOK := asInt64(chat["id"])
		userID, userOK := asInt64(fromUser["id"])
		if chatOK && userOK && idOK {
			parsed := &ParsedIncomingUpdate{
				UpdateID:        updateID,
				ChatID:          chatID,
				UserID:          userID,
				CallbackQueryID: &callbackID,
				RawPayload:      payload,
			}
			if messageID, ok := asInt64(message["message_id"]); ok {
				parsed.MessageID = &messageID
			}
			if data, ok := callbackQuery["data"].(string); ok {
				parsed.CallbackData = &data
			}
			return parsed
		}
	}

	return nil
}

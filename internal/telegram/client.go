// Package telegram is a minimal Bot API client plus update parsing and a
// long-polling ingester.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// APIError is a non-retryable Bot API failure.
type APIError struct {
	Method      string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Telegram API %s failed: %s", e.Method, e.Description)
}

// RateLimitError is a 429 response. RetryAfter is at least one second.
type RateLimitError struct {
	Method     string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Telegram API %s rate limited, retry after %ds", e.Method, e.RetryAfter)
}

// RateLimitObserver is notified on every 429 so callers can record metrics.
// Observer failures never affect API behavior.
type RateLimitObserver func(ctx context.Context, method string, retryAfter int)

// Client talks to one bot's Bot API endpoint.
type Client struct {
	token       string
	base        string
	http        *http.Client
	onRateLimit RateLimitObserver
}

func NewClient(token, baseURL string, onRateLimit RateLimitObserver) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		token:       token,
		base:        fmt.Sprintf("%s/bot%s", strings.TrimRight(baseURL, "/"), token),
		http:        &http.Client{Timeout: 30 * time.Second},
		onRateLimit: onRateLimit,
	}
}

func (c *Client) methodURL(method string) string {
	return c.base + "/" + method
}

// GetMe returns the bot's own account object.
func (c *Client) GetMe(ctx context.Context) (map[string]any, error) {
	return c.requestObject(ctx, "getMe", map[string]any{})
}

// SendMessageParams covers the sendMessage options the bridge uses.
type SendMessageParams struct {
	ChatID                string
	Text                  string
	ParseMode             string
	DisableWebPagePreview *bool
	ReplyMarkup           *InlineKeyboardMarkup
}

// Send posts a message and returns its message_id.
func (c *Client) Send(ctx context.Context, params SendMessageParams) (int64, error) {
	payload := map[string]any{"chat_id": params.ChatID, "text": params.Text}
	if params.ParseMode != "" {
		payload["parse_mode"] = params.ParseMode
	}
	if params.DisableWebPagePreview != nil {
		payload["disable_web_page_preview"] = *params.DisableWebPagePreview
	}
	if params.ReplyMarkup != nil {
		payload["reply_markup"] = params.ReplyMarkup
	}
	result, err := c.requestObject(ctx, "sendMessage", payload)
	if err != nil {
		return 0, err
	}
	messageID, ok := asInt64(result["message_id"])
	if !ok {
		return 0, &APIError{Method: "sendMessage", Description: "missing message_id"}
	}
	return messageID, nil
}

// SendMessage posts a plain message and returns its message_id.
func (c *Client) SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error) {
	return c.Send(ctx, SendMessageParams{ChatID: chatID, Text: text, ParseMode: parseMode})
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	payload := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	_, err := c.requestObject(ctx, "editMessageText", payload)
	return err
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	payload := map[string]any{"callback_query_id": callbackQueryID}
	if text != "" {
		payload["text"] = text
	}
	_, err := c.requestObject(ctx, "answerCallbackQuery", payload)
	return err
}

// SendDocument uploads a local file as a document.
func (c *Client) SendDocument(ctx context.Context, chatID, filePath, caption string) error {
	return c.sendFile(ctx, "sendDocument", "document", chatID, filePath, caption)
}

// SendPhoto uploads a local file as a photo.
func (c *Client) SendPhoto(ctx context.Context, chatID, filePath, caption string) error {
	return c.sendFile(ctx, "sendPhoto", "photo", chatID, filePath, caption)
}

// RegisterWebhook clears any existing webhook and installs a new one.
func (c *Client) RegisterWebhook(ctx context.Context, publicURL, secretToken string) error {
	if err := c.DeleteWebhook(ctx, false); err != nil {
		return err
	}
	_, err := c.requestResult(ctx, "setWebhook", map[string]any{
		"url":                  publicURL,
		"secret_token":         secretToken,
		"drop_pending_updates": false,
	})
	return err
}

// DeleteWebhook removes the bot's webhook so long polling can be used.
func (c *Client) DeleteWebhook(ctx context.Context, dropPendingUpdates bool) error {
	_, err := c.requestResult(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": dropPendingUpdates})
	return err
}

// GetUpdates long-polls for incoming updates.
func (c *Client) GetUpdates(ctx context.Context, offset *int64, timeoutSec, limit int) ([]map[string]any, error) {
	payload := map[string]any{
		"timeout":         timeoutSec,
		"limit":           limit,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset != nil {
		payload["offset"] = *offset
	}
	result, err := c.requestResult(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	items, ok := result.([]any)
	if !ok {
		return nil, &APIError{Method: "getUpdates", Description: "returned non-list result"}
	}
	updates := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if update, ok := item.(map[string]any); ok {
			updates = append(updates, update)
		}
	}
	return updates, nil
}

func (c *Client) sendFile(ctx context.Context, method, field, chatID, filePath, caption string) error {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return &APIError{Method: method, Description: fmt.Sprintf("file not found: %s", filePath)}
	}
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	mediaType := mime.TypeByExtension(filepath.Ext(filePath))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("write caption field: %w", err)
		}
	}
	part, err := writer.CreateFormFile(field, filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()
	_, err = c.parseResponse(ctx, method, resp)
	return err
}

func (c *Client) requestResult(ctx context.Context, method string, payload map[string]any) (any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()
	return c.parseResponse(ctx, method, resp)
}

func (c *Client) requestObject(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	result, err := c.requestResult(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return map[string]any{}, nil
	}
	object, ok := result.(map[string]any)
	if !ok {
		return nil, &APIError{Method: method, Description: "expected object result"}
	}
	return object, nil
}

func (c *Client) parseResponse(ctx context.Context, method string, resp *http.Response) (any, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Method: method,
			Description: fmt.Sprintf("invalid JSON response: %s", truncate(string(raw), 500))}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 1
		if params, ok := body["parameters"].(map[string]any); ok {
			if value, ok := asInt64(params["retry_after"]); ok && value > 1 {
				retryAfter = int(value)
			}
		}
		c.notifyRateLimit(ctx, method, retryAfter)
		return nil, &RateLimitError{Method: method, RetryAfter: retryAfter}
	}

	if resp.StatusCode >= 400 || body["ok"] != true {
		description, _ := body["description"].(string)
		if description == "" {
			description = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &APIError{Method: method, Description: description}
	}
	return body["result"], nil
}

func (c *Client) notifyRateLimit(ctx context.Context, method string, retryAfter int) {
	if c.onRateLimit == nil {
		return
	}
	c.onRateLimit(ctx, method, retryAfter)
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/service"
	"github.com/tgbridge/tgbridge/internal/store"
)

var inlineActions = []string{"summary", "regen", "next", "stop"}

// BotIdentity is the per-bot configuration the command layer needs.
type BotIdentity struct {
	BotID         string
	BotName       string
	Adapter       string
	OwnerUserID   *int64
	DefaultModels map[string]string
}

// CommandClient is the Telegram surface the handler uses. *Client satisfies
// it; tests substitute a fake.
type CommandClient interface {
	Send(ctx context.Context, params SendMessageParams) (int64, error)
	SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error)
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
}

// YoutubeSearcher resolves a first video for a query.
type YoutubeSearcher interface {
	SearchFirstVideo(ctx context.Context, query string) (*service.YoutubeSearchResult, error)
}

// CommandHandler interprets one bot's incoming updates: commands, free-text
// turns, and inline keyboard callbacks.
type CommandHandler struct {
	bot           BotIdentity
	client        CommandClient
	sessions      *service.SessionService
	runs          *service.RunService
	store         store.Store
	youtube       YoutubeSearcher
	actionTokens  *service.ActionTokenService
	buttonPrompts *service.ButtonPromptService
	log           *logger.Logger
}

// CommandHandlerConfig wires a CommandHandler.
type CommandHandlerConfig struct {
	Bot           BotIdentity
	Client        CommandClient
	Sessions      *service.SessionService
	Runs          *service.RunService
	Store         store.Store
	Youtube       YoutubeSearcher
	ActionTokens  *service.ActionTokenService
	ButtonPrompts *service.ButtonPromptService
	Logger        *logger.Logger
}

func NewCommandHandler(cfg CommandHandlerConfig) *CommandHandler {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &CommandHandler{
		bot:           cfg.Bot,
		client:        cfg.Client,
		sessions:      cfg.Sessions,
		runs:          cfg.Runs,
		store:         cfg.Store,
		youtube:       cfg.Youtube,
		actionTokens:  cfg.ActionTokens,
		buttonPrompts: cfg.ButtonPrompts,
		log:           log.WithBotID(cfg.Bot.BotID),
	}
}

// HandleUpdatePayload processes one raw update. Non-owner senders are
// rejected, callbacks and commands are dispatched, and plain text enqueues a
// turn.
func (h *CommandHandler) HandleUpdatePayload(ctx context.Context, payload map[string]any, nowMS int64) error {
	parsed := ParseIncomingUpdate(payload)
	if parsed == nil {
		return nil
	}
	chatStr := strconv.FormatInt(parsed.ChatID, 10)

	if h.bot.OwnerUserID != nil && parsed.UserID != *h.bot.OwnerUserID {
		if parsed.CallbackQueryID != nil {
			h.safeAnswerCallback(ctx, *parsed.CallbackQueryID, "Access denied", nowMS)
		} else {
			_, _ = h.client.SendMessage(ctx, chatStr, "Access denied: owner only.", "")
		}
		return nil
	}

	if parsed.CallbackQueryID != nil {
		if parsed.CallbackData == nil || *parsed.CallbackData == "" {
			h.safeAnswerCallback(ctx, *parsed.CallbackQueryID, "Unsupported action", nowMS)
			return nil
		}
		if err := h.handleCallback(ctx, chatStr, *parsed.CallbackQueryID, *parsed.CallbackData, nowMS); err != nil {
			h.log.WithError(err).Error("callback handling failed",
				zap.String("chat_id", chatStr), zap.Int64("update_id", parsed.UpdateID))
			h.safeAnswerCallback(ctx, *parsed.CallbackQueryID, "Action failed", nowMS)
			return err
		}
		return nil
	}

	text := ""
	if parsed.Text != nil {
		text = strings.TrimSpace(*parsed.Text)
	}
	if text == "" {
		return nil
	}

	if intent, query := parseYoutubeSearchRequest(text); intent && h.youtube != nil {
		if query == "" {
			_, _ = h.client.SendMessage(ctx, chatStr,
				"YouTube 검색어를 함께 입력해 주세요. 예: 파이썬 asyncio 유튜브 찾아줘", "")
			return nil
		}
		return h.handleYoutubeSearch(ctx, chatStr, query)
	}

	if strings.HasPrefix(text, "/") {
		return h.handleCommand(ctx, chatStr, text, nowMS)
	}

	adapterName, err := h.resolveChatAdapter(ctx, chatStr)
	if err != nil {
		return err
	}
	adapterModel := h.providerDefaultOrPresetModel(adapterName)
	session, err := h.sessions.GetOrCreate(ctx, h.bot.BotID, chatStr, adapterName, adapterModel, nowMS)
	if err != nil {
		return err
	}
	turnID, err := h.runs.EnqueueTurn(ctx, session.SessionID, h.bot.BotID, chatStr, text, nowMS)
	if err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			_, _ = h.client.SendMessage(ctx, chatStr, "A run is already active in this chat. Use /stop first.", "")
			return nil
		}
		return err
	}

	markup, err := h.buildTurnActionKeyboard(ctx, chatStr, session.SessionID, turnID, nowMS)
	if err != nil {
		h.log.WithError(err).Warn("issue action tokens failed", zap.String("turn_id", turnID))
	}
	_, err = h.client.Send(ctx, SendMessageParams{
		ChatID:      chatStr,
		Text:        fmt.Sprintf("Queued turn: %s\nsession=%s\nagent=%s", turnID, session.SessionID, adapterName),
		ReplyMarkup: markup,
	})
	return err
}

func (h *CommandHandler) handleCallback(ctx context.Context, chatID, callbackQueryID, callbackData string, nowMS int64) error {
	// Legacy keyboards carried a bare stop_run action.
	if callbackData == "stop_run" {
		stopped, err := h.runs.StopActiveTurn(ctx, h.bot.BotID, chatID, nowMS)
		if err != nil {
			return err
		}
		h.answerCallback(ctx, callbackQueryID, stopAckText(stopped != nil), nowMS)
		return nil
	}

	if !strings.HasPrefix(callbackData, "act:") || h.actionTokens == nil {
		h.answerCallback(ctx, callbackQueryID, "Unsupported action", nowMS)
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(callbackData, "act:"))
	if token == "" {
		h.answerCallback(ctx, callbackQueryID, "Invalid action token", nowMS)
		return nil
	}

	payload, err := h.actionTokens.Consume(ctx, token, h.bot.BotID, chatID, nowMS)
	if err != nil {
		return err
	}
	if payload == nil {
		h.answerCallback(ctx, callbackQueryID, "Action expired or already used", nowMS)
		return nil
	}

	if payload.RunSource == "direct_cancel" || payload.ActionType == "stop" {
		stopped, err := h.runs.StopActiveTurn(ctx, h.bot.BotID, chatID, nowMS)
		if err != nil {
			return err
		}
		h.answerCallback(ctx, callbackQueryID, stopAckText(stopped != nil), nowMS)
		return nil
	}

	if payload.ActionType != "summary" && payload.ActionType != "regen" && payload.ActionType != "next" {
		h.answerCallback(ctx, callbackQueryID, "Unknown action", nowMS)
		return nil
	}

	promptText, err := h.buildPromptFromAction(ctx, payload)
	if err != nil {
		return err
	}
	if promptText == "" {
		h.answerCallback(ctx, callbackQueryID, "Cannot build prompt for action", nowMS)
		return nil
	}

	active, err := h.runs.HasActiveRun(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	if active {
		return h.deferButtonAction(ctx, chatID, callbackQueryID, payload, promptText, nowMS)
	}

	turnID, err := h.runs.EnqueueTurn(ctx, payload.SessionID, h.bot.BotID, chatID, promptText, nowMS)
	if err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			return h.deferButtonAction(ctx, chatID, callbackQueryID, payload, promptText, nowMS)
		}
		return err
	}

	h.answerCallback(ctx, callbackQueryID, "Started", nowMS)
	markup, err := h.buildTurnActionKeyboard(ctx, chatID, payload.SessionID, turnID, nowMS)
	if err != nil {
		h.log.WithError(err).Warn("issue action tokens failed", zap.String("turn_id", turnID))
	}
	_, err = h.client.Send(ctx, SendMessageParams{
		ChatID:      chatID,
		Text:        fmt.Sprintf("[button] queued %s: %s", payload.ActionType, turnID),
		ReplyMarkup: markup,
	})
	return err
}

func (h *CommandHandler) deferButtonAction(ctx context.Context, chatID, callbackQueryID string, payload *service.ActionTokenPayload, promptText string, nowMS int64) error {
	_, err := h.runs.EnqueueDeferredButtonAction(ctx, store.DeferredActionParams{
		BotID:        h.bot.BotID,
		ChatID:       chatID,
		SessionID:    payload.SessionID,
		ActionType:   payload.ActionType,
		PromptText:   promptText,
		OriginTurnID: payload.OriginTurnID,
		MaxQueue:     service.DefaultMaxDeferredActions,
		Now:          nowMS,
	})
	if err != nil {
		return err
	}
	h.answerCallback(ctx, callbackQueryID, "Queued after current run", nowMS)
	_, _ = h.client.SendMessage(ctx, chatID, fmt.Sprintf("[button] queued %s action.", payload.ActionType), "")
	return nil
}

func (h *CommandHandler) handleCommand(ctx context.Context, chatID, text string, nowMS int64) error {
	command, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/start":
		_, err := h.client.SendMessage(ctx, chatID, h.welcomeText(), "")
		return err

	case "/help":
		_, err := h.client.SendMessage(ctx, chatID, helpText, "")
		return err

	case "/youtube", "/yt":
		if h.youtube == nil {
			_, err := h.client.SendMessage(ctx, chatID, "YouTube search is not enabled.", "")
			return err
		}
		if arg == "" {
			_, err := h.client.SendMessage(ctx, chatID, "Usage: /youtube <query>", "")
			return err
		}
		return h.handleYoutubeSearch(ctx, chatID, arg)

	case "/new":
		adapterName, err := h.resolveChatAdapter(ctx, chatID)
		if err != nil {
			return err
		}
		session, err := h.sessions.CreateNew(ctx, h.bot.BotID, chatID, adapterName,
			h.providerDefaultOrPresetModel(adapterName), nowMS)
		if err != nil {
			return err
		}
		_, err = h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("New session created: %s (adapter=%s)", session.SessionID, adapterName), "")
		return err

	case "/status":
		status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		if status == nil {
			_, err := h.client.SendMessage(ctx, chatID, "No session yet. Send a message to start.", "")
			return err
		}
		model := service.ResolveSelectedModel(status.AdapterName, status.AdapterModel, h.bot.DefaultModels)
		_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
			"bot=" + h.bot.BotID,
			"adapter=" + status.AdapterName,
			"model=" + orDefault(model),
			"project=" + orNoneStr(status.ProjectRoot),
			"unsafe_until=" + unsafeUntilText(status.UnsafeUntil),
			"session=" + status.SessionID,
			"thread=" + orNoneStr(status.AdapterThreadID),
			"summary=" + orNoneStr(status.SummaryPreview),
		}, "\n"), "")
		return err

	case "/reset":
		existing, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		adapterName := h.bot.Adapter
		if existing != nil {
			adapterName = existing.AdapterName
			if err := h.sessions.Reset(ctx, existing.SessionID, nowMS); err != nil {
				return err
			}
		}
		session, err := h.sessions.CreateNew(ctx, h.bot.BotID, chatID, adapterName,
			h.providerDefaultOrPresetModel(adapterName), nowMS)
		if err != nil {
			return err
		}
		_, err = h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("Session reset. New session=%s (adapter=%s)", session.SessionID, adapterName), "")
		return err

	case "/summary":
		summary, err := h.sessions.GetSummary(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(summary) == "" {
			_, err := h.client.SendMessage(ctx, chatID, "No summary yet.", "")
			return err
		}
		_, err = h.client.SendMessage(ctx, chatID, "Summary:\n"+truncate(summary, 3500), "")
		return err

	case "/mode":
		return h.handleModeCommand(ctx, chatID, arg, nowMS)

	case "/model":
		return h.handleModelCommand(ctx, chatID, arg, nowMS)

	case "/project":
		return h.handleProjectCommand(ctx, chatID, arg, nowMS)

	case "/unsafe":
		return h.handleUnsafeCommand(ctx, chatID, arg, nowMS)

	case "/providers":
		return h.handleProvidersCommand(ctx, chatID)

	case "/stop":
		stopped, err := h.runs.StopActiveTurn(ctx, h.bot.BotID, chatID, nowMS)
		if err != nil {
			return err
		}
		reply := "No active run."
		if stopped != nil {
			reply = "Stop requested."
		}
		_, err = h.client.SendMessage(ctx, chatID, reply, "")
		return err

	case "/echo":
		if arg == "" {
			arg = "(empty)"
		}
		_, err := h.client.SendMessage(ctx, chatID, arg, "")
		return err
	}

	_, err := h.client.SendMessage(ctx, chatID,
		fmt.Sprintf("Unknown command: %s\n\n%s", command, helpText), "")
	return err
}

func (h *CommandHandler) handleModeCommand(ctx context.Context, chatID, arg string, nowMS int64) error {
	status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	currentAdapter := h.bot.Adapter
	sessionModel := ""
	if status != nil {
		currentAdapter = status.AdapterName
		sessionModel = status.AdapterModel
	}
	currentModel := orDefault(service.ResolveSelectedModel(currentAdapter, sessionModel, h.bot.DefaultModels))

	if arg == "" {
		_, err := h.client.SendMessage(ctx, chatID, strings.Join([]string{
			fmt.Sprintf("mode=cli adapter=%s model=%s", currentAdapter, currentModel),
			"usage: /mode <codex|gemini|claude>",
			"providers=" + strings.Join(service.SupportedCLIProviders, ", "),
		}, "\n"), "")
		return err
	}

	nextAdapter := strings.ToLower(strings.TrimSpace(arg))
	if !service.IsSupportedProvider(nextAdapter) {
		_, err := h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("Unsupported provider: %s. Use one of: %s", arg,
				strings.Join(service.SupportedCLIProviders, ", ")), "")
		return err
	}
	if nextAdapter == currentAdapter {
		_, err := h.client.SendMessage(ctx, chatID, "mode unchanged: adapter="+currentAdapter, "")
		return err
	}

	active, err := h.runs.HasActiveRun(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	if active {
		_, err := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /mode.", "")
		return err
	}

	nextModel := h.providerDefaultOrPresetModel(nextAdapter)
	var sessionID string
	if status == nil {
		session, err := h.sessions.GetOrCreate(ctx, h.bot.BotID, chatID, nextAdapter, nextModel, nowMS)
		if err != nil {
			return err
		}
		sessionID = session.SessionID
	} else {
		sessionID = status.SessionID
	}
	if err := h.sessions.SwitchAdapter(ctx, sessionID, nextAdapter, nextModel, nowMS); err != nil {
		return err
	}

	h.incrementMetric(ctx, "provider_switch_total."+nextAdapter, nowMS)
	h.log.Info("provider switched", zap.String("chat_id", chatID),
		zap.String("from", currentAdapter), zap.String("to", nextAdapter))

	_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("mode switched: %s -> %s", currentAdapter, nextAdapter),
		"model=" + orDefault(nextModel),
		"session=" + sessionID,
		"context continuity: rolling summary retained, provider thread reset.",
	}, "\n"), "")
	return err
}

func (h *CommandHandler) handleModelCommand(ctx context.Context, chatID, arg string, nowMS int64) error {
	status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	currentAdapter := h.bot.Adapter
	sessionModel := ""
	if status != nil {
		currentAdapter = status.AdapterName
		sessionModel = status.AdapterModel
	}
	currentModel := orDefault(service.ResolveSelectedModel(currentAdapter, sessionModel, h.bot.DefaultModels))

	if arg == "" {
		_, err := h.client.SendMessage(ctx, chatID, strings.Join([]string{
			"adapter=" + currentAdapter,
			"model=" + currentModel,
			"available_models=" + providerModelsText(currentAdapter),
			"usage: /model <model-name>",
		}, "\n"), "")
		return err
	}

	nextModel := strings.TrimSpace(arg)
	allowed := service.AvailableModels(currentAdapter)
	if len(allowed) == 0 {
		_, err := h.client.SendMessage(ctx, chatID, "No selectable model for provider="+currentAdapter, "")
		return err
	}
	if !service.IsAllowedModel(currentAdapter, nextModel) {
		_, err := h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("Unsupported model for %s: %s\nallowed=%s",
				currentAdapter, nextModel, providerModelsText(currentAdapter)), "")
		return err
	}

	active, err := h.runs.HasActiveRun(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	if active {
		_, err := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /model.", "")
		return err
	}

	var sessionID string
	if status == nil {
		session, err := h.sessions.GetOrCreate(ctx, h.bot.BotID, chatID, currentAdapter, nextModel, nowMS)
		if err != nil {
			return err
		}
		sessionID = session.SessionID
	} else {
		sessionID = status.SessionID
	}
	if err := h.sessions.SetModel(ctx, sessionID, nextModel, nowMS); err != nil {
		return err
	}

	_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("model updated: %s -> %s", currentModel, nextModel),
		"adapter=" + currentAdapter,
		"model=" + nextModel,
		"session=" + sessionID,
	}, "\n"), "")
	return err
}

func (h *CommandHandler) handleProjectCommand(ctx context.Context, chatID, arg string, nowMS int64) error {
	status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}

	if arg == "" {
		current := "none"
		if status != nil && status.ProjectRoot != "" {
			current = status.ProjectRoot
		}
		_, err := h.client.SendMessage(ctx, chatID, strings.Join([]string{
			"project=" + current,
			"usage: /project <dir> | /project off",
		}, "\n"), "")
		return err
	}

	active, err := h.runs.HasActiveRun(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	if active {
		_, err := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /project.", "")
		return err
	}

	sessionID, err := h.ensureSessionID(ctx, chatID, status, nowMS)
	if err != nil {
		return err
	}
	if strings.EqualFold(arg, "off") {
		if err := h.sessions.SetProjectRoot(ctx, sessionID, "", nowMS); err != nil {
			return err
		}
		_, err = h.client.SendMessage(ctx, chatID, "project root cleared.\nsession="+sessionID, "")
		return err
	}
	if err := h.sessions.SetProjectRoot(ctx, sessionID, arg, nowMS); err != nil {
		return err
	}
	_, err = h.client.SendMessage(ctx, chatID,
		fmt.Sprintf("project root set: %s\nsession=%s", arg, sessionID), "")
	return err
}

func (h *CommandHandler) handleUnsafeCommand(ctx context.Context, chatID, arg string, nowMS int64) error {
	fields := strings.Fields(strings.ToLower(arg))
	usage := "usage: /unsafe on [minutes] | off"
	if len(fields) == 0 || (fields[0] != "on" && fields[0] != "off") {
		_, err := h.client.SendMessage(ctx, chatID, usage, "")
		return err
	}

	minutes := defaultUnsafeMinutes
	if fields[0] == "on" && len(fields) > 1 {
		parsed, err := strconv.Atoi(fields[1])
		if err != nil || parsed <= 0 {
			_, sendErr := h.client.SendMessage(ctx, chatID, usage, "")
			return sendErr
		}
		minutes = parsed
	}

	active, err := h.runs.HasActiveRun(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	if active {
		_, err := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /unsafe.", "")
		return err
	}

	status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
	if err != nil {
		return err
	}
	sessionID, err := h.ensureSessionID(ctx, chatID, status, nowMS)
	if err != nil {
		return err
	}

	if fields[0] == "off" {
		if err := h.sessions.SetUnsafeUntil(ctx, sessionID, nil, nowMS); err != nil {
			return err
		}
		_, err = h.client.SendMessage(ctx, chatID, "unsafe mode off.\nsession="+sessionID, "")
		return err
	}

	until := nowMS + int64(minutes)*60_000
	if err := h.sessions.SetUnsafeUntil(ctx, sessionID, &until, nowMS); err != nil {
		return err
	}
	_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("unsafe mode on for %d minutes", minutes),
		fmt.Sprintf("unsafe_until=%d", until),
		"session=" + sessionID,
	}, "\n"), "")
	return err
}

// ensureSessionID returns the chat's session id, creating a session with the
// current adapter when none exists yet.
func (h *CommandHandler) ensureSessionID(ctx context.Context, chatID string, status *service.SessionStatus, nowMS int64) (string, error) {
	if status != nil {
		return status.SessionID, nil
	}
	adapterName, err := h.resolveChatAdapter(ctx, chatID)
	if err != nil {
		return "", err
	}
	session, err := h.sessions.GetOrCreate(ctx, h.bot.BotID, chatID, adapterName,
		h.providerDefaultOrPresetModel(adapterName), nowMS)
	if err != nil {
		return "", err
	}
	return session.SessionID, nil
}

func (h *CommandHandler) handleProvidersCommand(ctx context.Context, chatID string) error {
	lines := []string{"Available CLI providers:"}
	for _, provider := range service.SupportedCLIProviders {
		installed := "no"
		if _, err := exec.LookPath(provider); err == nil {
			installed = "yes"
		}
		model := orDefault(h.bot.DefaultModels[provider])
		lines = append(lines, fmt.Sprintf("- %s: installed=%s, model=%s", provider, installed, model))
	}
	_, err := h.client.SendMessage(ctx, chatID, strings.Join(lines, "\n"), "")
	return err
}

func (h *CommandHandler) handleYoutubeSearch(ctx context.Context, chatID, query string) error {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		_, err := h.client.SendMessage(ctx, chatID, "YouTube 검색어를 입력해 주세요.", "")
		return err
	}
	result, err := h.youtube.SearchFirstVideo(ctx, normalized)
	if err != nil {
		_, sendErr := h.client.SendMessage(ctx, chatID,
			"YouTube 검색 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.", "")
		return sendErr
	}
	if result == nil {
		_, err := h.client.SendMessage(ctx, chatID, "YouTube 검색 결과를 찾지 못했습니다: "+normalized, "")
		return err
	}
	// Watch URL only, so Telegram renders its native preview card.
	_, err = h.client.SendMessage(ctx, chatID, result.URL, "")
	return err
}

func (h *CommandHandler) buildPromptFromAction(ctx context.Context, payload *service.ActionTokenPayload) (string, error) {
	if h.buttonPrompts == nil {
		return "", nil
	}
	session, err := h.store.GetSession(ctx, payload.SessionID)
	if err != nil || session == nil {
		return "", err
	}
	originTurn, err := h.store.GetTurn(ctx, payload.OriginTurnID)
	if err != nil || originTurn == nil {
		return "", err
	}
	latest, err := h.store.GetLatestCompletedTurn(ctx, payload.SessionID)
	if err != nil {
		return "", err
	}

	switch payload.ActionType {
	case "summary":
		return h.buttonPrompts.BuildSummaryPrompt(session, originTurn, latest), nil
	case "regen":
		return h.buttonPrompts.BuildRegenPrompt(session, originTurn), nil
	case "next":
		latestAssistant := ""
		if latest != nil && latest.AssistantText != nil {
			latestAssistant = *latest.AssistantText
		}
		return h.buttonPrompts.BuildNextPrompt(session, originTurn, latestAssistant), nil
	}
	return "", nil
}

func (h *CommandHandler) buildTurnActionKeyboard(ctx context.Context, chatID, sessionID, originTurnID string, nowMS int64) (*InlineKeyboardMarkup, error) {
	if h.actionTokens == nil {
		return nil, nil
	}
	tokens := make(map[string]string, len(inlineActions))
	for _, action := range inlineActions {
		runSource := "codex_cli"
		if action == "stop" {
			runSource = "direct_cancel"
		}
		token, err := h.actionTokens.Issue(ctx, h.bot.BotID, chatID, action, runSource, sessionID, originTurnID, nowMS)
		if err != nil {
			return nil, err
		}
		tokens[action] = token
	}
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{
			{Text: "요약", CallbackData: "act:" + tokens["summary"]},
			{Text: "다시생성", CallbackData: "act:" + tokens["regen"]},
		},
		{
			{Text: "다음추천", CallbackData: "act:" + tokens["next"]},
			{Text: "중단", CallbackData: "act:" + tokens["stop"]},
		},
	}}, nil
}

func (h *CommandHandler) resolveChatAdapter(ctx context.Context, chatID string) (string, error) {
	status, err := h.sessions.Status(ctx, h.bot.BotID, chatID)
	if err != nil {
		return "", err
	}
	if status != nil && status.AdapterName != "" {
		return status.AdapterName, nil
	}
	return h.bot.Adapter, nil
}

func (h *CommandHandler) providerDefaultOrPresetModel(provider string) string {
	return service.ResolveProviderDefaultModel(provider, h.bot.DefaultModels[provider])
}

func (h *CommandHandler) answerCallback(ctx context.Context, callbackQueryID, text string, nowMS int64) {
	if err := h.client.AnswerCallbackQuery(ctx, callbackQueryID, text); err != nil {
		h.incrementMetric(ctx, "callback_ack_failed", nowMS)
		h.log.WithError(err).Error("failed to answer callback query",
			zap.String("callback_query_id", callbackQueryID))
		return
	}
	h.incrementMetric(ctx, "callback_ack_success", nowMS)
}

func (h *CommandHandler) safeAnswerCallback(ctx context.Context, callbackQueryID, text string, nowMS int64) {
	h.answerCallback(ctx, callbackQueryID, text, nowMS)
}

func (h *CommandHandler) incrementMetric(ctx context.Context, metricKey string, nowMS int64) {
	if h.store == nil {
		return
	}
	if nowMS <= 0 {
		nowMS = time.Now().UnixMilli()
	}
	if err := h.store.IncrementRuntimeMetric(ctx, h.bot.BotID, metricKey, nowMS, 1); err != nil {
		h.log.WithError(err).Error("failed to increment metric", zap.String("metric", metricKey))
	}
}

func (h *CommandHandler) welcomeText() string {
	return h.bot.BotName + " ready.\nSend a message to run CLI.\nUse /help for commands."
}

const helpText = "/start /help /new /status /reset /summary /mode /model /project /unsafe /providers /stop /youtube\n" +
	"Plain text message => enqueue CLI turn"

const defaultUnsafeMinutes = 60

func unsafeUntilText(until *int64) string {
	if until == nil {
		return "none"
	}
	return strconv.FormatInt(*until, 10)
}

func stopAckText(stopped bool) string {
	if stopped {
		return "Stopping..."
	}
	return "No active run"
}

func providerModelsText(provider string) string {
	models := service.AvailableModels(provider)
	if len(models) == 0 {
		return "none"
	}
	return strings.Join(models, ", ")
}

func orDefault(model string) string {
	if model == "" {
		return "default"
	}
	return model
}

func orNoneStr(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

var youtubeVariants = []string{"youtube", "유튜브", "유투브", "유트브", "유트뷰"}

var youtubeSearchHints = []string{"search", "find", "recommend", "show", "찾아", "검색", "추천", "보여"}

var youtubeCleanupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\byoutube\b`),
	regexp.MustCompile("유튜브"),
	regexp.MustCompile("유투브"),
	regexp.MustCompile("유트브"),
	regexp.MustCompile("유트뷰"),
	regexp.MustCompile("동영상"),
	regexp.MustCompile("영상"),
	regexp.MustCompile("찾아줘"),
	regexp.MustCompile("찾아 줘"),
	regexp.MustCompile("찾아"),
	regexp.MustCompile("검색해줘"),
	regexp.MustCompile("검색해 줘"),
	regexp.MustCompile("검색"),
	regexp.MustCompile("추천해줘"),
	regexp.MustCompile("추천해 줘"),
	regexp.MustCompile("추천"),
	regexp.MustCompile("보여줘"),
	regexp.MustCompile("보여 줘"),
	regexp.MustCompile("보여"),
	regexp.MustCompile("미리보기"),
	regexp.MustCompile("미리 보기"),
	regexp.MustCompile("형식으로"),
	regexp.MustCompile("형식"),
	regexp.MustCompile("이런"),
	regexp.MustCompile("같은"),
	regexp.MustCompile(`(?i)please`),
	regexp.MustCompile(`(?i)for me`),
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// parseYoutubeSearchRequest detects a free-text YouTube search intent and
// strips the intent words to recover the query.
func parseYoutubeSearchRequest(text string) (bool, string) {
	lowered := strings.ToLower(text)
	hasYoutube := false
	for _, variant := range youtubeVariants {
		if strings.Contains(lowered, variant) {
			hasYoutube = true
			break
		}
	}
	if !hasYoutube {
		return false, ""
	}
	hasHint := false
	for _, hint := range youtubeSearchHints {
		if strings.Contains(lowered, hint) {
			hasHint = true
			break
		}
	}
	if !hasHint {
		return false, ""
	}

	cleaned := text
	for _, pattern := range youtubeCleanupPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, " ")
	}
	cleaned = strings.Trim(whitespaceRE.ReplaceAllString(cleaned, " "), " .,!?\n\t")
	return true, cleaned
}

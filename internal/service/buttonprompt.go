package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tgbridge/tgbridge/internal/store"
)

var urlRE = regexp.MustCompile(`https?://[^\s)>"]+`)

const maxDetectedLinks = 6

// ButtonPromptService builds the CLI prompts behind the inline keyboard
// actions.
type ButtonPromptService struct{}

func NewButtonPromptService() *ButtonPromptService { return &ButtonPromptService{} }

func (s *ButtonPromptService) BuildSummaryPrompt(session *store.Session, originTurn, latestTurn *store.Turn) string {
	recentUser := strings.TrimSpace(originTurn.UserText)
	recentAssistant := trimmedAssistant(originTurn)
	latestAssistant := ""
	if latestTurn != nil {
		latestAssistant = trimmedAssistant(latestTurn)
	}
	rolling := strings.TrimSpace(session.RollingSummaryMD)

	return "You are helping in Telegram. Create a concise Korean summary for the user.\n" +
		"Output format:\n" +
		"1) 핵심 요약 (5-8줄)\n" +
		"2) 다음 액션 3개\n" +
		"3) 주의할 점 1-2개\n\n" +
		fmt.Sprintf("[Rolling Summary]\n%s\n\n", orNone(rolling)) +
		fmt.Sprintf("[Origin User Request]\n%s\n\n", orNone(recentUser)) +
		fmt.Sprintf("[Origin Assistant Response]\n%s\n\n", orNone(recentAssistant)) +
		fmt.Sprintf("[Latest Assistant Response]\n%s\n", orNone(latestAssistant))
}

func (s *ButtonPromptService) BuildRegenPrompt(session *store.Session, originTurn *store.Turn) string {
	recentUser := strings.TrimSpace(originTurn.UserText)
	recentAssistant := trimmedAssistant(originTurn)
	rolling := strings.TrimSpace(session.RollingSummaryMD)

	return "Regenerate an alternative answer for the same request.\n" +
		"Constraints:\n" +
		"- Use a different approach.\n" +
		"- Be more concise and structured.\n" +
		"- Keep practical and actionable style.\n\n" +
		fmt.Sprintf("[Rolling Summary]\n%s\n\n", orNone(rolling)) +
		fmt.Sprintf("[Original User Request]\n%s\n\n", orNone(recentUser)) +
		fmt.Sprintf("[Previous Assistant Response]\n%s\n", orNone(recentAssistant))
}

func (s *ButtonPromptService) BuildNextPrompt(session *store.Session, originTurn *store.Turn, latestAssistantText string) string {
	recentUser := strings.TrimSpace(originTurn.UserText)
	recentAssistant := trimmedAssistant(originTurn)
	rolling := strings.TrimSpace(session.RollingSummaryMD)

	linkSource := latestAssistantText
	if linkSource == "" {
		linkSource = recentAssistant
	}
	urls := ExtractURLs(linkSource)
	urlBlock := "(none)"
	if len(urls) > 0 {
		if len(urls) > maxDetectedLinks {
			urls = urls[:maxDetectedLinks]
		}
		lines := make([]string, 0, len(urls))
		for _, url := range urls {
			lines = append(lines, "- "+url)
		}
		urlBlock = strings.Join(lines, "\n")
	}

	return "Suggest 3 next recommendations for Telegram user.\n" +
		"Output format for each item:\n" +
		"- title\n" +
		"- why (one line)\n" +
		"- optional link\n\n" +
		fmt.Sprintf("[Rolling Summary]\n%s\n\n", orNone(rolling)) +
		fmt.Sprintf("[User Request]\n%s\n\n", orNone(recentUser)) +
		fmt.Sprintf("[Assistant Context]\n%s\n\n", orNone(recentAssistant)) +
		fmt.Sprintf("[Detected Links]\n%s\n", urlBlock)
}

// ExtractURLs finds http(s) links in text, trimming trailing punctuation and
// keeping first-seen order.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var urls []string
	for _, match := range urlRE.FindAllString(text, -1) {
		normalized := strings.TrimRight(match, ".,;!?)")
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		urls = append(urls, normalized)
	}
	return urls
}

func trimmedAssistant(turn *store.Turn) string {
	if turn.AssistantText == nil {
		return ""
	}
	return strings.TrimSpace(*turn.AssistantText)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

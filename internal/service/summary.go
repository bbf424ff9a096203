package service

import (
	"fmt"
	"strings"
)

const (
	summaryMaxLength = 4000
	pickLineMax      = 300
)

// SummaryInput feeds one completed turn into the rolling summary.
type SummaryInput struct {
	PreviousSummary string
	UserText        string
	AssistantText   string
	CommandNotes    []string
	ErrorText       string
}

// SummaryService composes the per-session rolling summary and its recovery
// preamble.
type SummaryService struct{}

func NewSummaryService() *SummaryService { return &SummaryService{} }

// BuildSummary renders the fixed-section markdown summary, carrying the
// previous summary forward and trimming to the length cap.
func (s *SummaryService) BuildSummary(data SummaryInput) string {
	goals := pickLine(data.UserText, "- Process the current user request")
	decisions := pickLine(data.AssistantText, "- Assistant response generated")
	constraints := "- Keep Telegram to CLI bridge context stable"
	openIssues := "- none"
	if data.ErrorText != "" {
		openIssues = "- " + data.ErrorText
	}
	artifacts := "- no command execution notes"
	if len(data.CommandNotes) > 0 {
		notes := data.CommandNotes
		if len(notes) > 10 {
			notes = notes[:10]
		}
		lines := make([]string, 0, len(notes))
		for _, note := range notes {
			lines = append(lines, "- "+note)
		}
		artifacts = strings.Join(lines, "\n")
	}

	previousBlock := strings.TrimSpace(data.PreviousSummary)
	if previousBlock != "" {
		previousBlock = fmt.Sprintf("## Previous Summary\n%s\n\n", previousBlock)
	}

	summary := previousBlock +
		fmt.Sprintf("## Goal\n%s\n\n", goals) +
		fmt.Sprintf("## Decisions\n%s\n\n", decisions) +
		fmt.Sprintf("## Constraints\n%s\n\n", constraints) +
		fmt.Sprintf("## Open Issues\n%s\n\n", openIssues) +
		fmt.Sprintf("## Key Artifacts\n%s\n", artifacts)
	return trimSummary(summary)
}

// BuildRecoveryPreamble wraps the summary for injection ahead of the next
// prompt. Empty when there is no summary.
func (s *SummaryService) BuildRecoveryPreamble(summaryMD string) string {
	if strings.TrimSpace(summaryMD) == "" {
		return ""
	}
	return "[Session Memory Summary]\n" +
		"Continue work while preserving prior context using this summary.\n\n" +
		trimSummary(summaryMD)
}

func pickLine(text, fallback string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	single := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(single)
	if len(runes) <= pickLineMax {
		return "- " + single
	}
	return "- " + string(runes[:pickLineMax-3]) + "..."
}

func trimSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryMaxLength {
		return text
	}
	return string(runes[:summaryMaxLength-16]) + "\n\n[truncated]"
}

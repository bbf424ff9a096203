package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/store"
)

func TestExtractURLs(t *testing.T) {
	assert.Nil(t, ExtractURLs(""))
	assert.Nil(t, ExtractURLs("no links here"))

	urls := ExtractURLs("see https://example.com/a. and also (http://example.com/b), " +
		"again https://example.com/a!")
	require.Len(t, urls, 2)
	assert.Equal(t, "https://example.com/a", urls[0])
	assert.Equal(t, "http://example.com/b", urls[1])
}

func TestBuildSummaryPrompt(t *testing.T) {
	s := NewButtonPromptService()
	assistant := "the answer"
	origin := &store.Turn{UserText: "the question", AssistantText: &assistant}
	latestText := "newer answer"
	latest := &store.Turn{AssistantText: &latestText}
	session := &store.Session{RollingSummaryMD: "## Goal\n- stuff"}

	prompt := s.BuildSummaryPrompt(session, origin, latest)
	assert.Contains(t, prompt, "핵심 요약")
	assert.Contains(t, prompt, "[Rolling Summary]\n## Goal\n- stuff")
	assert.Contains(t, prompt, "[Origin User Request]\nthe question")
	assert.Contains(t, prompt, "[Origin Assistant Response]\nthe answer")
	assert.Contains(t, prompt, "[Latest Assistant Response]\nnewer answer")
}

func TestBuildSummaryPromptEmptyFields(t *testing.T) {
	s := NewButtonPromptService()
	origin := &store.Turn{}
	session := &store.Session{}

	prompt := s.BuildSummaryPrompt(session, origin, nil)
	assert.Contains(t, prompt, "[Rolling Summary]\n(none)")
	assert.Contains(t, prompt, "[Origin User Request]\n(none)")
	assert.Contains(t, prompt, "[Latest Assistant Response]\n(none)")
}

func TestBuildRegenPrompt(t *testing.T) {
	s := NewButtonPromptService()
	assistant := "v1 answer"
	origin := &store.Turn{UserText: "original ask", AssistantText: &assistant}

	prompt := s.BuildRegenPrompt(&store.Session{}, origin)
	assert.Contains(t, prompt, "Regenerate an alternative answer")
	assert.Contains(t, prompt, "[Original User Request]\noriginal ask")
	assert.Contains(t, prompt, "[Previous Assistant Response]\nv1 answer")
}

func TestBuildNextPromptDetectsLinks(t *testing.T) {
	s := NewButtonPromptService()
	assistant := "fallback with https://fallback.example"
	origin := &store.Turn{UserText: "ask", AssistantText: &assistant}

	// Latest assistant text takes precedence as the link source.
	prompt := s.BuildNextPrompt(&store.Session{}, origin, "see https://latest.example/page.")
	assert.Contains(t, prompt, "[Detected Links]\n- https://latest.example/page")
	assert.NotContains(t, prompt, "fallback.example")

	// Falls back to the origin assistant text.
	prompt = s.BuildNextPrompt(&store.Session{}, origin, "")
	assert.Contains(t, prompt, "[Detected Links]\n- https://fallback.example")

	// No links at all.
	noLinks := &store.Turn{UserText: "ask"}
	prompt = s.BuildNextPrompt(&store.Session{}, noLinks, "plain text")
	assert.Contains(t, prompt, "[Detected Links]\n(none)")
}

func TestBuildNextPromptCapsLinkCount(t *testing.T) {
	s := NewButtonPromptService()
	origin := &store.Turn{UserText: "ask"}

	text := ""
	for _, n := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		text += "https://example.com/" + n + " "
	}
	prompt := s.BuildNextPrompt(&store.Session{}, origin, text)
	assert.Contains(t, prompt, "- https://example.com/6")
	assert.NotContains(t, prompt, "- https://example.com/7")
}

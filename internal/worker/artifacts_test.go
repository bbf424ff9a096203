package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgbridge/tgbridge/internal/adapter"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

func TestLooksLikeImageRequest(t *testing.T) {
	assert.True(t, looksLikeImageRequest("draw me a chart"))
	assert.True(t, looksLikeImageRequest("멋진 이미지 만들어줘"))
	assert.False(t, looksLikeImageRequest("explain recursion"))
	assert.False(t, looksLikeImageRequest(""))
}

func TestLooksLikeHTMLRequest(t *testing.T) {
	assert.True(t, looksLikeHTMLRequest("build a landing page"))
	assert.True(t, looksLikeHTMLRequest("랜딩 페이지 제작"))
	assert.False(t, looksLikeHTMLRequest("write a poem"))
}

func TestAugmentPromptForGenerationRequest(t *testing.T) {
	plain := AugmentPromptForGenerationRequest("explain recursion")
	assert.Equal(t, "explain recursion", plain)

	image := AugmentPromptForGenerationRequest("draw a diagram of the system")
	assert.Contains(t, image, "[Image Delivery Contract]")
	assert.NotContains(t, image, "[HTML Delivery Contract]")

	both := AugmentPromptForGenerationRequest("render an image on a web page")
	assert.Contains(t, both, "[Image Delivery Contract]")
	assert.Contains(t, both, "[HTML Delivery Contract]")
}

func TestExtractLocalPaths(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("png"), 0o644))
	htmlPath := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(htmlPath, []byte("<html>"), 0o644))

	text := "Result: ![generated](" + imagePath + ") and [page](" + htmlPath + ")\n" +
		"remote ![x](https://example.com/a.png) inline \"" + imagePath + "\""

	images := extractLocalPaths(text, imageSuffixes)
	require.Len(t, images, 1)
	assert.Equal(t, filepath.Clean(imagePath), images[0])

	pages := extractLocalPaths(text, htmlSuffixes)
	require.Len(t, pages, 1)
	assert.Equal(t, filepath.Clean(htmlPath), pages[0])
}

func TestExtractLocalPathsSkipsMissingFiles(t *testing.T) {
	assert.Nil(t, extractLocalPaths("![x](/definitely/not/here.png)", imageSuffixes))
	assert.Nil(t, extractLocalPaths("", imageSuffixes))
	assert.Nil(t, extractLocalPaths("data:image/png;base64,AAAA", imageSuffixes))
}

func TestArtifactDedupeKeyIncludesMtimeAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	key1 := artifactDedupeKey(path)

	require.NoError(t, os.WriteFile(path, []byte("longer contents"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	key2 := artifactDedupeKey(path)

	assert.NotEqual(t, key1, key2)
	assert.Equal(t, artifactDedupeKey("/missing.png"), "/missing.png")
}

type fakeArtifactSender struct {
	photoErrs map[string]error
	docErrs   map[string]error
	photos    []string
	documents []string
	captions  []string
}

func (f *fakeArtifactSender) SendPhoto(ctx context.Context, chatID, filePath, caption string) error {
	if err := f.photoErrs[filePath]; err != nil {
		return err
	}
	f.photos = append(f.photos, filePath)
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakeArtifactSender) SendDocument(ctx context.Context, chatID, filePath, caption string) error {
	if err := f.docErrs[filePath]; err != nil {
		return err
	}
	f.documents = append(f.documents, filePath)
	f.captions = append(f.captions, caption)
	return nil
}

type fakeEventStreamer struct {
	events         []adapter.Event
	deliveryErrors []string
	closed         []string
}

func (f *fakeEventStreamer) AppendEvent(ctx context.Context, turnID, chatID string, event adapter.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStreamer) AppendDeliveryError(ctx context.Context, turnID, chatID, message string) error {
	f.deliveryErrors = append(f.deliveryErrors, message)
	return nil
}

func (f *fakeEventStreamer) CloseTurn(turnID string) {
	f.closed = append(f.closed, turnID)
}

func TestDeliverSendsImagesAndDedupes(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("png"), 0o644))

	sender := &fakeArtifactSender{}
	streamer := &fakeEventStreamer{}
	d := NewArtifactDeliverer(sender, streamer, nil)

	delivery := ArtifactDelivery{
		BotID:         "bot-1",
		ChatID:        "100",
		TurnID:        "turn-1",
		AssistantText: "![generated](" + imagePath + ")",
		RunStarted:    time.Now(),
	}
	d.Deliver(context.Background(), delivery)
	require.Len(t, sender.photos, 1)
	assert.Equal(t, "[artifact:image] chart.png", sender.captions[0])

	// Same file in a later turn of the same chat is not resent.
	delivery.TurnID = "turn-2"
	d.Deliver(context.Background(), delivery)
	assert.Len(t, sender.photos, 1)

	// A different chat gets its own registry.
	delivery.ChatID = "200"
	d.Deliver(context.Background(), delivery)
	assert.Len(t, sender.photos, 2)
	assert.Empty(t, streamer.deliveryErrors)
}

func TestDeliverFallsBackToDocumentOnAPIError(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "big.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("png"), 0o644))

	sender := &fakeArtifactSender{
		photoErrs: map[string]error{imagePath: &telegram.APIError{Method: "sendPhoto", Description: "too big"}},
	}
	streamer := &fakeEventStreamer{}
	d := NewArtifactDeliverer(sender, streamer, nil)

	d.Deliver(context.Background(), ArtifactDelivery{
		BotID:         "bot-1",
		ChatID:        "100",
		TurnID:        "turn-1",
		AssistantText: "![generated](" + imagePath + ")",
		RunStarted:    time.Now(),
	})
	assert.Empty(t, sender.photos)
	require.Len(t, sender.documents, 1)
	assert.Empty(t, streamer.deliveryErrors)
}

func TestDeliverReportsFailuresInBand(t *testing.T) {
	dir := t.TempDir()
	htmlPath := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(htmlPath, []byte("<html>"), 0o644))

	sender := &fakeArtifactSender{
		docErrs: map[string]error{htmlPath: assert.AnError},
	}
	streamer := &fakeEventStreamer{}
	d := NewArtifactDeliverer(sender, streamer, nil)

	d.Deliver(context.Background(), ArtifactDelivery{
		BotID:         "bot-1",
		ChatID:        "100",
		TurnID:        "turn-1",
		AssistantText: "[page](" + htmlPath + ")",
		RunStarted:    time.Now(),
	})
	require.Len(t, streamer.deliveryErrors, 1)
	assert.Contains(t, streamer.deliveryErrors[0], "artifact delivery failed for page.html")
}

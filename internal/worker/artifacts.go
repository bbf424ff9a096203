package worker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/telegram"
)

var imageSuffixes = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true,
}

var htmlSuffixes = map[string]bool{".html": true, ".htm": true}

var skipDirNames = map[string]bool{
	".git": true, ".venv": true, "venv": true, "node_modules": true,
	"__pycache__": true, ".pytest_cache": true, ".mypy_cache": true,
}

var imageRequestKeywords = []string{
	"image", "png", "jpg", "jpeg", "gif", "webp", "photo",
	"diagram", "chart", "plot", "figure", "draw", "render",
	"이미지", "사진", "그림", "차트", "그래프",
}

var htmlRequestKeywords = []string{
	"html", "css", "landing page", "web page", "webpage", "site",
	"랜딩", "웹페이지", "페이지",
}

var (
	markdownImageRE = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)
	markdownLinkRE  = regexp.MustCompile(`\[[^\]]*\]\(([^)]+)\)`)
)

func looksLikeImageRequest(prompt string) bool {
	return containsAnyKeyword(prompt, imageRequestKeywords)
}

func looksLikeHTMLRequest(prompt string) bool {
	return containsAnyKeyword(prompt, htmlRequestKeywords)
}

func containsAnyKeyword(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	if lowered == "" {
		return false
	}
	for _, keyword := range keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// AugmentPromptForGenerationRequest appends delivery contracts so the CLI
// saves generated files to paths the worker can find and forward.
func AugmentPromptForGenerationRequest(prompt string) string {
	result := prompt
	if looksLikeImageRequest(prompt) {
		result += "\n\n[Image Delivery Contract]\n" +
			"If you generate an image file, save it as a local file and include at least one markdown image path.\n" +
			"Preferred format:\n" +
			"![generated](./.mock_messenger/generated/<file>.png)\n" +
			"Use a real existing path only."
	}
	if looksLikeHTMLRequest(prompt) {
		result += "\n\n[HTML Delivery Contract]\n" +
			"If you generate an HTML page, save it as a local file and include a markdown link to that exact file.\n" +
			"Also generate one preview image (png) for Telegram chat preview.\n" +
			"Preferred formats:\n" +
			"[landing page](./.mock_messenger/generated/<file>.html)\n" +
			"![preview](./.mock_messenger/generated/<file>.png)\n" +
			"Use inline CSS if possible so single-file preview works."
	}
	return result
}

// ArtifactSender is the file upload surface. *telegram.Client satisfies it.
type ArtifactSender interface {
	SendPhoto(ctx context.Context, chatID, filePath, caption string) error
	SendDocument(ctx context.Context, chatID, filePath, caption string) error
}

// ArtifactDelivery describes one completed turn's delivery pass.
type ArtifactDelivery struct {
	BotID         string
	ChatID        string
	TurnID        string
	UserText      string
	AssistantText string
	RunStarted    time.Time
}

// ArtifactDeliverer forwards files a CLI run produced (images, HTML pages) to
// the chat, deduplicating per (bot, chat) across turns.
type ArtifactDeliverer struct {
	client   ArtifactSender
	streamer EventStreamer
	log      *logger.Logger
	sent     map[string]map[string]bool
}

func NewArtifactDeliverer(client ArtifactSender, streamer EventStreamer, log *logger.Logger) *ArtifactDeliverer {
	if log == nil {
		log = logger.Default()
	}
	return &ArtifactDeliverer{
		client:   client,
		streamer: streamer,
		log:      log,
		sent:     make(map[string]map[string]bool),
	}
}

// Deliver finds referenced or freshly written artifact files and uploads
// them. Upload failures become delivery_error events, never run failures.
func (d *ArtifactDeliverer) Deliver(ctx context.Context, delivery ArtifactDelivery) {
	imagePaths := extractLocalPaths(delivery.AssistantText, imageSuffixes)
	htmlPaths := extractLocalPaths(delivery.AssistantText, htmlSuffixes)

	if len(imagePaths) == 0 && looksLikeImageRequest(delivery.UserText) {
		imagePaths = findRecentFiles(delivery.RunStarted, imageSuffixes, 3)
	}
	if len(htmlPaths) == 0 && looksLikeHTMLRequest(delivery.UserText) {
		htmlPaths = findRecentFiles(delivery.RunStarted, htmlSuffixes, 2)
	}

	registryKey := delivery.BotID + ":" + delivery.ChatID
	sentForChat := d.sent[registryKey]
	if sentForChat == nil {
		sentForChat = make(map[string]bool)
		d.sent[registryKey] = sentForChat
	}

	type artifact struct {
		path string
		kind string
	}
	var unique []artifact
	for _, path := range imagePaths {
		key := artifactDedupeKey(path)
		if sentForChat[key] {
			continue
		}
		sentForChat[key] = true
		unique = append(unique, artifact{path: path, kind: "image"})
	}
	for _, path := range htmlPaths {
		key := artifactDedupeKey(path)
		if sentForChat[key] {
			continue
		}
		sentForChat[key] = true
		unique = append(unique, artifact{path: path, kind: "html"})
	}

	for _, item := range unique {
		caption := "[artifact:" + item.kind + "] " + filepath.Base(item.path)
		var err error
		if item.kind == "image" {
			err = d.client.SendPhoto(ctx, delivery.ChatID, item.path, caption)
			var apiErr *telegram.APIError
			if errors.As(err, &apiErr) {
				err = d.client.SendDocument(ctx, delivery.ChatID, item.path, caption)
			}
		} else {
			err = d.client.SendDocument(ctx, delivery.ChatID, item.path, caption)
		}
		if err != nil {
			d.log.WithError(err).Warn("artifact delivery failed",
				zap.String("chat_id", delivery.ChatID), zap.String("path", item.path))
			if streamErr := d.streamer.AppendDeliveryError(ctx, delivery.TurnID, delivery.ChatID,
				"artifact delivery failed for "+filepath.Base(item.path)+": "+err.Error()); streamErr != nil {
				d.log.WithError(streamErr).Warn("delivery error notification failed",
					zap.String("turn_id", delivery.TurnID))
			}
		}
	}
}

// extractLocalPaths pulls existing local file paths with the wanted suffixes
// out of markdown links, quoted strings, and bare path-like tokens.
func extractLocalPaths(text string, suffixes map[string]bool) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	exts := make([]string, 0, len(suffixes))
	for ext := range suffixes {
		exts = append(exts, regexp.QuoteMeta(strings.TrimPrefix(ext, ".")))
	}
	sort.Strings(exts)
	suffixPattern := strings.Join(exts, "|")

	quotedRE := regexp.MustCompile(`(?i)['"]([^'"]+\.(?:` + suffixPattern + `))['"]`)
	bareRE := regexp.MustCompile(`(?i)((?:[A-Za-z]:)?(?:[./\\][^\s'"` + "`" + `<>|]+)+\.(?:` + suffixPattern + `))`)

	var candidates []string
	for _, match := range markdownImageRE.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range markdownLinkRE.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range quotedRE.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range bareRE.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}

	cwd, _ := os.Getwd()
	seen := make(map[string]bool)
	var paths []string
	for _, raw := range candidates {
		candidate := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"'`))
		if candidate == "" {
			continue
		}
		lowered := strings.ToLower(candidate)
		if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") ||
			strings.HasPrefix(lowered, "data:") {
			continue
		}
		resolved := candidate
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(cwd, resolved)
		}
		resolved = filepath.Clean(resolved)
		if !suffixes[strings.ToLower(filepath.Ext(resolved))] {
			continue
		}
		key := strings.ToLower(resolved)
		if seen[key] {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			continue
		}
		seen[key] = true
		paths = append(paths, resolved)
	}
	return paths
}

// findRecentFiles scans the working directory and the temp dir for files
// written since the run started, newest first.
func findRecentFiles(since time.Time, suffixes map[string]bool, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	cutoff := since.Add(-2 * time.Second)
	cwd, _ := os.Getwd()
	scanRoots := []string{cwd, os.TempDir()}

	type found struct {
		modTime time.Time
		path    string
	}
	var discovered []found
	seen := make(map[string]bool)

	for _, root := range scanRoots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				if skipDirNames[entry.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !suffixes[strings.ToLower(filepath.Ext(entry.Name()))] {
				return nil
			}
			key := strings.ToLower(path)
			if seen[key] {
				return nil
			}
			stat, statErr := entry.Info()
			if statErr != nil || stat.Size() <= 0 || stat.ModTime().Before(cutoff) {
				return nil
			}
			seen[key] = true
			discovered = append(discovered, found{modTime: stat.ModTime(), path: path})
			return nil
		})
	}

	sort.Slice(discovered, func(i, j int) bool {
		return discovered[i].modTime.After(discovered[j].modTime)
	})
	if len(discovered) > limit {
		discovered = discovered[:limit]
	}
	paths := make([]string, 0, len(discovered))
	for _, item := range discovered {
		paths = append(paths, item.path)
	}
	return paths
}

func artifactDedupeKey(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return strings.ToLower(path)
	}
	return strings.ToLower(path) + ":" + info.ModTime().UTC().Format(time.RFC3339Nano) + ":" +
		strconv.FormatInt(info.Size(), 10)
}

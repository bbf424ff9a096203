package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	videoIDRE  = regexp.MustCompile(`"videoId":"([A-Za-z0-9_-]{11})"`)
	watchURLRE = regexp.MustCompile(`https?://(?:www\.)?youtube\.com/watch\?v=([A-Za-z0-9_-]{11})`)
	shortURLRE = regexp.MustCompile(`https?://youtu\.be/([A-Za-z0-9_-]{11})`)
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// YoutubeSearchResult is the first video found for a query.
type YoutubeSearchResult struct {
	VideoID    string
	URL        string
	Title      string
	AuthorName string
}

// YoutubeSearchService finds a first matching video by scraping the public
// results page, with a DuckDuckGo fallback, then enriches it via oEmbed.
type YoutubeSearchService struct {
	http *http.Client
}

func NewYoutubeSearchService(timeout time.Duration) *YoutubeSearchService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &YoutubeSearchService{http: &http.Client{Timeout: timeout}}
}

// SearchFirstVideo returns the first video for the query, or nil when
// nothing was found.
func (s *YoutubeSearchService) SearchFirstVideo(ctx context.Context, query string) (*YoutubeSearchResult, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return nil, nil
	}

	videoID := s.resolveVideoID(ctx, normalized)
	if videoID == "" {
		return nil, nil
	}

	watchURL := "https://www.youtube.com/watch?v=" + videoID
	title, authorName := s.fetchOembed(ctx, watchURL)
	return &YoutubeSearchResult{
		VideoID:    videoID,
		URL:        watchURL,
		Title:      title,
		AuthorName: authorName,
	}, nil
}

func (s *YoutubeSearchService) resolveVideoID(ctx context.Context, query string) string {
	if id := s.searchFromYoutubeResults(ctx, query); id != "" {
		return id
	}
	return s.searchFromDuckDuckGo(ctx, query)
}

func (s *YoutubeSearchService) searchFromYoutubeResults(ctx context.Context, query string) string {
	body, err := s.get(ctx, "https://www.youtube.com/results?search_query="+url.QueryEscape(query))
	if err != nil {
		return ""
	}
	matches := videoIDRE.FindAllStringSubmatch(body, -1)
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match[1])
	}
	return firstUnique(ids)
}

func (s *YoutubeSearchService) searchFromDuckDuckGo(ctx context.Context, query string) string {
	q := "site:youtube.com/watch " + query
	body, err := s.get(ctx, "https://duckduckgo.com/html/?q="+url.QueryEscape(q))
	if err != nil {
		return ""
	}
	var ids []string
	for _, match := range watchURLRE.FindAllStringSubmatch(body, -1) {
		ids = append(ids, match[1])
	}
	for _, match := range shortURLRE.FindAllStringSubmatch(body, -1) {
		ids = append(ids, match[1])
	}
	return firstUnique(ids)
}

func (s *YoutubeSearchService) fetchOembed(ctx context.Context, watchURL string) (string, string) {
	endpoint := fmt.Sprintf("https://www.youtube.com/oembed?url=%s&format=json", url.QueryEscape(watchURL))
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return "", ""
	}
	var parsed struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", ""
	}
	return strings.TrimSpace(parsed.Title), strings.TrimSpace(parsed.AuthorName)
}

func (s *YoutubeSearchService) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func firstUnique(ids []string) string {
	seen := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		return id
	}
	return ""
}

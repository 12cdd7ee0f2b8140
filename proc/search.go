package proc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/jukebox/sys"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

const (
	maxSearchResults = 25
	searchTimeout    = 2300 * time.Millisecond
	searchCacheTTL   = 5 * time.Minute
	videoPrefix      = "yt:"
)

var ErrNoResults = errors.New("no search results")

type SearchResult struct {
	VideoID string
	Title   string
	URL     string
}

type searchBackend func(ctx context.Context, query string) ([]SearchResult, error)

type cachedSearch struct {
	results []SearchResult
	expires time.Time
}

// Searcher turns free text into playable links using YouTube Music and
// YouTube search in parallel. Music results come first unless the query
// starts with "yt:".
type Searcher struct {
	music   searchBackend
	video   searchBackend
	timeout time.Duration
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedSearch
}

func NewSearcher() *Searcher {
	return &Searcher{
		music:   searchMusic,
		video:   searchVideo,
		timeout: searchTimeout,
		ttl:     searchCacheTTL,
		cache:   make(map[string]cachedSearch),
	}
}

// IsLink reports whether query should be handed to the fetcher as is.
func IsLink(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

// Resolve returns query unchanged when it is already a link, otherwise the
// URL of the best search hit.
func (s *Searcher) Resolve(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if IsLink(query) {
		return query, nil
	}
	results, err := s.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", ErrNoResults
	}
	return results[0].URL, nil
}

func (s *Searcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	preferVideo := false
	if strings.HasPrefix(strings.ToLower(query), videoPrefix) {
		preferVideo = true
		query = strings.TrimSpace(query[len(videoPrefix):])
	}
	if query == "" {
		return nil, nil
	}

	cacheKey := strings.ToLower(query)
	if preferVideo {
		cacheKey = videoPrefix + cacheKey
	}
	if cached, ok := s.lookup(cacheKey); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var music, video []SearchResult
	var musicErr, videoErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		music, musicErr = s.music(ctx, query)
	}()
	go func() {
		defer wg.Done()
		video, videoErr = s.video(ctx, query)
	}()
	wg.Wait()

	if musicErr != nil && videoErr != nil {
		sys.LogSearch(sys.MsgVoiceSearchFailed, query, errors.Join(musicErr, videoErr))
		return nil, errors.Join(musicErr, videoErr)
	}

	first, second := music, video
	if preferVideo {
		first, second = video, music
	}
	results := mergeResults(first, second)
	s.store(cacheKey, results)
	return results, nil
}

func (s *Searcher) lookup(key string) ([]SearchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(c.expires) {
		delete(s.cache, key)
		return nil, false
	}
	return c.results, true
}

func (s *Searcher) store(key string, results []SearchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, c := range s.cache {
		if now.After(c.expires) {
			delete(s.cache, k)
		}
	}
	s.cache[key] = cachedSearch{results: results, expires: now.Add(s.ttl)}
}

// mergeResults concatenates both lists, dropping repeated videos and capping
// the total.
func mergeResults(first, second []SearchResult) []SearchResult {
	seen := make(map[string]bool)
	var out []SearchResult
	for _, list := range [][]SearchResult{first, second} {
		for _, r := range list {
			if r.VideoID == "" || seen[r.VideoID] {
				continue
			}
			seen[r.VideoID] = true
			out = append(out, r)
			if len(out) == maxSearchResults {
				return out
			}
		}
	}
	return out
}

func searchMusic(ctx context.Context, query string) ([]SearchResult, error) {
	type outcome struct {
		results []SearchResult
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		var results []SearchResult
		for _, t := range r.Tracks {
			if t.VideoID == "" {
				continue
			}
			artist := ""
			if len(t.Artists) > 0 {
				artist = " - " + t.Artists[0].Name
			}
			results = append(results, SearchResult{
				VideoID: t.VideoID,
				Title:   sys.TruncateWithPreserve(t.Title, 100, "[YTM] ", artist),
				URL:     "https://music.youtube.com/watch?v=" + t.VideoID,
			})
		}
		ch <- outcome{results: results}
	}()

	// ytmusic has no context support
	select {
	case o := <-ch:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func searchVideo(ctx context.Context, query string) ([]SearchResult, error) {
	r, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		results = append(results, SearchResult{
			VideoID: v.VideoID,
			Title:   sys.TruncateWithPreserve(v.Title, 100, "[YT] ", ""),
			URL:     "https://www.youtube.com/watch?v=" + v.VideoID,
		})
	}
	return results, nil
}

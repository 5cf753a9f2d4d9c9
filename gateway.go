package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Constants & Variables
// ===========================

const (
	// UserAgentDesktop is sent with every provider request; the provider
	// throttles unidentified clients much harder.
	UserAgentDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// SearchCandidates is how many flat results a free-text remote query asks for.
	SearchCandidates = 5
)

var (
	// Sentinel errors of the resolution pipeline.
	ErrUnsupportedSource = errors.New("source is unsupported or unreachable")
	ErrNoResults         = errors.New("no results found")
	ErrFetchFailed       = errors.New("fetch failed")

	// ErrCredentialsInvalid means the provider rejected our cookie material.
	// Fatal to a bulk run; the operator must refresh the cookie file.
	ErrCredentialsInvalid = errors.New("provider credentials invalidated")

	urlPrefixes = []string{"http://", "https://", "www.", "youtu."}

	credentialMarkers = []string{
		"confirm you're not a bot",
		"cookies are no longer valid",
	}
)

// ===========================
// Structs
// ===========================

// RemoteEntry is one remote item descriptor from a flat listing.
type RemoteEntry struct {
	ID    string
	URL   string
	Title string
}

// Manifest is the result of a flat (no-download) listing of a remote query.
type Manifest struct {
	IsPlaylist bool
	Title      string
	Entries    []RemoteEntry
}

// FetchResult describes one item fetched to local storage.
type FetchResult struct {
	Path  string
	Title string
	ID    string
}

// ProviderGateway abstracts the remote content provider. The production
// implementation shells out to yt-dlp; tests substitute fakes.
type ProviderGateway interface {
	// ListFlat resolves a query (URL or free text) to a manifest without
	// downloading anything. Free-text queries return up to SearchCandidates
	// independent candidates with IsPlaylist == false.
	ListFlat(ctx context.Context, query string) (*Manifest, error)

	// FetchOne downloads one item into destDir, transcoded to AudioExt.
	FetchOne(ctx context.Context, url, destDir string) (*FetchResult, error)
}

// ===========================
// Query Classification
// ===========================

// IsRemoteQuery reports whether a raw query should bypass the local catalog.
func IsRemoteQuery(query string) bool {
	q := strings.TrimSpace(strings.ToLower(query))
	for _, p := range urlPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

// StripPlaylistQualifier cuts the playlist parameter off a track URL, so
// "just this entry" re-resolves as a single item.
func StripPlaylistQualifier(url string) string {
	if i := strings.Index(url, "&list="); i >= 0 {
		url = url[:i]
	}
	if i := strings.Index(url, "?list="); i >= 0 {
		url = url[:i]
	}
	return url
}

// IsCredentialError reports whether err carries a provider-side marker that
// the access-credential/cookie material has been invalidated.
func IsCredentialError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredentialsInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range credentialMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// CanonicalURL builds a watch URL from a bare remote identifier, used when a
// manifest entry has no direct URL of its own.
func CanonicalURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// ===========================
// yt-dlp Gateway
// ===========================

// YtdlpGateway implements ProviderGateway by shelling out to yt-dlp.
type YtdlpGateway struct {
	CookieFile string
}

func NewYtdlpGateway(cookieFile string) *YtdlpGateway {
	return &YtdlpGateway{CookieFile: cookieFile}
}

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func (g *YtdlpGateway) buildYtdlpArgs() []string {
	args := []string{
		"--no-check-certificates",
		"--no-warnings",
		"--user-agent", UserAgentDesktop,
		"--socket-timeout", "30",
		"--retries", "3",
	}
	if g.CookieFile != "" {
		if _, err := os.Stat(g.CookieFile); err == nil {
			args = append(args, "--cookies", g.CookieFile)
		}
	}
	return args
}

func (g *YtdlpGateway) ListFlat(ctx context.Context, query string) (*Manifest, error) {
	cmd := newYtdlp()

	target := query
	if !IsRemoteQuery(query) {
		target = fmt.Sprintf("ytsearch%d:%s", SearchCandidates, query)
	}

	res, err := cmd.
		FlatPlaylist().
		Print("%(id)s\t%(url)s\t%(title)s\t%(playlist_title)s").
		IgnoreConfig().
		Run(ctx, append(g.buildYtdlpArgs(), target)...)
	if err != nil {
		if IsCredentialError(err) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}

	m := &Manifest{}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 3 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		e := RemoteEntry{ID: ps[0], URL: ps[1], Title: ps[2]}
		if e.URL == "" || e.URL == "NA" {
			e.URL = CanonicalURL(e.ID)
		}
		if e.Title == "" || e.Title == "NA" {
			e.Title = "Unknown Title"
		}
		m.Entries = append(m.Entries, e)
		if len(ps) >= 4 && ps[3] != "" && ps[3] != "NA" && m.Title == "" {
			m.Title = ps[3]
		}
	}

	if len(m.Entries) == 0 {
		return nil, ErrNoResults
	}
	// A flat listing of a real playlist names it; bare search results do not.
	m.IsPlaylist = IsRemoteQuery(query) && m.Title != "" && len(m.Entries) > 1
	if m.Title == "" {
		m.Title = m.Entries[0].Title
	}
	return m, nil
}

func (g *YtdlpGateway) FetchOne(ctx context.Context, url, destDir string) (*FetchResult, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	cmd := newYtdlp()
	res, err := cmd.
		Format("bestaudio/best").
		ExtractAudio().
		AudioFormat("opus").
		AudioQuality("0").
		Output(destDir+"/%(title)s [%(id)s].%(ext)s").
		Print("after_move:%(filepath)s\t%(title)s\t%(id)s").
		NoPlaylist().
		IgnoreConfig().
		Run(ctx, append(g.buildYtdlpArgs(), url)...)
	if err != nil {
		if IsCredentialError(err) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 3 || ps[0] == "" {
			continue
		}
		return &FetchResult{Path: ps[0], Title: ps[1], ID: ps[2]}, nil
	}
	return nil, fmt.Errorf("%w: could not determine output file", ErrFetchFailed)
}

// ===========================
// Autocomplete Search
// ===========================

// SearchResult is a lightweight candidate for /play autocomplete.
type SearchResult struct{ Title, URL string }

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

var (
	searchCache     = &QueryCache{items: make(map[string]cachedItem)}
	searchCacheOnce sync.Once
)

func startSearchCacheGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		<-ticker.C
		searchCache.Lock()
		now := time.Now()
		for q, item := range searchCache.items {
			if now.After(item.expiresAt) {
				delete(searchCache.items, q)
			}
		}
		searchCache.Unlock()
	}
}

// SearchRemote merges fast music-flavored and plain search results for the
// autocomplete surface. Results are cached for an hour per query.
func SearchRemote(query string) []SearchResult {
	searchCacheOnce.Do(func() { go startSearchCacheGC() })

	searchCache.RLock()
	if item, ok := searchCache.items[query]; ok && time.Now().Before(item.expiresAt) {
		searchCache.RUnlock()
		return item.results
	}
	searchCache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var ytm, yt []SearchResult
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			title := v.Title
			if len(v.Artists) > 0 {
				title += " - " + v.Artists[0].Name
			}
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{Title: title, URL: CanonicalURL(v.VideoID)})
			}
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{Title: v.Title, URL: CanonicalURL(v.VideoID)})
			}
			mu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2300 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	results := append(append([]SearchResult(nil), ytm...), yt...)
	if len(results) > 25 {
		results = results[:25]
	}

	if len(results) > 0 {
		searchCache.Lock()
		searchCache.items[query] = cachedItem{results: results, expiresAt: time.Now().Add(1 * time.Hour)}
		searchCache.Unlock()
	}
	return results
}

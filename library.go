package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disgoorg/disgo/bot"
)

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		if err := GetLibrary().Rebuild(); err != nil {
			LogLibrary("Initial index scan failed: %v", err)
		}
	})
}

// ===========================
// Constants & Variables
// ===========================

// AudioExt is the canonical on-disk audio format. Everything the gateway
// fetches is transcoded to it, so the index only ever scans for one extension.
const AudioExt = ".opus"

var (
	LibraryManager *Library
	OnceLibrary    sync.Once
)

// ===========================
// Structs
// ===========================

// QueueItem is a resolved, locally playable audio unit.
type QueueItem struct {
	Path  string
	Title string
}

// LibraryEntry is one indexed track of the local catalog.
type LibraryEntry struct {
	Title string
	Path  string
}

// Library is the in-memory catalog of locally available audio. It is rebuilt
// by a full directory scan whenever the on-disk catalog may have changed.
type Library struct {
	mu      sync.RWMutex
	root    string
	entries []LibraryEntry
}

// GetLibrary returns the process-wide library index
func GetLibrary() *Library {
	OnceLibrary.Do(func() {
		root := "Library"
		if GlobalConfig != nil {
			root = GlobalConfig.LibraryDir
		}
		LibraryManager = NewLibrary(root)
	})
	return LibraryManager
}

func NewLibrary(root string) *Library {
	return &Library{root: root}
}

func (l *Library) Root() string {
	return l.root
}

// Rebuild rescans the catalog root wholesale. Incremental updates are not
// worth the bookkeeping; a full walk of a few thousand files is cheap.
func (l *Library) Rebuild() error {
	if err := os.MkdirAll(l.root, 0755); err != nil {
		return fmt.Errorf("library root: %w", err)
	}
	var entries []LibraryEntry
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), AudioExt) {
			return nil
		}
		entries = append(entries, LibraryEntry{
			Title: strings.TrimSuffix(d.Name(), AudioExt),
			Path:  path,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("library scan failed: %w", err)
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()

	LogLibrary("Index rebuilt: %d tracks under %s", len(entries), l.root)
	return nil
}

// Entries returns a snapshot of the current index.
func (l *Library) Entries() []LibraryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LibraryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Folders lists the catalog's top-level folders, sorted by name.
func (l *Library) Folders() ([]string, error) {
	dirs, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FolderTracks returns every audio file of the named folder (case-insensitive
// match), sorted lexicographically by filename. The second return reports
// whether a folder by that name exists at all.
func (l *Library) FolderTracks(name string) ([]QueueItem, bool, error) {
	dirs, err := os.ReadDir(l.root)
	if err != nil {
		return nil, false, err
	}
	for _, d := range dirs {
		if !d.IsDir() || !strings.EqualFold(d.Name(), name) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(l.root, d.Name()))
		if err != nil {
			return nil, true, err
		}
		var items []QueueItem
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), AudioExt) {
				continue
			}
			items = append(items, QueueItem{
				Path:  filepath.Join(l.root, d.Name(), f.Name()),
				Title: strings.TrimSuffix(f.Name(), AudioExt),
			})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
		return items, true, nil
	}
	return nil, false, nil
}

// FindCached looks up an indexed file whose path carries the remote item's
// unique identifier. Fetched files are named "<title> [<id>].opus", so a
// substring match on "[<id>]" is sufficient.
func (l *Library) FindCached(remoteID string) (string, bool) {
	if remoteID == "" {
		return "", false
	}
	marker := "[" + remoteID + "]"
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if strings.Contains(e.Path, marker) {
			return e.Path, true
		}
	}
	return "", false
}

// ===========================
// Fuzzy Matching
// ===========================

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && !(r >= 0x80)
	})
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// TokenSetRatio scores the word-level overlap of two strings in [0, 100].
// Order-insensitive and case-insensitive. If either token set fully contains
// the other, the score is 100; otherwise it is the Dice overlap of the sets.
func TokenSetRatio(a, b string) int {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	if inter == len(sa) || inter == len(sb) {
		return 100
	}
	return (100*2*inter + (len(sa)+len(sb))/2) / (len(sa) + len(sb))
}

// BestMatch scores query against every entry title and returns the index and
// score of the best one. Ties resolve to the first-encountered entry; an
// empty index yields (-1, 0).
func (l *Library) BestMatch(query string) (int, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bestIdx, bestScore := -1, 0
	for i, e := range l.entries {
		if score := TokenSetRatio(query, e.Title); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return bestIdx, bestScore
}

// Entry returns the indexed entry at i.
func (l *Library) Entry(i int) (LibraryEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.entries) {
		return LibraryEntry{}, false
	}
	return l.entries[i], true
}

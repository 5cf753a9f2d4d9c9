package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// ===========================
// Fakes
// ===========================

type fakeChooser struct {
	mu             sync.Mutex
	playlistChoice PlaylistChoice
	trackChoice    int
	playlistCalls  int
	trackCands     [][]RemoteEntry
}

func (c *fakeChooser) ChoosePlaylist(ctx context.Context, playlistTitle string, count int) PlaylistChoice {
	c.mu.Lock()
	c.playlistCalls++
	c.mu.Unlock()
	return c.playlistChoice
}

func (c *fakeChooser) ChooseTrack(ctx context.Context, candidates []RemoteEntry) int {
	c.mu.Lock()
	c.trackCands = append(c.trackCands, candidates)
	c.mu.Unlock()
	return c.trackChoice
}

type notifyRec struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notifyRec) fn(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *notifyRec) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.msgs))
	copy(out, n.msgs)
	return out
}

// wait blocks until at least want notifications have arrived.
func (n *notifyRec) wait(t *testing.T, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := n.snapshot()
		if len(msgs) >= want {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d notifications, expected at least %d: %v", len(msgs), want, msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ===========================
// Helpers
// ===========================

func newTestResolver(t *testing.T, g ProviderGateway, choose Disambiguator) (*Resolver, *PlayerSession, *fakePlayer, *Library) {
	t.Helper()
	sess, player, _, _ := newTestSession(t, 180)
	lib := NewLibrary(t.TempDir())
	if err := lib.Rebuild(); err != nil {
		t.Fatal(err)
	}
	return &Resolver{Library: lib, Gateway: g, Choose: choose}, sess, player, lib
}

// ===========================
// Tests
// ===========================

func TestResolveEmptyQuery(t *testing.T) {
	r, sess, _, _ := newTestResolver(t, &scriptedGateway{}, &fakeChooser{})
	rec := &notifyRec{}

	r.Resolve(context.Background(), sess, "   ", rec.fn)

	msgs := rec.wait(t, 1)
	if msgs[0] != "Nothing to play." {
		t.Errorf("got %q", msgs[0])
	}
}

func TestResolveFolderMatch(t *testing.T) {
	g := &scriptedGateway{}
	r, sess, player, lib := newTestResolver(t, g, &fakeChooser{})
	writeOpus(t, filepath.Join(lib.Root(), "Meteora"), "Faint")
	writeOpus(t, filepath.Join(lib.Root(), "Meteora"), "Numb")

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "Meteora", rec.fn)

	msgs := rec.wait(t, 1)
	if !strings.Contains(msgs[0], "Meteora") || !strings.Contains(msgs[0], "2 tracks") {
		t.Errorf("got %q", msgs[0])
	}
	if path := waitPlay(t, player); filepath.Base(path) != "Faint"+AudioExt {
		t.Errorf("started with %q, expected the folder's first track", path)
	}
	if g.listCount() != 0 || g.fetchCount() != 0 {
		t.Error("folder match must not touch the network")
	}
}

func TestResolveConfidentFuzzyMatchStaysLocal(t *testing.T) {
	g := &scriptedGateway{}
	r, sess, player, lib := newTestResolver(t, g, &fakeChooser{})
	want := writeOpus(t, filepath.Join(lib.Root(), "Singles"), "Linkin Park - Numb")
	if err := lib.Rebuild(); err != nil {
		t.Fatal(err)
	}

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "numb linkin park", rec.fn)

	msgs := rec.wait(t, 1)
	if !strings.Contains(msgs[0], "Now playing") || !strings.Contains(msgs[0], "Linkin Park - Numb") {
		t.Errorf("got %q", msgs[0])
	}
	if path := waitPlay(t, player); path != want {
		t.Errorf("played %q, expected %q", path, want)
	}
	if g.listCount() != 0 || g.fetchCount() != 0 {
		t.Error("a confident local match must not touch the network")
	}
}

func TestResolveWeakMatchFallsThroughToRemote(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		Entries: []RemoteEntry{{ID: "x1", URL: "https://e/x1", Title: "Numb Remix"}},
	}}
	r, sess, _, lib := newTestResolver(t, g, &fakeChooser{})
	writeOpus(t, filepath.Join(lib.Root(), "Singles"), "Linkin Park - Numb")
	if err := lib.Rebuild(); err != nil {
		t.Fatal(err)
	}

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "numb remix daft", rec.fn)

	msgs := rec.wait(t, 2)
	if !strings.Contains(msgs[0], "Looking online") {
		t.Errorf("first notification should flag the weak match: %q", msgs[0])
	}
	if g.fetchCount() != 1 {
		t.Errorf("fetched %d items, expected 1", g.fetchCount())
	}
}

func TestResolveSearchDisambiguation(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		Entries: []RemoteEntry{
			{ID: "a", URL: "https://e/a", Title: "Result A"},
			{ID: "b", URL: "https://e/b", Title: "Result B"},
			{ID: "c", URL: "https://e/c", Title: "Result C"},
		},
	}}
	choose := &fakeChooser{trackChoice: 1}
	r, sess, _, _ := newTestResolver(t, g, choose)

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "some song", rec.fn)

	rec.wait(t, 1)
	choose.mu.Lock()
	cands := choose.trackCands
	choose.mu.Unlock()
	if len(cands) != 1 || len(cands[0]) != 3 {
		t.Fatalf("chooser saw %v, expected one call with 3 candidates", cands)
	}

	g.mu.Lock()
	fetched := append([]string(nil), g.fetchCalls...)
	g.mu.Unlock()
	if len(fetched) != 1 || fetched[0] != "https://e/b" {
		t.Errorf("fetched %v, expected the chosen candidate", fetched)
	}
}

func TestResolveDeclinedDisambiguationIsSilent(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		Entries: []RemoteEntry{
			{ID: "a", URL: "https://e/a", Title: "Result A"},
			{ID: "b", URL: "https://e/b", Title: "Result B"},
		},
	}}
	r, sess, _, _ := newTestResolver(t, g, &fakeChooser{trackChoice: -1})

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "some song", rec.fn)

	time.Sleep(50 * time.Millisecond)
	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("declined choice should say nothing, got %v", msgs)
	}
	if g.fetchCount() != 0 {
		t.Error("declined choice should fetch nothing")
	}
	if snap := sess.Snapshot(); snap.State != StateIdle {
		t.Error("declined choice should enqueue nothing")
	}
}

func TestResolveReusesCachedFetch(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		Entries: []RemoteEntry{{ID: "x1", URL: "https://youtu.be/x1", Title: "Song"}},
	}}
	r, sess, player, lib := newTestResolver(t, g, &fakeChooser{})
	want := writeOpus(t, filepath.Join(lib.Root(), "Singles"), "Song [x1]")
	if err := lib.Rebuild(); err != nil {
		t.Fatal(err)
	}

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "https://youtu.be/x1", rec.fn)

	rec.wait(t, 1)
	if path := waitPlay(t, player); path != want {
		t.Errorf("played %q, expected the cached file %q", path, want)
	}
	if g.fetchCount() != 0 {
		t.Error("cached item must not be fetched again")
	}
}

func TestResolvePlaylistWholeRunsBulk(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		IsPlaylist: true,
		Title:      "My List",
		Entries: []RemoteEntry{
			{ID: "a", Title: "A"}, {ID: "b", Title: "B"}, {ID: "c", Title: "C"},
		},
	}}
	r, sess, player, _ := newTestResolver(t, g, &fakeChooser{playlistChoice: ChoiceWhole})

	var bulkTitle string
	r.RunBulk = func(ctx context.Context, title string, entries []RemoteEntry) *AcquisitionReport {
		bulkTitle = title
		return &AcquisitionReport{
			PlaylistTitle: title,
			Folder:        SanitizeFolderName(title),
			Total:         len(entries),
			Succeeded:     []QueueItem{{Path: "p1.opus", Title: "A"}},
		}
	}

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "https://www.youtube.com/watch?v=a&list=PL1", rec.fn)

	msgs := rec.wait(t, 1)
	if bulkTitle != "My List" {
		t.Errorf("bulk ran for %q, expected My List", bulkTitle)
	}
	if !strings.Contains(msgs[0], "Downloaded") {
		t.Errorf("got %q, expected the run summary", msgs[0])
	}
	if path := waitPlay(t, player); path != "p1.opus" {
		t.Errorf("played %q, expected the first acquired track", path)
	}
}

func TestResolvePlaylistSingleStripsQualifier(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		IsPlaylist: true,
		Title:      "My List",
		Entries: []RemoteEntry{
			{ID: "a", URL: "https://e/a", Title: "A"}, {ID: "b", URL: "https://e/b", Title: "B"},
		},
	}}
	r, sess, _, _ := newTestResolver(t, g, &fakeChooser{playlistChoice: ChoiceSingle})

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "https://www.youtube.com/watch?v=a&list=PL1", rec.fn)

	rec.wait(t, 1)
	g.mu.Lock()
	queries := append([]string(nil), g.listQueries...)
	g.mu.Unlock()
	if len(queries) != 2 || queries[1] != "https://www.youtube.com/watch?v=a" {
		t.Errorf("second listing %v, expected the stripped URL", queries)
	}
	if g.fetchCount() != 1 {
		t.Errorf("fetched %d items, expected 1", g.fetchCount())
	}
}

func TestResolvePlaylistCancelIsSilent(t *testing.T) {
	g := &scriptedGateway{manifest: &Manifest{
		IsPlaylist: true,
		Title:      "My List",
		Entries:    []RemoteEntry{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}},
	}}
	r, sess, _, _ := newTestResolver(t, g, &fakeChooser{playlistChoice: ChoiceCancel})

	rec := &notifyRec{}
	r.Resolve(context.Background(), sess, "https://www.youtube.com/watch?v=a&list=PL1", rec.fn)

	time.Sleep(50 * time.Millisecond)
	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("cancelled playlist choice should say nothing, got %v", msgs)
	}
	if g.fetchCount() != 0 {
		t.Error("cancelled playlist choice should fetch nothing")
	}
}

func TestResolveGatewayErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "no results",
			err:      ErrNoResults,
			expected: "No results found.",
		},
		{
			name:     "credentials invalidated",
			err:      ErrCredentialsInvalid,
			expected: "credentials",
		},
		{
			name:     "anything else",
			err:      errors.New("dns failure"),
			expected: "unsupported or unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &scriptedGateway{listErr: tt.err}
			r, sess, _, _ := newTestResolver(t, g, &fakeChooser{})

			rec := &notifyRec{}
			r.Resolve(context.Background(), sess, "https://e/broken", rec.fn)

			msgs := rec.wait(t, 1)
			if !strings.Contains(strings.ToLower(msgs[0]), strings.ToLower(tt.expected)) {
				t.Errorf("got %q, expected it to mention %q", msgs[0], tt.expected)
			}
		})
	}
}

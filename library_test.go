package main

import (
	"os"
	"path/filepath"
	"testing"
)

// writeOpus drops an empty placeholder file so the index scan picks it up.
func writeOpus(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name+AudioExt)
	if err := os.WriteFile(path, []byte{}, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenSetRatio(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected int
	}{
		{
			name:     "identical strings",
			a:        "Linkin Park - Numb",
			b:        "Linkin Park - Numb",
			expected: 100,
		},
		{
			name:     "word order does not matter",
			a:        "numb linkin park",
			b:        "Linkin Park - Numb",
			expected: 100,
		},
		{
			name:     "case does not matter",
			a:        "LINKIN PARK NUMB",
			b:        "linkin park numb",
			expected: 100,
		},
		{
			name:     "query subset of title scores full",
			a:        "numb",
			b:        "Linkin Park - Numb (Official Video)",
			expected: 100,
		},
		{
			name:     "no shared tokens",
			a:        "daft punk",
			b:        "Linkin Park - Numb",
			expected: 0,
		},
		{
			name:     "empty query",
			a:        "",
			b:        "Linkin Park - Numb",
			expected: 0,
		},
		{
			name:     "punctuation only",
			a:        "---",
			b:        "Linkin Park - Numb",
			expected: 0,
		},
		{
			name:     "partial overlap stays below threshold",
			a:        "numb remix daft",
			b:        "linkin park numb",
			expected: 33,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenSetRatio(tt.a, tt.b); got != tt.expected {
				t.Errorf("TokenSetRatio(%q, %q) = %d, expected %d", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestTokenSetRatioRange(t *testing.T) {
	pairs := [][2]string{
		{"a b c", "b c d"},
		{"one two", "two three four five"},
		{"alpha beta gamma delta", "gamma"},
		{"x", "y"},
	}
	for _, p := range pairs {
		got := TokenSetRatio(p[0], p[1])
		if got < 0 || got > 100 {
			t.Errorf("TokenSetRatio(%q, %q) = %d, out of range", p[0], p[1], got)
		}
	}
}

func TestBestMatch(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	lib.entries = []LibraryEntry{
		{Title: "Linkin Park - Numb", Path: "a"},
		{Title: "Linkin Park - In The End", Path: "b"},
		{Title: "Daft Punk - One More Time", Path: "c"},
	}

	tests := []struct {
		name          string
		query         string
		expectedIdx   int
		expectedScore int
	}{
		{
			name:          "exact title",
			query:         "linkin park numb",
			expectedIdx:   0,
			expectedScore: 100,
		},
		{
			name:          "subset of later entry",
			query:         "one more time",
			expectedIdx:   2,
			expectedScore: 100,
		},
		{
			name:          "no match at all",
			query:         "zzzzz",
			expectedIdx:   -1,
			expectedScore: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, score := lib.BestMatch(tt.query)
			if idx != tt.expectedIdx || score != tt.expectedScore {
				t.Errorf("BestMatch(%q) = (%d, %d), expected (%d, %d)", tt.query, idx, score, tt.expectedIdx, tt.expectedScore)
			}
		})
	}
}

func TestBestMatchFirstTieWins(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	lib.entries = []LibraryEntry{
		{Title: "Numb", Path: "first"},
		{Title: "Numb", Path: "second"},
	}
	idx, score := lib.BestMatch("numb")
	if idx != 0 || score != 100 {
		t.Errorf("BestMatch on tied entries = (%d, %d), expected (0, 100)", idx, score)
	}
}

func TestRebuildIndexesNestedFolders(t *testing.T) {
	root := t.TempDir()
	writeOpus(t, filepath.Join(root, "Singles"), "Daft Punk - One More Time")
	writeOpus(t, filepath.Join(root, "Meteora"), "Numb")
	writeOpus(t, filepath.Join(root, "Meteora"), "Faint")
	if err := os.WriteFile(filepath.Join(root, "Meteora", "cover.jpg"), []byte{}, 0644); err != nil {
		t.Fatal(err)
	}

	lib := NewLibrary(root)
	if err := lib.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := len(lib.Entries()); got != 3 {
		t.Errorf("indexed %d entries, expected 3", got)
	}
}

func TestRebuildCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist-yet")
	lib := NewLibrary(root)
	if err := lib.Rebuild(); err != nil {
		t.Fatalf("Rebuild on missing root: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root was not created: %v", err)
	}
}

func TestFolderTracks(t *testing.T) {
	root := t.TempDir()
	writeOpus(t, filepath.Join(root, "Meteora"), "Numb")
	writeOpus(t, filepath.Join(root, "Meteora"), "Faint")
	writeOpus(t, filepath.Join(root, "Singles"), "Something Else")

	lib := NewLibrary(root)

	t.Run("exact name", func(t *testing.T) {
		items, found, err := lib.FolderTracks("Meteora")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("folder not found")
		}
		if len(items) != 2 {
			t.Fatalf("got %d items, expected 2", len(items))
		}
		if items[0].Title != "Faint" || items[1].Title != "Numb" {
			t.Errorf("items not sorted by filename: %q, %q", items[0].Title, items[1].Title)
		}
	})

	t.Run("case-insensitive name", func(t *testing.T) {
		_, found, err := lib.FolderTracks("meteora")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Error("case-insensitive lookup failed")
		}
	})

	t.Run("missing folder", func(t *testing.T) {
		_, found, err := lib.FolderTracks("Hybrid Theory")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Error("reported a folder that does not exist")
		}
	})
}

func TestFindCached(t *testing.T) {
	root := t.TempDir()
	writeOpus(t, filepath.Join(root, "Singles"), "Linkin Park - Numb [dQw4w9WgXcQ]")

	lib := NewLibrary(root)
	if err := lib.Rebuild(); err != nil {
		t.Fatal(err)
	}

	if path, ok := lib.FindCached("dQw4w9WgXcQ"); !ok {
		t.Error("cached file not found by remote id")
	} else if filepath.Base(path) != "Linkin Park - Numb [dQw4w9WgXcQ]"+AudioExt {
		t.Errorf("unexpected path %q", path)
	}

	if _, ok := lib.FindCached("notThere123"); ok {
		t.Error("found a cache entry for an unknown id")
	}
	if _, ok := lib.FindCached(""); ok {
		t.Error("empty id must never hit the cache")
	}
}

package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRemoteQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected bool
	}{
		{
			name:     "https url",
			query:    "https://www.youtube.com/watch?v=abc",
			expected: true,
		},
		{
			name:     "http url",
			query:    "http://example.com/a",
			expected: true,
		},
		{
			name:     "bare www",
			query:    "www.youtube.com/watch?v=abc",
			expected: true,
		},
		{
			name:     "short link",
			query:    "youtu.be/abc",
			expected: true,
		},
		{
			name:     "leading whitespace",
			query:    "  https://youtu.be/abc",
			expected: true,
		},
		{
			name:     "free text",
			query:    "linkin park numb",
			expected: false,
		},
		{
			name:     "url-ish word mid-query",
			query:    "song about https things",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRemoteQuery(tt.query); got != tt.expected {
				t.Errorf("IsRemoteQuery(%q) = %v, expected %v", tt.query, got, tt.expected)
			}
		})
	}
}

func TestStripPlaylistQualifier(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "ampersand list parameter",
			url:      "https://www.youtube.com/watch?v=abc&list=PL123&index=4",
			expected: "https://www.youtube.com/watch?v=abc",
		},
		{
			name:     "question-mark list parameter",
			url:      "https://youtu.be/abc?list=PL123",
			expected: "https://youtu.be/abc",
		},
		{
			name:     "no list parameter",
			url:      "https://www.youtube.com/watch?v=abc",
			expected: "https://www.youtube.com/watch?v=abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripPlaylistQualifier(tt.url); got != tt.expected {
				t.Errorf("StripPlaylistQualifier(%q) = %q, expected %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestIsCredentialError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
		{
			name:     "sentinel",
			err:      ErrCredentialsInvalid,
			expected: true,
		},
		{
			name:     "wrapped sentinel",
			err:      fmt.Errorf("fetch: %w", ErrCredentialsInvalid),
			expected: true,
		},
		{
			name:     "provider bot-check marker",
			err:      errors.New("ERROR: Sign in to confirm you're not a bot"),
			expected: true,
		},
		{
			name:     "stale cookie marker",
			err:      errors.New("The provided YouTube account cookies are no longer valid"),
			expected: true,
		},
		{
			name:     "ordinary failure",
			err:      errors.New("network timeout"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCredentialError(tt.err); got != tt.expected {
				t.Errorf("IsCredentialError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestCanonicalURL(t *testing.T) {
	if got := CanonicalURL("dQw4w9WgXcQ"); got != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("CanonicalURL = %q", got)
	}
}

package main

import (
	"strings"
	"testing"
)

func barCounts(bar string) (filled, empty int) {
	return strings.Count(bar, "━"), strings.Count(bar, "▬")
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name           string
		elapsed        int
		duration       int
		expectedFilled int
	}{
		{
			name:           "start of track",
			elapsed:        0,
			duration:       100,
			expectedFilled: 0,
		},
		{
			name:           "end of track",
			elapsed:        100,
			duration:       100,
			expectedFilled: progressBarCells,
		},
		{
			name:           "halfway",
			elapsed:        50,
			duration:       100,
			expectedFilled: 14,
		},
		{
			name:           "unknown duration",
			elapsed:        42,
			duration:       0,
			expectedFilled: 0,
		},
		{
			name:           "elapsed past the end clamps",
			elapsed:        250,
			duration:       100,
			expectedFilled: progressBarCells,
		},
		{
			name:           "negative elapsed clamps",
			elapsed:        -5,
			duration:       100,
			expectedFilled: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := RenderProgressBar(tt.elapsed, tt.duration)
			filled, empty := barCounts(bar)
			if filled != tt.expectedFilled {
				t.Errorf("filled %d cells, expected %d", filled, tt.expectedFilled)
			}
			if filled+empty != progressBarCells {
				t.Errorf("bar has %d cells, expected %d", filled+empty, progressBarCells)
			}
			if strings.Count(bar, "🔘") != 1 {
				t.Errorf("bar has no single knob: %q", bar)
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int
		expected string
	}{
		{name: "zero", seconds: 0, expected: "0:00"},
		{name: "under a minute", seconds: 42, expected: "0:42"},
		{name: "over a minute", seconds: 65, expected: "1:05"},
		{name: "long track", seconds: 3724, expected: "62:04"},
		{name: "negative clamps to zero", seconds: -7, expected: "0:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTime(tt.seconds); got != tt.expected {
				t.Errorf("formatTime(%d) = %q, expected %q", tt.seconds, got, tt.expected)
			}
		})
	}
}

func TestBuildPanelComponents(t *testing.T) {
	t.Run("idle layout", func(t *testing.T) {
		comps := buildPanelComponents(SessionSnapshot{State: StateIdle}, "")
		if len(comps) == 0 {
			t.Fatal("no components rendered")
		}
	})

	t.Run("playing layout", func(t *testing.T) {
		snap := SessionSnapshot{
			State:           StatePlaying,
			Title:           "Linkin Park - Numb",
			DurationSeconds: 185,
			ElapsedSeconds:  42,
			UpNext:          "Faint",
			QueueLen:        3,
		}
		comps := buildPanelComponents(snap, "")
		if len(comps) == 0 {
			t.Fatal("no components rendered")
		}
	})

	t.Run("bulk line layout", func(t *testing.T) {
		comps := buildPanelComponents(SessionSnapshot{State: StateIdle}, "⬇️ Downloading (2/10): Numb")
		if len(comps) == 0 {
			t.Fatal("no components rendered")
		}
	})
}

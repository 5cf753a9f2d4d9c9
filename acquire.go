package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"golang.org/x/time/rate"
)

// ===========================
// Constants & Variables
// ===========================

const ErrorLogFile = "error_log.txt"

var (
	acquirer     *Acquirer
	acquirerOnce sync.Once

	errorLogMu sync.Mutex
)

// ===========================
// Structs
// ===========================

// Acquirer fetches playlist manifests item by item. One run at a time per
// process; the cancel flag is shared and reset when a run starts.
type Acquirer struct {
	Gateway ProviderGateway
	Library *Library

	// Pacing bounds between items. Both zero disables pacing.
	PaceMin, PaceMax time.Duration

	// editLimiter throttles bulk-progress message edits so a fast run does
	// not hammer the Discord REST API.
	editLimiter *rate.Limiter

	cancel  atomic.Bool
	running atomic.Bool
}

// AcquisitionReport summarizes one finished (or aborted) run.
type AcquisitionReport struct {
	PlaylistTitle      string
	Folder             string
	Total              int
	Succeeded          []QueueItem
	Failed             int
	Cancelled          bool
	CredentialsInvalid bool
}

func (r *AcquisitionReport) Summary() string {
	switch {
	case r.CredentialsInvalid:
		return fmt.Sprintf("🛑 Download of **%s** aborted: provider credentials are no longer valid. Got %d of %d tracks into `%s`.",
			r.PlaylistTitle, len(r.Succeeded), r.Total, r.Folder)
	case r.Cancelled:
		return fmt.Sprintf("⏹️ Download of **%s** stopped. Got %d of %d tracks into `%s`.",
			r.PlaylistTitle, len(r.Succeeded), r.Total, r.Folder)
	case r.Failed > 0:
		return fmt.Sprintf("✅ Downloaded **%s**: %d tracks into `%s` (%d failed, see %s).",
			r.PlaylistTitle, len(r.Succeeded), r.Folder, r.Failed, ErrorLogFile)
	default:
		return fmt.Sprintf("✅ Downloaded **%s**: %d tracks into `%s`.",
			r.PlaylistTitle, len(r.Succeeded), r.Folder)
	}
}

// ===========================
// Acquirer
// ===========================

func GetAcquirer() *Acquirer {
	acquirerOnce.Do(func() {
		a := &Acquirer{
			Gateway:     GetGateway(),
			Library:     GetLibrary(),
			PaceMin:     5 * time.Second,
			PaceMax:     15 * time.Second,
			editLimiter: rate.NewLimiter(rate.Limit(0.5), 1),
		}
		if GlobalConfig != nil {
			a.PaceMin = GlobalConfig.PaceMin
			a.PaceMax = GlobalConfig.PaceMax
		}
		acquirer = a
	})
	return acquirer
}

// Cancel requests the current run stop at the next item boundary.
func (a *Acquirer) Cancel() bool {
	if !a.running.Load() {
		return false
	}
	a.cancel.Store(true)
	return true
}

// Run fetches every entry in order into a folder named after the playlist.
// Cancellation is polled before each entry, never mid-fetch. The library
// index is rebuilt once at the end regardless of outcome.
func (a *Acquirer) Run(ctx context.Context, playlistTitle string, entries []RemoteEntry, surface PanelSurface) *AcquisitionReport {
	folder := SanitizeFolderName(playlistTitle)
	libraryDir := "Library"
	if GlobalConfig != nil {
		libraryDir = GlobalConfig.LibraryDir
	}
	destDir := filepath.Join(libraryDir, folder)

	report := &AcquisitionReport{
		PlaylistTitle: playlistTitle,
		Folder:        folder,
		Total:         len(entries),
	}

	a.cancel.Store(false)
	a.running.Store(true)
	defer a.running.Store(false)

	LogFetch("Starting acquisition of %q (%d entries) into %s", playlistTitle, len(entries), destDir)

	for i, entry := range entries {
		if a.cancel.Load() {
			report.Cancelled = true
			LogFetch("Acquisition of %q cancelled at entry %d/%d", playlistTitle, i+1, len(entries))
			break
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		if surface != nil && a.allowEdit() {
			surface.RenderBulkProgress(i+1, len(entries), entry.Title)
		}

		u := entry.URL
		if u == "" {
			u = CanonicalURL(entry.ID)
		}

		res, err := a.Gateway.FetchOne(ctx, u, destDir)
		if err != nil {
			appendErrorLog(entry.Title, err.Error())
			if IsCredentialError(err) {
				report.CredentialsInvalid = true
				LogFetch("Acquisition of %q aborted: credentials invalidated at entry %d", playlistTitle, i+1)
				break
			}
			report.Failed++
			LogFetch("Entry %d/%d failed (%s): %v", i+1, len(entries), entry.Title, err)
			continue
		}

		report.Succeeded = append(report.Succeeded, QueueItem{Path: res.Path, Title: res.Title})

		if i < len(entries)-1 {
			a.pace(ctx)
		}
	}

	if err := a.Library.Rebuild(); err != nil {
		LogLibrary("Index rebuild after acquisition failed: %v", err)
	}

	LogFetch("Acquisition of %q done: %d ok, %d failed, cancelled=%v", playlistTitle, len(report.Succeeded), report.Failed, report.Cancelled)
	return report
}

func (a *Acquirer) allowEdit() bool {
	return a.editLimiter == nil || a.editLimiter.Allow()
}

// pace sleeps a randomized interval between items to stay under upstream
// rate limits.
func (a *Acquirer) pace(ctx context.Context) {
	if a.PaceMax <= 0 {
		return
	}
	d := a.PaceMin
	if spread := a.PaceMax - a.PaceMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// SanitizeFolderName keeps letters, digits, spaces, hyphens and underscores.
func SanitizeFolderName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			sb.WriteRune(r)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "Playlist"
	}
	return out
}

// appendErrorLog records one acquisition failure, one line per failure.
func appendErrorLog(title, reason string) {
	errorLogMu.Lock()
	defer errorLogMu.Unlock()
	f, err := os.OpenFile(ErrorLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		LogFetch("Could not open %s: %v", ErrorLogFile, err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] SONG: %s | ERROR: %s\n", time.Now().Format("2006-01-02 15:04:05"), title, reason)
	if _, err := f.WriteString(line); err != nil {
		LogFetch("Could not write %s: %v", ErrorLogFile, err)
	}
}

// ===========================
// Commands
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "cancel",
		Description:              "Cancel the running bulk download (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
	}, handleCancel)
}

func handleCancel(ev *events.ApplicationCommandInteractionCreate) {
	if GetAcquirer().Cancel() {
		LogFetch("User %s (%s) cancelled the bulk download", ev.User().Username, ev.User().ID)
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("⏹️ Stopping after the current track.").SetEphemeral(true).Build())
		return
	}
	_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("No bulk download is running.").SetEphemeral(true).Build())
}

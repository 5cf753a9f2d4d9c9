package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ===========================
// Constants & Variables
// ===========================

type PlaylistChoice int

const (
	ChoiceCancel PlaylistChoice = iota
	ChoiceSingle
	ChoiceWhole
)

var (
	defaultGateway ProviderGateway
	gatewayOnce    sync.Once
)

// ===========================
// Structs
// ===========================

// Disambiguator asks an external actor to narrow an ambiguous remote result.
// Implementations must resolve within a bounded time; decline and timeout both
// come back as cancel.
type Disambiguator interface {
	// ChoosePlaylist offers {just this entry, whole playlist, cancel}.
	ChoosePlaylist(ctx context.Context, playlistTitle string, count int) PlaylistChoice

	// ChooseTrack offers the candidates plus cancel; returns the selected
	// index or -1.
	ChooseTrack(ctx context.Context, candidates []RemoteEntry) int
}

// Resolver turns one raw user query into queue items: local folder, fuzzy
// library match, or remote resolution with disambiguation.
type Resolver struct {
	Library *Library
	Gateway ProviderGateway
	Choose  Disambiguator

	// RunBulk delegates a whole-playlist acquisition; nil disables it.
	RunBulk func(ctx context.Context, playlistTitle string, entries []RemoteEntry) *AcquisitionReport
}

// ===========================
// Gateway Singleton
// ===========================

func GetGateway() ProviderGateway {
	gatewayOnce.Do(func() {
		cookieFile := ""
		if GlobalConfig != nil {
			cookieFile = GlobalConfig.CookieFile
		}
		defaultGateway = NewYtdlpGateway(cookieFile)
	})
	return defaultGateway
}

func fuzzyThreshold() int {
	if GlobalConfig != nil {
		return GlobalConfig.FuzzyThreshold
	}
	return 90
}

// ===========================
// Resolution Pipeline
// ===========================

// Resolve runs the full pipeline for one request and reports every
// user-visible outcome through notify. A cancelled disambiguation says
// nothing at all.
func (r *Resolver) Resolve(ctx context.Context, sess *PlayerSession, rawQuery string, notify func(string)) {
	query := strings.TrimSpace(rawQuery)
	if query == "" {
		notify("Nothing to play.")
		return
	}

	if !IsRemoteQuery(query) {
		if items, found, err := r.Library.FolderTracks(query); found && err == nil && len(items) > 0 {
			r.enqueue(sess, items, fmt.Sprintf("**%s** (%d tracks)", query, len(items)), notify)
			return
		}

		if idx, score := r.Library.BestMatch(query); idx >= 0 {
			entry, _ := r.Library.Entry(idx)
			if score >= fuzzyThreshold() {
				LogLibrary("Local match for %q: %s (%d%%)", query, entry.Title, score)
				r.enqueue(sess, []QueueItem{{Path: entry.Path, Title: entry.Title}}, entry.Title, notify)
				return
			}
			if score > 0 {
				notify(fmt.Sprintf("No confident local match (best was **%s** at %d%%). Looking online...", entry.Title, score))
			}
		}
	}

	r.resolveRemote(ctx, sess, query, notify)
}

func (r *Resolver) resolveRemote(ctx context.Context, sess *PlayerSession, query string, notify func(string)) {
	manifest, err := r.Gateway.ListFlat(ctx, query)
	if err != nil {
		switch {
		case IsCredentialError(err):
			notify("Provider credentials are no longer valid. Refresh the cookie file.")
		case errors.Is(err, ErrNoResults):
			notify("No results found.")
		default:
			notify("That source is unsupported or unreachable.")
		}
		return
	}

	// Playlist link: ask whether they meant the one track or the whole list.
	if manifest.IsPlaylist && len(manifest.Entries) > 1 && IsRemoteQuery(query) {
		switch r.Choose.ChoosePlaylist(ctx, manifest.Title, len(manifest.Entries)) {
		case ChoiceWhole:
			r.acquireAll(ctx, sess, manifest, notify)
		case ChoiceSingle:
			single := StripPlaylistQualifier(query)
			m2, err := r.Gateway.ListFlat(ctx, single)
			if err != nil || len(m2.Entries) == 0 {
				notify("Could not resolve that track on its own.")
				return
			}
			r.fetchAndEnqueue(ctx, sess, m2.Entries[0], notify)
		case ChoiceCancel:
		}
		return
	}

	// Search results: several independent candidates.
	if !manifest.IsPlaylist && len(manifest.Entries) > 1 {
		candidates := manifest.Entries
		if len(candidates) > SearchCandidates {
			candidates = candidates[:SearchCandidates]
		}
		i := r.Choose.ChooseTrack(ctx, candidates)
		if i < 0 || i >= len(candidates) {
			return
		}
		r.fetchAndEnqueue(ctx, sess, candidates[i], notify)
		return
	}

	r.fetchAndEnqueue(ctx, sess, manifest.Entries[0], notify)
}

// fetchAndEnqueue brings one remote entry local, reusing a cached file for
// the same remote ID when the library already holds one.
func (r *Resolver) fetchAndEnqueue(ctx context.Context, sess *PlayerSession, entry RemoteEntry, notify func(string)) {
	if path, ok := r.Library.FindCached(entry.ID); ok {
		LogFetch("Cache hit for %s: %s", entry.ID, path)
		title := entry.Title
		if title == "" {
			title = strings.TrimSuffix(path, AudioExt)
		}
		r.enqueue(sess, []QueueItem{{Path: path, Title: title}}, title, notify)
		return
	}

	u := entry.URL
	if u == "" {
		u = CanonicalURL(entry.ID)
	}
	destDir := "Library/Singles"
	if GlobalConfig != nil {
		destDir = GlobalConfig.SinglesDir
	}

	res, err := r.Gateway.FetchOne(ctx, u, destDir)
	if err != nil {
		if IsCredentialError(err) {
			notify("Provider credentials are no longer valid. Refresh the cookie file.")
		} else {
			notify(fmt.Sprintf("Could not fetch **%s**.", entry.Title))
			LogFetch("Fetch failed for %s: %v", u, err)
		}
		return
	}
	if err := r.Library.Rebuild(); err != nil {
		LogLibrary("Index rebuild failed: %v", err)
	}
	r.enqueue(sess, []QueueItem{{Path: res.Path, Title: res.Title}}, res.Title, notify)
}

func (r *Resolver) acquireAll(ctx context.Context, sess *PlayerSession, manifest *Manifest, notify func(string)) {
	if r.RunBulk == nil {
		notify("Bulk downloads are not available right now.")
		return
	}
	report := r.RunBulk(ctx, manifest.Title, manifest.Entries)
	if len(report.Succeeded) > 0 {
		sess.Enqueue(report.Succeeded, nil)
	}
	notify(report.Summary())
}

func (r *Resolver) enqueue(sess *PlayerSession, items []QueueItem, label string, notify func(string)) {
	sess.Enqueue(items, func(started bool) {
		if started {
			notify(fmt.Sprintf("▶️ Now playing: **%s**", label))
		} else {
			notify(fmt.Sprintf("➕ Queued: **%s** (behind the current track)", label))
		}
	})
}

// ===========================
// Commands
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "play",
		Description: "Play a track, folder or link.",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:         "query",
				Description:  "Song title, library folder, URL or search term",
				Required:     true,
				Autocomplete: true,
			},
		},
	}, handlePlay)
	RegisterAutocompleteHandler("play", handlePlayAutocomplete)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "library",
		Description: "Browse the local music library.",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "folder",
				Description: "Show the tracks of one folder",
				Required:    false,
			},
		},
	}, handleLibrary)
}

// handlePlay resolves a /play request after joining the caller's channel.
func handlePlay(ev *events.ApplicationCommandInteractionCreate) {
	data := ev.SlashCommandInteractionData()
	query := data.String("query")

	if ev.GuildID() == nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("This only works in a server.").SetEphemeral(true).Build())
		return
	}
	guildID := *ev.GuildID()

	LogPlayer("User %s (%s) requested: %s", ev.User().Username, ev.User().ID, query)

	vs, ok := ev.Client().Caches.VoiceState(guildID, ev.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Join a voice channel first.").SetEphemeral(true).Build())
		return
	}

	_ = ev.DeferCreateMessage(false)

	sess := GetPlayerSystem().Session(ev.Client(), guildID)

	joinErr := make(chan error, 1)
	go func() { joinErr <- sess.Connect(context.Background(), *vs.ChannelID) }()

	notify := func(msg string) {
		if _, err := ev.Client().Rest.UpdateInteractionResponse(ev.ApplicationID(), ev.Token(), discord.NewMessageUpdateBuilder().SetContent(msg).Build()); err != nil {
			LogPlayer("Failed to update /play response: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resolver := &Resolver{
		Library: GetLibrary(),
		Gateway: GetGateway(),
		Choose:  NewInteractionChooser(ev),
		RunBulk: func(ctx context.Context, title string, entries []RemoteEntry) *AcquisitionReport {
			return GetAcquirer().Run(ctx, title, entries, NewGuildPanelSurface(ev.Client(), guildID))
		},
	}

	if err := <-joinErr; err != nil {
		notify("Could not join your voice channel.")
		return
	}

	resolver.Resolve(ctx, sess, query, notify)
}

func handlePlayAutocomplete(ev *events.AutocompleteInteractionCreate) {
	f := ev.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := strings.TrimSpace(f.String())
	if q == "" || strings.Contains(q, "http") {
		_ = ev.AutocompleteResult(nil)
		return
	}

	var choices []discord.AutocompleteChoice

	// Library titles first; they resolve without any network traffic.
	lib := GetLibrary()
	ql := strings.ToLower(q)
	for _, entry := range lib.Entries() {
		if len(choices) >= 5 {
			break
		}
		if strings.Contains(strings.ToLower(entry.Title), ql) {
			choices = append(choices, discord.AutocompleteChoiceString{Name: "💾 " + clampLen(entry.Title, 97), Value: clampLen(entry.Title, 100)})
		}
	}

	for _, r := range SearchRemote(q) {
		if len(choices) >= 25 {
			break
		}
		v := r.URL
		if len(v) > 100 {
			v = clampLen(r.Title, 100)
		}
		choices = append(choices, discord.AutocompleteChoiceString{Name: clampLen(r.Title, 100), Value: v})
	}
	_ = ev.AutocompleteResult(choices)
}

func clampLen(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// handleLibrary lists folders, or one folder's tracks.
func handleLibrary(ev *events.ApplicationCommandInteractionCreate) {
	data := ev.SlashCommandInteractionData()
	lib := GetLibrary()

	if folder, ok := data.OptString("folder"); ok && folder != "" {
		items, found, err := lib.FolderTracks(folder)
		if err != nil || !found {
			_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent(fmt.Sprintf("No folder named **%s**.", folder)).SetEphemeral(true).Build())
			return
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("**%s** · %d tracks\n", folder, len(items)))
		for i, it := range items {
			if i >= 20 {
				sb.WriteString(fmt.Sprintf("*...and %d more*\n", len(items)-20))
				break
			}
			sb.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, it.Title))
		}
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().
			SetIsComponentsV2(true).
			AddComponents(discord.NewContainer(discord.NewTextDisplay(sb.String()))).
			SetEphemeral(true).
			Build())
		return
	}

	folders, err := lib.Folders()
	if err != nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Could not read the library.").SetEphemeral(true).Build())
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Library** · %d tracks total\n", len(lib.Entries())))
	if len(folders) == 0 {
		sb.WriteString("_No folders yet._")
	} else {
		for _, f := range folders {
			sb.WriteString("📁 " + f + "\n")
		}
	}
	_ = ev.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(discord.NewContainer(discord.NewTextDisplay(sb.String()))).
		SetEphemeral(true).
		Build())
}

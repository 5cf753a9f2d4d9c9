package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

const progressBarCells = 29

// Chooser reply codes carried in button custom IDs.
const (
	chooseValCancel = "c"
	chooseValSingle = "s"
	chooseValWhole  = "w"
)

var (
	chooseWaiters   = map[string]chan int{}
	chooseWaitersMu sync.Mutex
	chooseSeq       atomic.Int64
)

// ===========================
// Structs
// ===========================

// PanelSurface is the decorative UI channel a session reports into. Pushes
// are best effort; a missing or deleted surface is never an error.
type PanelSurface interface {
	RenderNowPlaying(snap SessionSnapshot)
	RenderIdle()
	RenderBulkProgress(index, total int, title string)
}

// GuildPanelSurface edits the guild's bound panel message in place.
type GuildPanelSurface struct {
	client  *bot.Client
	guildID snowflake.ID
}

func NewGuildPanelSurface(client *bot.Client, guildID snowflake.ID) *GuildPanelSurface {
	return &GuildPanelSurface{client: client, guildID: guildID}
}

// ===========================
// Rendering
// ===========================

// RenderProgressBar draws a fixed-width bar with a knob at the played/unplayed
// boundary. Unknown duration renders an empty bar.
func RenderProgressBar(elapsed, duration int) string {
	filled := 0
	if duration > 0 {
		frac := float64(elapsed) / float64(duration)
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		filled = int(frac * progressBarCells)
	}
	return strings.Repeat("━", filled) + "🔘" + strings.Repeat("▬", progressBarCells-filled)
}

func formatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// buildPanelComponents renders the panel body plus its control rows.
// bulkLine, when set, is shown under the player block during bulk downloads.
func buildPanelComponents(snap SessionSnapshot, bulkLine string) []discord.LayoutComponent {
	var body strings.Builder
	if snap.State == StateIdle {
		body.WriteString("**Idle** · nothing playing.\nUse `/play` or the ➕ button to request something.")
	} else {
		body.WriteString(fmt.Sprintf("**Now Playing**\n**%s**\n", snap.Title))
		body.WriteString(fmt.Sprintf("`%s` %s `%s`", formatTime(snap.ElapsedSeconds), RenderProgressBar(snap.ElapsedSeconds, snap.DurationSeconds), formatTime(snap.DurationSeconds)))
		if snap.State == StatePaused {
			body.WriteString("\n⏸️ Paused")
		}
		if snap.UpNext != "" {
			body.WriteString(fmt.Sprintf("\n**Up Next:** %s (%d queued)", snap.UpNext, snap.QueueLen))
		} else {
			body.WriteString("\n**Up Next:** _empty_")
		}
	}
	if bulkLine != "" {
		body.WriteString("\n" + bulkLine)
	}

	container := discord.NewContainer(
		discord.NewTextDisplay(body.String()),
		discord.NewSeparator(discord.SeparatorSpacingSizeSmall).WithDivider(true),
		discord.NewActionRow(
			discord.NewButton(discord.ButtonStylePrimary, "⏯", "panel:playpause", "", 0),
			discord.NewButton(discord.ButtonStyleSecondary, "⏭", "panel:skip", "", 0),
			discord.NewButton(discord.ButtonStyleDanger, "⏹", "panel:stop", "", 0),
			discord.NewButton(discord.ButtonStyleSecondary, "🔀", "panel:shuffle", "", 0),
			discord.NewButton(discord.ButtonStyleSecondary, "🗑", "panel:clear", "", 0),
		),
		discord.NewActionRow(
			discord.NewButton(discord.ButtonStyleSecondary, "📜 Queue", "panel:queue", "", 0),
			discord.NewButton(discord.ButtonStyleSecondary, "📁 Library", "panel:library", "", 0),
			discord.NewButton(discord.ButtonStyleSuccess, "➕ Add", "panel:add", "", 0),
		),
	)
	return []discord.LayoutComponent{container}
}

func (s *GuildPanelSurface) RenderNowPlaying(snap SessionSnapshot) {
	s.update(buildPanelComponents(snap, ""))
}

func (s *GuildPanelSurface) RenderIdle() {
	s.update(buildPanelComponents(SessionSnapshot{State: StateIdle}, ""))
}

func (s *GuildPanelSurface) RenderBulkProgress(index, total int, title string) {
	var snap SessionSnapshot
	if sess := GetPlayerSystem().Peek(s.guildID); sess != nil {
		snap = sess.Snapshot()
	}
	line := fmt.Sprintf("⬇️ Downloading (%d/%d): %s", index, total, title)
	s.update(buildPanelComponents(snap, line))
}

// update pushes the panel in the background. A guild without a binding, or
// with a deleted panel message, is silently skipped.
func (s *GuildPanelSurface) update(components []discord.LayoutComponent) {
	safeGo(func() {
		binding, err := GetPanelBinding(context.Background(), s.guildID)
		if err != nil || binding == nil {
			return
		}
		_, err = s.client.Rest.UpdateMessage(binding.ChannelID, binding.MessageID,
			discord.NewMessageUpdateBuilder().
				SetIsComponentsV2(true).
				SetComponents(components...).
				Build())
		if err != nil {
			LogPanel("Panel update in guild %s failed: %v", s.guildID, err)
		}
	})
}

// ===========================
// Interaction Chooser
// ===========================

// InteractionChooser resolves disambiguation prompts with ephemeral followup
// buttons. Decline and timeout both come back as cancel.
type InteractionChooser struct {
	client *bot.Client
	appID  snowflake.ID
	token  string
}

func NewInteractionChooser(ev *events.ApplicationCommandInteractionCreate) *InteractionChooser {
	return newChooser(ev.Client(), ev.ApplicationID(), ev.Token())
}

func newChooser(client *bot.Client, appID snowflake.ID, token string) *InteractionChooser {
	return &InteractionChooser{client: client, appID: appID, token: token}
}

func chooseTimeout() time.Duration {
	if GlobalConfig != nil && GlobalConfig.ChooseTimeout > 0 {
		return GlobalConfig.ChooseTimeout
	}
	return 30 * time.Second
}

func registerChooseWaiter() (string, chan int) {
	nonce := strconv.FormatInt(chooseSeq.Add(1), 10)
	ch := make(chan int, 1)
	chooseWaitersMu.Lock()
	chooseWaiters[nonce] = ch
	chooseWaitersMu.Unlock()
	return nonce, ch
}

func unregisterChooseWaiter(nonce string) {
	chooseWaitersMu.Lock()
	delete(chooseWaiters, nonce)
	chooseWaitersMu.Unlock()
}

func (c *InteractionChooser) await(ctx context.Context, ch chan int) int {
	select {
	case v := <-ch:
		return v
	case <-time.After(chooseTimeout()):
		return -1
	case <-ctx.Done():
		return -1
	}
}

func (c *InteractionChooser) ChoosePlaylist(ctx context.Context, playlistTitle string, count int) PlaylistChoice {
	nonce, ch := registerChooseWaiter()
	defer unregisterChooseWaiter(nonce)

	msg, err := c.client.Rest.CreateFollowupMessage(c.appID, c.token, discord.NewMessageCreateBuilder().
		SetContent(fmt.Sprintf("**%s** is a playlist with %d entries.", playlistTitle, count)).
		AddActionRow(
			discord.NewButton(discord.ButtonStylePrimary, "Just this track", "choose:"+nonce+":"+chooseValSingle, "", 0),
			discord.NewButton(discord.ButtonStyleSuccess, fmt.Sprintf("Whole playlist (%d)", count), "choose:"+nonce+":"+chooseValWhole, "", 0),
			discord.NewButton(discord.ButtonStyleSecondary, "Cancel", "choose:"+nonce+":"+chooseValCancel, "", 0),
		).
		Build())
	if err != nil {
		LogPanel("Failed to post playlist prompt: %v", err)
		return ChoiceCancel
	}
	defer func() { _ = c.client.Rest.DeleteFollowupMessage(c.appID, c.token, msg.ID) }()

	switch c.await(ctx, ch) {
	case -2:
		return ChoiceSingle
	case -3:
		return ChoiceWhole
	default:
		return ChoiceCancel
	}
}

func (c *InteractionChooser) ChooseTrack(ctx context.Context, candidates []RemoteEntry) int {
	nonce, ch := registerChooseWaiter()
	defer unregisterChooseWaiter(nonce)

	var sb strings.Builder
	sb.WriteString("Pick a track:\n")
	buttons := make([]discord.InteractiveComponent, 0, len(candidates)+1)
	for i, cand := range candidates {
		sb.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, cand.Title))
		buttons = append(buttons, discord.NewButton(discord.ButtonStylePrimary, strconv.Itoa(i+1), fmt.Sprintf("choose:%s:%d", nonce, i), "", 0))
	}
	buttons = append(buttons, discord.NewButton(discord.ButtonStyleSecondary, "Cancel", "choose:"+nonce+":"+chooseValCancel, "", 0))

	msg, err := c.client.Rest.CreateFollowupMessage(c.appID, c.token, discord.NewMessageCreateBuilder().
		SetContent(sb.String()).
		AddActionRow(buttons...).
		Build())
	if err != nil {
		LogPanel("Failed to post track prompt: %v", err)
		return -1
	}
	defer func() { _ = c.client.Rest.DeleteFollowupMessage(c.appID, c.token, msg.ID) }()

	v := c.await(ctx, ch)
	if v < 0 || v >= len(candidates) {
		return -1
	}
	return v
}

// handleChooseComponent forwards a button press to the pipeline waiting on it.
func handleChooseComponent(ev *events.ComponentInteractionCreate) {
	parts := strings.Split(ev.Data.CustomID(), ":")
	_ = ev.DeferUpdateMessage()
	if len(parts) != 3 {
		return
	}
	chooseWaitersMu.Lock()
	ch, ok := chooseWaiters[parts[1]]
	chooseWaitersMu.Unlock()
	if !ok {
		return
	}

	code := -1
	switch parts[2] {
	case chooseValCancel:
		code = -1
	case chooseValSingle:
		code = -2
	case chooseValWhole:
		code = -3
	default:
		if n, err := strconv.Atoi(parts[2]); err == nil {
			code = n
		}
	}
	select {
	case ch <- code:
	default:
	}
}

// ===========================
// Panel Commands & Handlers
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "panel",
		Description:              "Pin the player panel to this channel (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
	}, handlePanelSetup)

	RegisterComponentHandler("panel:", handlePanelComponent)
	RegisterComponentHandler("choose:", handleChooseComponent)
	RegisterModalHandler("panel:add-modal", handleAddModal)

	OnClientReady(restorePanels)
}

// restorePanels repaints every bound panel after a restart. Queue state is
// not persisted, so they all come back idle.
func restorePanels(ctx context.Context, client *bot.Client) {
	bindings, err := ListPanelBindings(ctx)
	if err != nil {
		LogPanel("Could not load panel bindings: %v", err)
		return
	}
	for _, b := range bindings {
		NewGuildPanelSurface(client, b.GuildID).RenderIdle()
	}
	if len(bindings) > 0 {
		LogPanel("Restored %d player panel(s)", len(bindings))
	}
}

// handlePanelSetup posts a fresh panel message and rebinds the guild to it.
func handlePanelSetup(ev *events.ApplicationCommandInteractionCreate) {
	if ev.GuildID() == nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("This only works in a server.").SetEphemeral(true).Build())
		return
	}
	guildID := *ev.GuildID()
	channelID := ev.Channel().ID()

	msg, err := ev.Client().Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(buildPanelComponents(SessionSnapshot{State: StateIdle}, "")...).
		Build())
	if err != nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Could not post the panel here.").SetEphemeral(true).Build())
		return
	}

	ctx := context.Background()

	// Drop the previous panel message, if any.
	if old, err := GetPanelBinding(ctx, guildID); err == nil && old != nil {
		_ = ev.Client().Rest.DeleteMessage(old.ChannelID, old.MessageID)
	}

	if err := SetPanelBinding(ctx, &PanelBinding{GuildID: guildID, ChannelID: channelID, MessageID: msg.ID}); err != nil {
		LogPanel("Could not persist panel binding for guild %s: %v", guildID, err)
	}

	LogPanel("Panel bound to channel %s in guild %s", channelID, guildID)
	_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Player panel is set up.").SetEphemeral(true).Build())
}

func handlePanelComponent(ev *events.ComponentInteractionCreate) {
	if ev.GuildID() == nil {
		_ = ev.DeferUpdateMessage()
		return
	}
	guildID := *ev.GuildID()
	action := strings.TrimPrefix(ev.Data.CustomID(), "panel:")
	sess := GetPlayerSystem().Session(ev.Client(), guildID)

	switch action {
	case "playpause":
		sess.TogglePause()
		_ = ev.DeferUpdateMessage()
	case "skip":
		sess.Skip()
		_ = ev.DeferUpdateMessage()
	case "stop":
		sess.Stop()
		_ = ev.DeferUpdateMessage()
	case "shuffle":
		sess.Shuffle()
		_ = ev.DeferUpdateMessage()
	case "clear":
		sess.ClearQueue()
		_ = ev.DeferUpdateMessage()
	case "queue":
		showQueue(ev, sess)
	case "library":
		showLibraryOverview(ev)
	case "add":
		openAddModal(ev)
	default:
		_ = ev.DeferUpdateMessage()
	}
}

func showQueue(ev *events.ComponentInteractionCreate, sess *PlayerSession) {
	snap := sess.Snapshot()
	items := sess.Queue()

	var sb strings.Builder
	if snap.State == StateIdle {
		sb.WriteString("Nothing playing.\n")
	} else {
		sb.WriteString(fmt.Sprintf("**Now Playing:** %s\n", snap.Title))
	}
	sb.WriteString("**Queue:**\n")
	if len(items) == 0 {
		sb.WriteString("_Empty_")
	} else {
		for i, it := range items {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("*...and %d more*", len(items)-10))
				break
			}
			sb.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, it.Title))
		}
	}
	_ = ev.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(discord.NewContainer(discord.NewTextDisplay(sb.String()))).
		SetEphemeral(true).
		Build())
}

func showLibraryOverview(ev *events.ComponentInteractionCreate) {
	lib := GetLibrary()
	folders, err := lib.Folders()
	if err != nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Could not read the library.").SetEphemeral(true).Build())
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Library** · %d tracks total\n", len(lib.Entries())))
	if len(folders) == 0 {
		sb.WriteString("_No folders yet._")
	}
	for _, f := range folders {
		sb.WriteString("📁 " + f + "\n")
	}
	_ = ev.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(discord.NewContainer(discord.NewTextDisplay(sb.String()))).
		SetEphemeral(true).
		Build())
}

func openAddModal(ev *events.ComponentInteractionCreate) {
	err := ev.Modal(discord.NewModalCreateBuilder().
		SetCustomID("panel:add-modal").
		SetTitle("Request a Song or Link").
		AddActionRow(discord.TextInputComponent{
			CustomID:    "query",
			Style:       discord.TextInputStyleShort,
			Label:       "Song Name or YouTube Link",
			Placeholder: "e.g. Linkin Park Numb",
			Required:    true,
		}).
		Build())
	if err != nil {
		LogPanel("Failed to open add modal: %v", err)
	}
}

// handleAddModal runs the modal query through the same pipeline as /play.
func handleAddModal(ev *events.ModalSubmitInteractionCreate) {
	query := strings.TrimSpace(ev.Data.Text("query"))
	if ev.GuildID() == nil || query == "" {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Nothing to play.").SetEphemeral(true).Build())
		return
	}
	guildID := *ev.GuildID()

	vs, ok := ev.Client().Caches.VoiceState(guildID, ev.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = ev.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Join a voice channel first.").SetEphemeral(true).Build())
		return
	}

	_ = ev.DeferCreateMessage(true)

	sess := GetPlayerSystem().Session(ev.Client(), guildID)
	if err := sess.Connect(context.Background(), *vs.ChannelID); err != nil {
		_, _ = ev.Client().Rest.UpdateInteractionResponse(ev.ApplicationID(), ev.Token(), discord.NewMessageUpdateBuilder().SetContent("Could not join your voice channel.").Build())
		return
	}

	notify := func(msg string) {
		if _, err := ev.Client().Rest.UpdateInteractionResponse(ev.ApplicationID(), ev.Token(), discord.NewMessageUpdateBuilder().SetContent(msg).Build()); err != nil {
			LogPanel("Failed to update add-modal response: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resolver := &Resolver{
		Library: GetLibrary(),
		Gateway: GetGateway(),
		Choose:  newChooser(ev.Client(), ev.ApplicationID(), ev.Token()),
		RunBulk: func(ctx context.Context, title string, entries []RemoteEntry) *AcquisitionReport {
			return GetAcquirer().Run(ctx, title, entries, NewGuildPanelSurface(ev.Client(), guildID))
		},
	}
	resolver.Resolve(ctx, sess, query, notify)
}

package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

type PlayState int

const (
	StateIdle PlayState = iota
	StatePlaying
	StatePaused
)

var (
	playerSystem     *PlayerSystem
	playerSystemOnce sync.Once

	// Swappable in tests.
	nowFunc       = time.Now
	probeDuration = ProbeDuration
)

// ===========================
// Structs
// ===========================

// PlayerSystem tracks one PlayerSession per guild, created lazily.
type PlayerSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*PlayerSession
}

// PlayerSession owns one guild's queue and playback state machine. All
// mutation runs on a single command-loop goroutine; public methods post
// closures onto cmds, which is the only synchronization point.
type PlayerSession struct {
	GuildID snowflake.ID

	player     TrackPlayer
	voice      *VoicePlayer
	surface    PanelSurface
	cmds       chan func()
	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	// Owned by the command loop.
	queue           []QueueItem
	title           string
	durationSeconds int
	startedAt       time.Time
	pausedAt        time.Time
	paused          bool
}

// SessionSnapshot is a read-only view of a session, safe to use off-loop.
type SessionSnapshot struct {
	State           PlayState
	Title           string
	DurationSeconds int
	ElapsedSeconds  int
	UpNext          string
	QueueLen        int
}

// ===========================
// Player System
// ===========================

func GetPlayerSystem() *PlayerSystem {
	playerSystemOnce.Do(func() {
		playerSystem = &PlayerSystem{sessions: make(map[snowflake.ID]*PlayerSession)}
	})
	return playerSystem
}

// Session returns the guild's session, creating one bound to a voice player
// and the guild's panel surface on first reference.
func (ps *PlayerSystem) Session(client *bot.Client, guildID snowflake.ID) *PlayerSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if sess, ok := ps.sessions[guildID]; ok {
		return sess
	}
	vp := NewVoicePlayer(client, guildID)
	sess := NewPlayerSession(guildID, vp, NewGuildPanelSurface(client, guildID))
	sess.voice = vp
	ps.sessions[guildID] = sess
	return sess
}

// Peek returns the guild's session without creating one.
func (ps *PlayerSystem) Peek(guildID snowflake.ID) *PlayerSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessions[guildID]
}

func (ps *PlayerSystem) All() []*PlayerSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]*PlayerSession, 0, len(ps.sessions))
	for _, sess := range ps.sessions {
		out = append(out, sess)
	}
	return out
}

// Shutdown stops every session and tears down their voice connections.
func (ps *PlayerSystem) Shutdown(ctx context.Context) {
	for _, sess := range ps.All() {
		sess.Stop()
		sess.close(ctx)
	}
}

// ===========================
// Player Session
// ===========================

func NewPlayerSession(guildID snowflake.ID, player TrackPlayer, surface PanelSurface) *PlayerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PlayerSession{
		GuildID:    guildID,
		player:     player,
		surface:    surface,
		cmds:       make(chan func(), 64),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
	safeGo(s.commandLoop)
	return s
}

func (s *PlayerSession) commandLoop() {
	for {
		select {
		case f := <-s.cmds:
			f()
		case <-s.cancelCtx.Done():
			return
		}
	}
}

func (s *PlayerSession) post(f func()) {
	select {
	case s.cmds <- f:
	case <-s.cancelCtx.Done():
	}
}

func (s *PlayerSession) close(ctx context.Context) {
	s.cancelFunc()
	if s.voice != nil {
		s.voice.Close(ctx)
	}
}

// Connect joins the guild's voice channel, if this session drives one.
func (s *PlayerSession) Connect(ctx context.Context, channelID snowflake.ID) error {
	if s.voice == nil {
		return nil
	}
	return s.voice.Join(ctx, channelID)
}

// Enqueue appends items in order and starts playback when idle. started
// reports whether the first item began playing immediately.
func (s *PlayerSession) Enqueue(items []QueueItem, onDone func(started bool)) {
	s.post(func() {
		s.queue = append(s.queue, items...)
		started := false
		if s.startedAt.IsZero() {
			s.playNext()
			started = true
		}
		if onDone != nil {
			safeGo(func() { onDone(started) })
		}
	})
}

// playNext runs on the command loop. It dequeues the head or resets to idle.
func (s *PlayerSession) playNext() {
	if len(s.queue) == 0 {
		s.setIdle()
		return
	}
	item := s.queue[0]
	s.queue = s.queue[1:]

	s.title = item.Title
	s.durationSeconds = probeDuration(item.Path)
	s.startedAt = nowFunc()
	s.pausedAt = time.Time{}
	s.paused = false

	LogPlayer("Now playing in guild %s: %s", s.GuildID, item.Title)
	s.player.Play(item.Path, func() {
		s.post(s.playNext)
	})
	s.renderNow()
}

func (s *PlayerSession) setIdle() {
	s.title = ""
	s.durationSeconds = 0
	s.startedAt = time.Time{}
	s.pausedAt = time.Time{}
	s.paused = false
	if s.surface != nil {
		s.surface.RenderIdle()
	}
}

func (s *PlayerSession) TogglePause() {
	s.post(func() {
		if s.startedAt.IsZero() {
			return
		}
		if s.paused {
			s.startedAt = s.startedAt.Add(nowFunc().Sub(s.pausedAt))
			s.pausedAt = time.Time{}
			s.paused = false
			s.player.Resume()
		} else {
			s.pausedAt = nowFunc()
			s.paused = true
			s.player.Pause()
		}
		s.renderNow()
	})
}

func (s *PlayerSession) Skip() {
	s.post(func() {
		if s.startedAt.IsZero() {
			return
		}
		s.player.Stop()
		s.playNext()
	})
}

// Stop clears the queue, stops playback and disconnects from voice.
func (s *PlayerSession) Stop() {
	s.post(func() {
		s.queue = nil
		s.player.Stop()
		s.setIdle()
		if s.voice != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.voice.Disconnect(ctx)
		}
	})
}

func (s *PlayerSession) Shuffle() {
	s.post(func() {
		rand.Shuffle(len(s.queue), func(i, j int) {
			s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
		})
		s.renderNow()
	})
}

func (s *PlayerSession) ClearQueue() {
	s.post(func() {
		s.queue = nil
		s.renderNow()
	})
}

// Snapshot round-trips through the command loop for a consistent view.
func (s *PlayerSession) Snapshot() SessionSnapshot {
	res := make(chan SessionSnapshot, 1)
	s.post(func() { res <- s.snapshot() })
	select {
	case snap := <-res:
		return snap
	case <-s.cancelCtx.Done():
		return SessionSnapshot{}
	}
}

// Queue returns a copy of the pending items.
func (s *PlayerSession) Queue() []QueueItem {
	res := make(chan []QueueItem, 1)
	s.post(func() {
		out := make([]QueueItem, len(s.queue))
		copy(out, s.queue)
		res <- out
	})
	select {
	case q := <-res:
		return q
	case <-s.cancelCtx.Done():
		return nil
	}
}

func (s *PlayerSession) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		Title:           s.title,
		DurationSeconds: s.durationSeconds,
		QueueLen:        len(s.queue),
	}
	switch {
	case s.startedAt.IsZero():
		snap.State = StateIdle
	case s.paused:
		snap.State = StatePaused
		snap.ElapsedSeconds = int(s.pausedAt.Sub(s.startedAt).Seconds())
	default:
		snap.State = StatePlaying
		snap.ElapsedSeconds = int(nowFunc().Sub(s.startedAt).Seconds())
	}
	if len(s.queue) > 0 {
		snap.UpNext = s.queue[0].Title
	}
	return snap
}

// renderNow runs on the command loop and pushes a best-effort panel update.
func (s *PlayerSession) renderNow() {
	if s.surface == nil {
		return
	}
	snap := s.snapshot()
	if snap.State == StateIdle {
		s.surface.RenderIdle()
		return
	}
	s.surface.RenderNowPlaying(snap)
}

// ===========================
// Progress Reporter
// ===========================

func init() {
	RegisterDaemon(LogPlayer, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			interval := 5 * time.Second
			if GlobalConfig != nil && GlobalConfig.ProgressInterval > 0 {
				interval = GlobalConfig.ProgressInterval
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					reportProgress()
				}
			}
		}
		return true, run, nil
	})
}

// reportProgress pushes one decorative progress update per active session.
// Failures to render are the surface's problem, never ours.
func reportProgress() {
	for _, sess := range GetPlayerSystem().All() {
		snap := sess.Snapshot()
		if snap.State == StateIdle {
			continue
		}
		// Grace window: right after natural end the advance path takes over.
		if snap.ElapsedSeconds > snap.DurationSeconds+2 {
			continue
		}
		if sess.surface != nil {
			sess.surface.RenderNowPlaying(snap)
		}
	}
}

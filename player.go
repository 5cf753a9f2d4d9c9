package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

var (
	// OpusSilence is the opus frame the provider emits while paused or draining.
	OpusSilence = []byte{0xf8, 0xff, 0xfe}

	SilenceDuration = 1 * time.Second
)

// ===========================
// Structs
// ===========================

// TrackPlayer is the playback engine a guild session drives. The production
// implementation streams into a Discord voice connection; tests use fakes.
type TrackPlayer interface {
	// Play starts path from the beginning, replacing any current stream.
	// onFinish fires exactly once when the track ends on its own; it does
	// not fire when the stream is replaced or stopped.
	Play(path string, onFinish func())
	Pause()
	Resume()
	Stop()
	Connected() bool
}

// VoicePlayer streams local audio files into a Discord voice connection.
type VoicePlayer struct {
	GuildID snowflake.ID

	conn   voice.Conn
	client *bot.Client

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	mu           sync.Mutex
	streamCancel context.CancelFunc
	provider     *FrameProvider

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	joinedMu  sync.Mutex
	joined    bool
	channelID snowflake.ID
}

// FrameProvider feeds encoded opus frames to the voice connection and gates
// them on the player's pause state.
type FrameProvider struct {
	frames        chan []byte
	player        *VoicePlayer
	ctx           context.Context
	onDone        func()
	once          sync.Once
	draining      bool
	silenceFrames int
}

// AudioTranscoder decodes a local file and re-encodes it to 48kHz stereo opus.
type AudioTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
}

// ===========================
// Voice Player
// ===========================

func NewVoicePlayer(client *bot.Client, guildID snowflake.ID) *VoicePlayer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &VoicePlayer{
		GuildID:    guildID,
		client:     client,
		conn:       client.VoiceManager.CreateConn(guildID),
		cancelCtx:  ctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
	}
	close(p.pauseChan)
	return p
}

// Join connects to a voice channel, retrying with backoff on gateway hiccups.
func (p *VoicePlayer) Join(ctx context.Context, channelID snowflake.ID) error {
	p.joinedMu.Lock()
	if p.joined && p.channelID == channelID {
		p.joinedMu.Unlock()
		return nil
	}
	p.joinedMu.Unlock()

	LogPlayer("Joining channel %s in guild %s", channelID, p.GuildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogPlayer("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := p.conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		LogPlayer("Failed to connect to voice in guild %s after 5 attempts: %v", p.GuildID, lastErr)
		p.conn.Close(ctx)
		return lastErr
	}

	p.joinedMu.Lock()
	p.joined = true
	p.channelID = channelID
	p.joinedMu.Unlock()
	return nil
}

func (p *VoicePlayer) Connected() bool {
	p.joinedMu.Lock()
	defer p.joinedMu.Unlock()
	return p.joined
}

func (p *VoicePlayer) Play(path string, onFinish func()) {
	p.mu.Lock()
	if p.streamCancel != nil {
		p.streamCancel()
	}
	ctx, cancel := context.WithCancel(p.cancelCtx)
	p.streamCancel = cancel

	done := make(chan struct{})
	provider := NewFrameProvider(p, ctx, func() { close(done) })
	p.provider = provider
	p.mu.Unlock()

	// Make sure a previous pause does not gag the new stream.
	p.Resume()

	go func() {
		defer provider.PushFrame(nil)
		t := NewAudioTranscoder()
		defer t.Close()
		if err := t.OpenInput(path); err != nil {
			LogPlayer("Transcoder OpenInput failed: %v", err)
			return
		}
		if err := t.SetupDecoder(); err != nil {
			LogPlayer("Transcoder SetupDecoder failed: %v", err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogPlayer("Transcoder SetupEncoder failed: %v", err)
			return
		}
		if err := t.Transcode(ctx, provider.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			LogPlayer("Transcode finished for %s (Err: %v)", path, err)
		}
	}()

	p.conn.SetOpusFrameProvider(provider)
	if err := p.conn.SetSpeaking(p.cancelCtx, voice.SpeakingFlagMicrophone); err != nil {
		LogPlayer("SetSpeaking failed in guild %s: %v", p.GuildID, err)
	}

	safeGo(func() {
		select {
		case <-done:
			if ctx.Err() == nil {
				p.detach(provider)
				if onFinish != nil {
					onFinish()
				}
			}
		case <-ctx.Done():
		}
	})
}

func (p *VoicePlayer) detach(provider *FrameProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provider != provider {
		return
	}
	p.provider = nil
	p.conn.SetOpusFrameProvider(nil)
	_ = p.conn.SetSpeaking(p.cancelCtx, 0)
}

func (p *VoicePlayer) Pause() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	select {
	case <-p.pauseChan:
		p.pauseChan = make(chan struct{})
	default:
	}
}

func (p *VoicePlayer) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	select {
	case <-p.pauseChan:
	default:
		close(p.pauseChan)
	}
}

func (p *VoicePlayer) Stop() {
	p.mu.Lock()
	if p.streamCancel != nil {
		p.streamCancel()
		p.streamCancel = nil
	}
	provider := p.provider
	p.mu.Unlock()
	if provider != nil {
		p.detach(provider)
	}
	p.Resume()
}

// Disconnect leaves the voice channel but keeps the player reusable.
func (p *VoicePlayer) Disconnect(ctx context.Context) {
	p.joinedMu.Lock()
	joined := p.joined
	p.joined = false
	p.channelID = 0
	p.joinedMu.Unlock()
	if joined {
		p.conn.Close(ctx)
		p.conn = p.client.VoiceManager.CreateConn(p.GuildID)
	}
}

// Close tears the voice connection down and releases the player.
func (p *VoicePlayer) Close(ctx context.Context) {
	p.Stop()
	p.cancelFunc()
	p.joinedMu.Lock()
	joined := p.joined
	p.joined = false
	p.joinedMu.Unlock()
	if joined {
		p.conn.Close(ctx)
	}
}

// ===========================
// Frame Provider
// ===========================

func NewFrameProvider(p *VoicePlayer, ctx context.Context, onDone func()) *FrameProvider {
	return &FrameProvider{
		frames: make(chan []byte, 100),
		player: p,
		ctx:    ctx,
		onDone: onDone,
	}
}

func (f *FrameProvider) finish() {
	f.once.Do(func() {
		if f.onDone != nil {
			f.onDone()
		}
	})
}

func (f *FrameProvider) PushFrame(frame []byte) {
	select {
	case f.frames <- frame:
	case <-f.ctx.Done():
	}
}

func (f *FrameProvider) ProvideOpusFrame() ([]byte, error) {
	f.player.pauseMu.RLock()
	pauseChan := f.player.pauseChan
	f.player.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-f.ctx.Done():
		return nil, io.EOF
	}

	if f.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if f.silenceFrames < target {
			f.silenceFrames++
			return OpusSilence, nil
		}
		f.finish()
		return nil, io.EOF
	}

	select {
	case frame := <-f.frames:
		if frame == nil {
			f.draining = true
			return OpusSilence, nil
		}
		return frame, nil
	case <-f.ctx.Done():
		f.finish()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

func (f *FrameProvider) Close() {
	f.finish()
}

// ===========================
// Transcoder
// ===========================

func NewAudioTranscoder() *AudioTranscoder {
	return &AudioTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *AudioTranscoder) OpenInput(path string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if err := t.inputCtx.OpenInput(path, nil, nil); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AudioTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AudioTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *AudioTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogPlayer("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Flush decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *AudioTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *AudioTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *AudioTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *AudioTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

// ===========================
// Duration Probe
// ===========================

// ProbeDuration returns a file's duration in whole seconds, 0 when the
// container does not report one.
func ProbeDuration(path string) int {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return 0
	}
	defer fc.Free()
	if err := fc.OpenInput(path, nil, nil); err != nil {
		return 0
	}
	defer fc.CloseInput()
	if err := fc.FindStreamInfo(nil); err != nil {
		return 0
	}
	d := fc.Duration()
	if d <= 0 {
		return 0
	}
	return int(d / 1000000)
}

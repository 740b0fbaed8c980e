// Package discord bridges a Discord voice channel to byte-stream audio via
// the bwmarrin/discordgo library.
//
// A [Bridge] reads like a microphone and writes like a speaker: everyone
// talking in the channel is decoded from Opus, mixed, and exposed through
// [Bridge.Read] as 16 kHz signed 16-bit little-endian mono PCM in 20 ms
// blocks; PCM written with [Bridge.Write] at 24 kHz is encoded to Opus and
// sent to the channel. Plug it into [pipe.New] to get an [audio.Device].
//
// [pipe.New]: github.com/MrWong99/callwright/pkg/audio/pipe.New
// [audio.Device]: github.com/MrWong99/callwright/pkg/audio.Device
package discord

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/callwright/pkg/audio"
)

var (
	_ io.Reader = (*Bridge)(nil)
	_ io.Writer = (*Bridge)(nil)
	_ io.Closer = (*Bridge)(nil)
)

// ErrClosed is returned by [Bridge.Write] after Close.
var ErrClosed = errors.New("discord: bridge closed")

const (
	// micBlocks is the number of mixed microphone blocks buffered ahead of
	// the reader. Older blocks are dropped when the reader falls behind.
	micBlocks = 8

	// maxBacklog bounds the decoded audio queued per speaker.
	maxBacklog = 200 * time.Millisecond

	frameDuration = opusFrameSizeMs * time.Millisecond
)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithRates sets the microphone and speaker sample rates. The defaults are
// [audio.InputSampleRate] and [audio.OutputSampleRate].
func WithRates(mic, speaker int) Option {
	return func(b *Bridge) {
		if mic > 0 {
			b.micRate = mic
		}
		if speaker > 0 {
			b.speakerRate = speaker
		}
	}
}

// Bridge adapts a joined voice connection. It is safe for concurrent use;
// Read and Write are each meant for a single caller.
type Bridge struct {
	vc          *discordgo.VoiceConnection
	micRate     int
	speakerRate int

	// disconnect tears down the voice connection (and the session Dial
	// opened). Overridden in tests.
	disconnect func() error

	// mic carries mixed PCM16 blocks to Read.
	mic     chan []byte
	pending []byte // unread part of the current block

	backlogMu sync.Mutex
	backlog   map[uint32][]float32 // decoded samples per SSRC

	writeMu  sync.Mutex
	enc      *opusEncoder
	out      []byte // speaker PCM16 not yet encoded
	speaking bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Join joins channelID in guildID on an open session and returns a bridge for
// it. Close leaves the channel but keeps the session open.
func Join(session *discordgo.Session, guildID, channelID string, opts ...Option) (*Bridge, error) {
	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	b, err := newBridge(vc, vc.Disconnect, opts...)
	if err != nil {
		_ = vc.Disconnect()
		return nil, err
	}
	return b, nil
}

// Dial opens a bot session with token, joins the voice channel, and returns
// a bridge that owns the session.
func Dial(token, guildID, channelID string, opts ...Option) (*Bridge, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b, err := Join(session, guildID, channelID, opts...)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	leave := b.disconnect
	b.disconnect = func() error {
		return errors.Join(leave(), session.Close())
	}
	return b, nil
}

func newBridge(vc *discordgo.VoiceConnection, disconnect func() error, opts ...Option) (*Bridge, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		vc:          vc,
		micRate:     audio.InputSampleRate,
		speakerRate: audio.OutputSampleRate,
		disconnect:  disconnect,
		mic:         make(chan []byte, micBlocks),
		backlog:     make(map[uint32][]float32),
		enc:         enc,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	b.wg.Add(2)
	go b.recvLoop()
	go b.mixLoop()
	return b, nil
}

// Read returns mixed microphone PCM. It blocks until a block is available and
// returns [io.EOF] after Close.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		select {
		case blk := <-b.mic:
			b.pending = blk
		case <-b.done:
			return 0, io.EOF
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Write queues speaker PCM and sends every complete 20 ms frame. Silent
// frames are not transmitted; the speaking flag follows the audio.
func (b *Bridge) Write(p []byte) (int, error) {
	select {
	case <-b.done:
		return 0, ErrClosed
	default:
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	frameBytes := audio.SampleIndex(frameDuration, b.speakerRate) * 2
	b.out = append(b.out, p...)
	for len(b.out) >= frameBytes {
		samples, _ := audio.DecodePCM16(b.out[:frameBytes])
		b.out = b.out[frameBytes:]

		if silent(samples) {
			b.setSpeaking(false)
			continue
		}
		b.setSpeaking(true)

		packet, err := b.enc.encode(audio.ResampleFloat(samples, b.speakerRate, opusSampleRate))
		if err != nil {
			slog.Warn("discord: opus encode error", "err", err)
			continue
		}
		select {
		case b.vc.OpusSend <- packet:
		case <-b.done:
			return 0, ErrClosed
		}
	}
	return len(p), nil
}

// Close stops the loops and leaves the channel. It is safe to call more than
// once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.writeMu.Lock()
		b.setSpeaking(false)
		b.writeMu.Unlock()
		if b.disconnect != nil {
			b.closeErr = b.disconnect()
		}
	})
	return b.closeErr
}

// recvLoop decodes incoming packets into the per-speaker backlog.
func (b *Bridge) recvLoop() {
	defer b.wg.Done()

	decoders := make(map[uint32]*opusDecoder)
	limit := audio.SampleIndex(maxBacklog, b.micRate)
	for {
		select {
		case <-b.done:
			return
		case pkt, ok := <-b.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			samples, err := dec.decode(pkt.Opus, b.micRate)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			b.backlogMu.Lock()
			q := append(b.backlog[pkt.SSRC], samples...)
			if over := len(q) - limit; over > 0 {
				q = q[over:]
			}
			b.backlog[pkt.SSRC] = q
			b.backlogMu.Unlock()
		}
	}
}

// mixLoop emits one mixed block per frame period, silence included, so the
// reader sees a continuous real-time stream.
func (b *Bridge) mixLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			blk := audio.EncodePCM16(b.mixFrame())
			select {
			case b.mic <- blk:
			default:
				// Reader behind: drop the oldest block to stay real-time.
				select {
				case <-b.mic:
				default:
				}
				b.mic <- blk
			}
		}
	}
}

// mixFrame sums one frame from every speaker's backlog.
func (b *Bridge) mixFrame() []float32 {
	n := audio.SampleIndex(frameDuration, b.micRate)
	mix := make([]float32, n)

	b.backlogMu.Lock()
	defer b.backlogMu.Unlock()
	for ssrc, q := range b.backlog {
		take := min(n, len(q))
		for i := range take {
			mix[i] += q[i]
		}
		if take == len(q) {
			delete(b.backlog, ssrc)
			continue
		}
		b.backlog[ssrc] = q[take:]
	}
	return mix
}

// setSpeaking toggles the speaking flag on change. Must be called with
// b.writeMu held.
func (b *Bridge) setSpeaking(on bool) {
	if b.speaking == on {
		return
	}
	b.speaking = on
	if err := b.vc.Speaking(on); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", on, "err", err)
	}
}

func silent(samples []float32) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// Package pipe implements [audio.Device] over byte streams.
//
// Microphone audio is read as signed 16-bit little-endian mono PCM from an
// [io.Reader] and sliced into real-time frames. Speech played on a playback
// context is mixed on the context clock and written as the same format to an
// [io.Writer], one render tick at a time, so the output is a continuous
// real-time stream that can be piped into a sound player.
//
// A nil reader yields silence and a nil writer discards speech; [NewNull]
// builds such a device for headless use.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

const (
	// DefaultTick is the render period of playback contexts.
	DefaultTick = 20 * time.Millisecond

	// readBlock is the input read granularity.
	readBlock = 20 * time.Millisecond

	// readQueue is the number of input blocks buffered ahead of a tap.
	readQueue = 8
)

var (
	// ErrInputBusy is returned by RequestInput while another input stream
	// is held.
	ErrInputBusy = errors.New("pipe: input is in use")

	// ErrClosed is returned by context operations after Close.
	ErrClosed = errors.New("pipe: context closed")

	errTapOnPlayback = errors.New("pipe: playback contexts have no input")
)

// Option configures a [Device].
type Option func(*Device)

// WithInputRate sets the sample rate of the input stream. The default is
// [audio.InputSampleRate].
func WithInputRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.inRate = rate
		}
	}
}

// WithTick sets the render period of playback contexts.
func WithTick(tick time.Duration) Option {
	return func(d *Device) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithCloser registers c to be closed by [Device.Close], typically the source
// of the streams passed to [New].
func WithCloser(c io.Closer) Option {
	return func(d *Device) { d.closers = append(d.closers, c) }
}

// Device is a byte-stream [audio.Device]. It is safe for concurrent use.
type Device struct {
	in     io.Reader
	out    io.Writer
	inRate int
	tick   time.Duration
	log    *slog.Logger

	closers []io.Closer

	readOnce sync.Once
	blocks   chan []float32

	mu    sync.Mutex
	inUse bool

	outMu  sync.Mutex
	outErr bool
}

// New returns a device reading microphone audio from in and writing speech to
// out. Either may be nil.
func New(in io.Reader, out io.Writer, opts ...Option) *Device {
	d := &Device{
		in:     in,
		out:    out,
		inRate: audio.InputSampleRate,
		tick:   DefaultTick,
		log:    slog.Default(),
		blocks: make(chan []float32, readQueue),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewNull returns a device with a silent microphone that discards speech.
func NewNull(opts ...Option) *Device {
	return New(nil, nil, opts...)
}

// Open returns a device reading from the file at input and writing to the
// file at output. "-" selects stdin or stdout; an empty path selects silence
// or discard. Files opened here are closed by [Device.Close].
func Open(input, output string, opts ...Option) (*Device, error) {
	var (
		in      io.Reader
		out     io.Writer
		closers []io.Closer
	)
	switch input {
	case "":
	case "-":
		in = os.Stdin
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("pipe: open input: %w", err)
		}
		in = f
		closers = append(closers, f)
	}
	switch output {
	case "":
	case "-":
		out = os.Stdout
	default:
		f, err := os.Create(output)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, fmt.Errorf("pipe: create output: %w", err)
		}
		out = f
		closers = append(closers, f)
	}
	d := New(in, out, opts...)
	d.closers = append(closers, d.closers...)
	return d, nil
}

// Close closes the files opened by [Open] and the closers registered with
// [WithCloser].
func (d *Device) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// RequestInput acquires the microphone. Only one stream may be held at a
// time.
func (d *Device) RequestInput(ctx context.Context) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return nil, ErrInputBusy
	}
	d.inUse = true
	d.readOnce.Do(func() { go d.read() })
	return &inputStream{dev: d}, nil
}

// NewContext creates a suspended capture context.
func (d *Device) NewContext(sampleRate int) (audio.Context, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("pipe: invalid sample rate %d", sampleRate)
	}
	return newCaptureContext(d, sampleRate), nil
}

// NewPlaybackContext creates a suspended playback context.
func (d *Device) NewPlaybackContext(sampleRate int) (audio.PlaybackContext, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("pipe: invalid sample rate %d", sampleRate)
	}
	return newPlaybackContext(d, sampleRate), nil
}

// read decodes the input into blocks until EOF. It runs once per device and
// blocks while nobody consumes, so no input is dropped between calls.
func (d *Device) read() {
	if d.in == nil {
		return
	}

	buf := make([]byte, audio.SampleIndex(readBlock, d.inRate)*2)
	for {
		n, err := io.ReadFull(d.in, buf)
		if n >= 2 {
			samples, _ := audio.DecodePCM16(buf[:n&^1])
			d.blocks <- samples
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.log.Warn("pipe: input read failed", "err", err)
			} else {
				d.log.Debug("pipe: input exhausted")
			}
			return
		}
	}
}

// write sends rendered PCM to the output. A failing writer is reported once
// and then ignored.
func (d *Device) write(pcm []byte) {
	if d.out == nil {
		return
	}
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if d.outErr {
		return
	}
	if _, err := d.out.Write(pcm); err != nil {
		d.outErr = true
		d.log.Warn("pipe: output write failed; discarding further speech", "err", err)
	}
}

// inputStream is the acquired microphone.
type inputStream struct {
	dev  *Device
	once sync.Once
}

func (s *inputStream) Format() audio.Format {
	return audio.Format{SampleRate: s.dev.inRate, Channels: 1}
}

func (s *inputStream) Stop() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		s.dev.inUse = false
		s.dev.mu.Unlock()
	})
	return nil
}

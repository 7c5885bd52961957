package localaudio

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/pkg/audio"
)

const overflowLogEvery = 100

// Config sizes the capture frames and names the rates on each side.
type Config struct {
	CaptureRate  int
	PlaybackRate int
	// SourceRate is the rate of audio handed to Playback. When it differs
	// from PlaybackRate the audio is resampled.
	SourceRate   int
	FrameSamples int
	Channels     int
}

// FrameBytes is the byte size of one captured frame.
func (c Config) FrameBytes() int {
	return c.FrameSamples * c.Channels * audio.BytesPerSample
}

// Bridge owns one capture device and one playback device.
type Bridge struct {
	cfg       Config
	capture   CaptureDevice
	playback  PlaybackDevice
	resampler *audio.Resampler
	logger    *zap.Logger

	playMu    sync.Mutex
	overflows atomic.Uint64
	underruns atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open acquires both devices. If the second one fails, the first is released
// before returning.
func Open(opener Opener, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = cfg.PlaybackRate
	}
	if cfg.FrameBytes() <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %d", ErrDeviceFailure, cfg.FrameSamples)
	}

	capture, err := opener.OpenCapture(Format{SampleRate: cfg.CaptureRate, Channels: cfg.Channels})
	if err != nil {
		return nil, fmt.Errorf("%w: open capture: %w", ErrDeviceFailure, err)
	}
	playback, err := opener.OpenPlayback(Format{SampleRate: cfg.PlaybackRate, Channels: cfg.Channels})
	if err != nil {
		_ = capture.Close()
		return nil, fmt.Errorf("%w: open playback: %w", ErrDeviceFailure, err)
	}

	b := &Bridge{
		cfg:      cfg,
		capture:  capture,
		playback: playback,
		logger:   logger,
	}
	if cfg.SourceRate != cfg.PlaybackRate {
		r, err := audio.NewResampler(cfg.SourceRate, cfg.PlaybackRate)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
		}
		b.resampler = r
		logger.Info("playback resampling enabled",
			zap.Int("source_rate", cfg.SourceRate),
			zap.Int("device_rate", cfg.PlaybackRate),
		)
	}
	return b, nil
}

// Capture returns the lazy, unbounded sequence of captured frames. Each frame
// is freshly allocated and owned by the consumer. Overflows are logged and the
// frame is still yielded. Any other device error is yielded once wrapped in
// ErrDeviceFailure and ends the sequence. After Close the sequence ends
// without an error.
func (b *Bridge) Capture() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		size := b.cfg.FrameBytes()
		for {
			if b.closed.Load() {
				return
			}
			frame := make([]byte, size)
			err := b.capture.ReadFrame(frame)
			switch {
			case err == nil:
			case errors.Is(err, ErrOverflow):
				if n := b.overflows.Add(1); n == 1 || n%overflowLogEvery == 0 {
					b.logger.Warn("capture overflow", zap.Uint64("count", n))
				}
			default:
				if b.closed.Load() {
					return
				}
				yield(nil, fmt.Errorf("%w: capture: %w", ErrDeviceFailure, err))
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Playback renders one chunk of remote audio, blocking until the device took
// it. Underruns and overflows are swallowed; other errors are wrapped in
// ErrDeviceFailure.
func (b *Bridge) Playback(pcm []byte) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: playback closed", ErrDeviceFailure)
	}
	b.playMu.Lock()
	defer b.playMu.Unlock()

	if b.resampler != nil {
		out, err := b.resampler.Process(pcm)
		if err != nil {
			return fmt.Errorf("%w: resample: %w", ErrDeviceFailure, err)
		}
		pcm = out
	}
	if len(pcm) == 0 {
		return nil
	}

	err := b.playback.WriteFrame(pcm)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnderrun), errors.Is(err, ErrOverflow):
		if n := b.underruns.Add(1); n == 1 || n%overflowLogEvery == 0 {
			b.logger.Debug("playback glitch ignored", zap.Uint64("count", n), zap.Error(err))
		}
		return nil
	default:
		return fmt.Errorf("%w: playback: %w", ErrDeviceFailure, err)
	}
}

// Close releases both devices exactly once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeErr = errors.Join(b.capture.Close(), b.playback.Close())
		b.playMu.Lock()
		b.resampler.Close()
		b.resampler = nil
		b.playMu.Unlock()
	})
	return b.closeErr
}

// Overflows reports how many capture overflows were seen.
func (b *Bridge) Overflows() uint64 {
	return b.overflows.Load()
}

package localaudio

import "errors"

var (
	// ErrDeviceFailure wraps any non-transient device error.
	ErrDeviceFailure = errors.New("audio device failure")
	// ErrOverflow reports lost input samples; the frame read is still valid.
	ErrOverflow = errors.New("audio input overflow")
	// ErrUnderrun reports a playback gap; the write is considered done.
	ErrUnderrun = errors.New("audio output underrun")
)

// Format is a PCM stream shape. Samples are always signed 16-bit little endian.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureDevice yields fixed-size PCM frames. ReadFrame fills p completely or
// returns an error; ErrOverflow may accompany a filled frame.
type CaptureDevice interface {
	ReadFrame(p []byte) error
	Close() error
}

// PlaybackDevice renders PCM. WriteFrame blocks until the device accepted p.
type PlaybackDevice interface {
	WriteFrame(p []byte) error
	Close() error
}

// Opener acquires the default input and output devices.
type Opener interface {
	OpenCapture(f Format) (CaptureDevice, error)
	OpenPlayback(f Format) (PlaybackDevice, error)
}

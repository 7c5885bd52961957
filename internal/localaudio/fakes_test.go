package localaudio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// scriptedCapture returns one scripted error per read. Once the script is
// exhausted it succeeds, or blocks until Close when block is set.
type scriptedCapture struct {
	mu     sync.Mutex
	errs   []error
	reads  int
	closes atomic.Int32
	block  chan struct{}
}

func (c *scriptedCapture) ReadFrame(p []byte) error {
	c.mu.Lock()
	i := c.reads
	c.reads++
	c.mu.Unlock()
	for j := range p {
		p[j] = byte(i)
	}
	if i < len(c.errs) {
		return c.errs[i]
	}
	if c.block != nil {
		<-c.block
		return io.ErrClosedPipe
	}
	return nil
}

func (c *scriptedCapture) Close() error {
	if c.closes.Add(1) == 1 && c.block != nil {
		close(c.block)
	}
	return nil
}

type recordingPlayback struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
	closes atomic.Int32
}

func (p *recordingPlayback) WriteFrame(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *recordingPlayback) Close() error {
	p.closes.Add(1)
	return nil
}

type fakeOpener struct {
	capture     *scriptedCapture
	playback    *recordingPlayback
	playbackErr error
	formats     []Format
}

func (o *fakeOpener) OpenCapture(f Format) (CaptureDevice, error) {
	o.formats = append(o.formats, f)
	return o.capture, nil
}

func (o *fakeOpener) OpenPlayback(f Format) (PlaybackDevice, error) {
	o.formats = append(o.formats, f)
	if o.playbackErr != nil {
		return nil, o.playbackErr
	}
	return o.playback, nil
}

var errUnplugged = errors.New("device unplugged")

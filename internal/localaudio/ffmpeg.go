package localaudio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// FFmpegOpener uses ffmpeg for capture and ffplay for playback, both talking
// raw s16le over pipes. Killing the child process releases the device.
type FFmpegOpener struct {
	CaptureDevice  string
	PlaybackDevice string
	GOOS           string
}

func (o FFmpegOpener) goos() string {
	if o.GOOS != "" {
		return o.GOOS
	}
	return runtime.GOOS
}

// OpenCapture starts ffmpeg reading the platform default microphone.
func (o FFmpegOpener) OpenCapture(f Format) (CaptureDevice, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := captureArgs(o.goos(), o.CaptureDevice, f)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegCapture{proc: proc{cmd: cmd}, stdout: stdout}, nil
}

// OpenPlayback starts ffplay rendering stdin.
func (o FFmpegOpener) OpenPlayback(f Format) (PlaybackDevice, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	cmd := exec.Command("ffplay", playbackArgs(f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &ffplayPlayback{proc: proc{cmd: cmd}, stdin: stdin}, nil
}

func captureArgs(goos string, device string, f Format) ([]string, error) {
	common := []string{"-hide_banner", "-loglevel", "error"}
	output := []string{
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	}
	switch goos {
	case "darwin":
		if device == "" || device == "default" {
			device = ":0"
		}
		return append(append(common, "-f", "avfoundation", "-i", device), output...), nil
	case "linux":
		if device == "" {
			device = "default"
		}
		return append(append(common, "-f", "pulse", "-i", device), output...), nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func playbackArgs(f Format) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}
}

type proc struct {
	cmd  *exec.Cmd
	once sync.Once
}

func (p *proc) stop() {
	p.once.Do(func() {
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
	})
}

type ffmpegCapture struct {
	proc
	stdout io.ReadCloser
}

func (c *ffmpegCapture) ReadFrame(p []byte) error {
	_, err := io.ReadFull(c.stdout, p)
	return err
}

func (c *ffmpegCapture) Close() error {
	c.stop()
	return nil
}

type ffplayPlayback struct {
	proc
	mu    sync.Mutex
	stdin io.WriteCloser
}

func (p *ffplayPlayback) WriteFrame(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.stdin.Write(data)
	return err
}

func (p *ffplayPlayback) Close() error {
	_ = p.stdin.Close()
	p.stop()
	return nil
}

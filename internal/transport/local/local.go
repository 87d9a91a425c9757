// Package local implements voicetypes.AudioCapture and voicetypes.AudioPlayback
// against the host machine's default microphone and speaker by piping raw
// PCM through an external command, using an exec.Cmd/StdinPipe/StdoutPipe
// streaming pattern against a local ffmpeg device pipeline.
package local

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

const (
	frameSamples = 320 // 20 ms @ 16 kHz mono
	frameBytes   = frameSamples * 2
)

// Config names the external command used to talk to the host's default
// audio device. The defaults drive ffmpeg rather than a portaudio/malgo
// binding, since no such binding exists anywhere in the example corpus and
// fabricating a cgo dependency is out of scope.
type Config struct {
	CaptureBin   string
	CaptureArgs  []string
	PlaybackBin  string
	PlaybackArgs []string
	SampleRate   int
}

// DefaultConfig returns an ffmpeg-based pipeline reading/writing 16 kHz
// mono signed 16-bit little-endian PCM on stdout/stdin. Capture always uses
// ffmpeg's avfoundation (macOS) input with inputDevice as the device name;
// playback uses outputDevice as ffmpeg's output format (e.g. alsa, pulse)
// writing to that format's "default" device.
func DefaultConfig(inputDevice, outputDevice string) Config {
	return Config{
		CaptureBin: "ffmpeg",
		CaptureArgs: []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", inputDevice,
			"-ac", "1", "-ar", "16000", "-f", "s16le", "-",
		},
		PlaybackBin: "ffmpeg",
		PlaybackArgs: []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "s16le", "-ar", "16000", "-ac", "1", "-i", "-",
			"-f", outputDevice, "default",
		},
		SampleRate: 16000,
	}
}

// Capture streams 20 ms PCM frames from the host microphone.
type Capture struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCapture(cfg Config, logger zerolog.Logger) *Capture {
	return &Capture{cfg: cfg, logger: logger.With().Str("component", "transport-local-capture").Logger()}
}

func (c *Capture) Start(ctx context.Context) (<-chan []int16, error) {
	childCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	cmd := exec.CommandContext(childCtx, c.cfg.CaptureBin, c.cfg.CaptureArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("local: capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("local: capture start: %w", err)
	}

	ch := make(chan []int16, 8)
	go func() {
		defer close(ch)
		defer cmd.Wait()
		reader := bufio.NewReaderSize(stdout, frameBytes*4)
		buf := make([]byte, frameBytes)
		for {
			_, err := io.ReadFull(reader, buf)
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					c.logger.Warn().Err(err).Msg("capture read failed")
				}
				return
			}
			samples := make([]int16, frameSamples)
			for i := range samples {
				samples[i] = int16(buf[2*i]) | int16(buf[2*i+1])<<8
			}
			select {
			case ch <- samples:
			case <-childCtx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Playback writes PCM frames to the host speaker until frames closes.
type Playback struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	firstFrame chan struct{}
}

func NewPlayback(cfg Config, logger zerolog.Logger) *Playback {
	return &Playback{cfg: cfg, logger: logger.With().Str("component", "transport-local-playback").Logger()}
}

// FirstFrameAt returns a channel closed when the current (or next) Play
// call writes its first frame to the device.
func (p *Playback) FirstFrameAt() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstFrame == nil {
		p.firstFrame = make(chan struct{})
	}
	return p.firstFrame
}

func (p *Playback) Play(ctx context.Context, frames <-chan []int16) error {
	cmd := exec.CommandContext(ctx, p.cfg.PlaybackBin, p.cfg.PlaybackArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("local: playback stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("local: playback start: %w", err)
	}

	p.mu.Lock()
	p.firstFrame = make(chan struct{})
	firstFrame := p.firstFrame
	p.mu.Unlock()
	var once sync.Once

	buf := make([]byte, 0, frameBytes)
	for frame := range frames {
		once.Do(func() { close(firstFrame) })
		buf = buf[:0]
		for _, s := range frame {
			buf = append(buf, byte(s), byte(s>>8))
		}
		if _, err := stdin.Write(buf); err != nil {
			stdin.Close()
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("local: playback write: %w", err)
		}
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("local: playback process: %w", err)
	}
	return nil
}

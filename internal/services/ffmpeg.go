package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// FFmpegService
// Encodes the assembled stream incrementally: RGBA frames are piped to ffmpeg
// on stdin and s16le narration on fd 3, and ffmpeg muxes VP9 + Opus into WEBM
// as the data arrives.
// ---------------------------------------------------------------------------

const (
	// Channel depth per stream. A 1080x1920 RGBA frame is ~8 MB.
	frameQueueDepth = 8
	audioQueueDepth = 64

	stderrTailBytes = 4096
)

type FFmpegService struct {
	tempDir      string
	ffmpegPath   string
	ffprobePath  string
	videoBitrate string
	log          *logger.Logger
}

func NewFFmpegService(tempDir, ffmpegPath, ffprobePath, videoBitrate string, log *logger.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if videoBitrate == "" {
		videoBitrate = "5M"
	}
	return &FFmpegService{
		tempDir:      tempDir,
		ffmpegPath:   ffmpegPath,
		ffprobePath:  ffprobePath,
		videoBitrate: videoBitrate,
		log:          log.With("service", "FFmpeg"),
	}, nil
}

// StreamFormat describes the raw input of a recording.
type StreamFormat struct {
	Width      int
	Height     int
	FPS        int
	SampleRate int
}

func (s *FFmpegService) encoderArgs(f StreamFormat, outputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		// video: raw RGBA frames on stdin
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-r", strconv.Itoa(f.FPS),
		"-i", "pipe:0",
		// audio: mono s16le on fd 3
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", "1",
		"-i", "pipe:3",
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libvpx-vp9",
		"-b:v", s.videoBitrate,
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-row-mt", "1",
		"-pix_fmt", "yuv420p",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-f", "webm",
		"-y",
		outputPath,
	}
}

// NewRecorder starts an ffmpeg process ready to receive frames and samples.
func (s *FFmpegService) NewRecorder(ctx context.Context, f StreamFormat) (*FFmpegRecorder, error) {
	outputPath := filepath.Join(s.tempDir, uuid.New().String()+".webm")

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, s.ffmpegPath, s.encoderArgs(f, outputPath)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	audioR, audioW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open audio pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{audioR}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	// the child holds its own copy
	audioR.Close()

	g, gctx := errgroup.WithContext(procCtx)
	r := &FFmpegRecorder{
		svc:        s,
		cmd:        cmd,
		cancel:     cancel,
		outputPath: outputPath,
		stderr:     stderr,
		frames:     make(chan []byte, frameQueueDepth),
		samples:    make(chan []byte, audioQueueDepth),
		group:      g,
		groupCtx:   gctx,
	}
	g.Go(func() error { return pump(stdin, r.frames, "video") })
	g.Go(func() error { return pump(audioW, r.samples, "audio") })

	s.log.Debug("Recorder started", "output", outputPath, "size", fmt.Sprintf("%dx%d", f.Width, f.Height), "fps", f.FPS)
	return r, nil
}

// pump drains ch into w and closes w when ch is closed.
func pump(w io.WriteCloser, ch <-chan []byte, stream string) error {
	defer w.Close()
	for buf := range ch {
		if _, err := w.Write(buf); err != nil {
			// keep draining so the producer never blocks on a dead pipe
			for range ch {
			}
			return fmt.Errorf("ffmpeg %s pipe: %w", stream, err)
		}
	}
	return nil
}

// MediaDuration returns the container duration of a media file using ffprobe.
func (s *FFmpegService) MediaDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := exec.CommandContext(ctx, s.ffprobePath, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return time.Duration(durationSec * float64(time.Second)), nil
}

// ---------------------------------------------------------------------------
// FFmpegRecorder
// ---------------------------------------------------------------------------

var ErrRecorderClosed = errors.New("recorder already finished")

type FFmpegRecorder struct {
	svc        *FFmpegService
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	outputPath string
	stderr     *tailBuffer

	frames  chan []byte
	samples chan []byte

	group    *errgroup.Group
	groupCtx context.Context

	closeOnce sync.Once
	mu        sync.Mutex
	done      bool
	duration  time.Duration
}

// WriteFrame queues one video frame. The frame must not be modified after
// it is written; the same frame may be written repeatedly.
func (r *FFmpegRecorder) WriteFrame(frame *image.RGBA) error {
	return r.send(r.frames, frame.Pix)
}

// WriteSamples queues mono s16le PCM.
func (r *FFmpegRecorder) WriteSamples(pcm []byte) error {
	return r.send(r.samples, pcm)
}

func (r *FFmpegRecorder) send(ch chan []byte, buf []byte) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return ErrRecorderClosed
	}

	select {
	case ch <- buf:
		return nil
	case <-r.groupCtx.Done():
		return r.failure(r.groupCtx.Err())
	}
}

func (r *FFmpegRecorder) closeInputs() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.done = true
		r.mu.Unlock()
		close(r.frames)
		close(r.samples)
	})
}

func (r *FFmpegRecorder) failure(err error) error {
	if tail := strings.TrimSpace(r.stderr.String()); tail != "" {
		return fmt.Errorf("ffmpeg encode failed: %w: %s", err, tail)
	}
	return fmt.Errorf("ffmpeg encode failed: %w", err)
}

// Finish flushes both streams, waits for ffmpeg and returns the WEBM bytes.
func (r *FFmpegRecorder) Finish() ([]byte, error) {
	r.closeInputs()
	defer r.cancel()
	defer os.Remove(r.outputPath)

	pipeErr := r.group.Wait()
	waitErr := r.cmd.Wait()
	if waitErr != nil {
		return nil, r.failure(waitErr)
	}
	if pipeErr != nil {
		return nil, r.failure(pipeErr)
	}

	durCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if d, err := r.svc.MediaDuration(durCtx, r.outputPath); err == nil {
		r.duration = d
	} else {
		r.svc.log.Warn("Could not measure rendered duration", "error", err.Error())
	}

	data, err := os.ReadFile(r.outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered video: %w", err)
	}
	r.svc.log.Info("Recording finalized", "bytes", len(data), "duration", r.duration.String())
	return data, nil
}

// Abort kills ffmpeg and discards any partial output.
func (r *FFmpegRecorder) Abort() {
	r.cancel()
	r.closeInputs()
	_ = r.group.Wait()
	_ = r.cmd.Wait()
	os.Remove(r.outputPath)
}

// Duration is the container duration measured by ffprobe after Finish.
func (r *FFmpegRecorder) Duration() time.Duration {
	return r.duration
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

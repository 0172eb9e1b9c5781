package assembly

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultWidth  = 1080
	DefaultHeight = 1920
	DefaultFPS    = 30

	MIMEType = "video/webm"
)

// Format describes the raw streams handed to a Recorder.
type Format struct {
	Width      int
	Height     int
	FPS        int
	SampleRate int
}

// Recorder consumes a live stream of frames and mono s16le samples and
// produces the encoded video. Frames are not modified after WriteFrame.
type Recorder interface {
	WriteFrame(frame *image.RGBA) error
	WriteSamples(pcm []byte) error
	Finish() ([]byte, error)
	Abort()
}

type RecorderFactory func(ctx context.Context, f Format) (Recorder, error)

// ProgressFunc is called as each scene starts painting. current is 1-based.
type ProgressFunc func(current, total int)

type Result struct {
	Video    []byte
	Duration time.Duration // sum of the rendered narration
	Measured time.Duration // container duration, when the recorder reports one
	Frames   int
	Scenes   []int // source indices of the scenes that were rendered
}

// durationReporter is implemented by recorders that can measure their output.
type durationReporter interface {
	Duration() time.Duration
}

// Engine plays eligible scenes back to back into a Recorder, holding each
// image on screen exactly as long as its narration.
type Engine struct {
	Format      Format
	NewRecorder RecorderFactory
	log         *logger.Logger
}

func NewEngine(newRecorder RecorderFactory, log *logger.Logger) *Engine {
	return &Engine{
		Format: Format{
			Width:      DefaultWidth,
			Height:     DefaultHeight,
			FPS:        DefaultFPS,
			SampleRate: audio.SampleRate,
		},
		NewRecorder: newRecorder,
		log:         log.With("service", "Assembly"),
	}
}

// Eligible returns the indices of scenes that have both an image and
// narration, in source order.
func Eligible(scenes models.Scenes) []int {
	var out []int
	for i, s := range scenes {
		if s.HasImage() && s.HasAudio() {
			out = append(out, i)
		}
	}
	return out
}

// Assemble renders the eligible scenes into a single video. Any failure
// aborts the recording and no partial output is returned.
func (e *Engine) Assemble(ctx context.Context, scenes models.Scenes, onProgress ProgressFunc) (res *Result, err error) {
	eligible := Eligible(scenes)
	if len(eligible) == 0 {
		return nil, apperr.New(apperr.KindInvalid, apperr.ErrNothingToAssemble)
	}
	f := e.Format
	if f.FPS <= 0 || f.SampleRate <= 0 || f.Width <= 0 || f.Height <= 0 {
		return nil, apperr.Newf(apperr.KindAssembly, "invalid render format %+v", f)
	}

	rec, err := e.NewRecorder(ctx, f)
	if err != nil {
		return nil, apperr.New(apperr.KindAssembly, fmt.Errorf("failed to start recorder: %w", err))
	}
	defer func() {
		if err != nil {
			rec.Abort()
		}
	}()

	// samples per frame period; audio is written in chunks of this size and
	// frames are emitted until they catch up with the audio clock
	chunkBytes := (f.SampleRate / f.FPS) * audio.BytesPerFrame
	if chunkBytes <= 0 {
		chunkBytes = audio.BytesPerFrame
	}

	var frames, samples int
	for k, idx := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, apperr.New(apperr.KindAssembly, fmt.Errorf("render cancelled: %w", err))
		}
		if onProgress != nil {
			onProgress(k+1, len(eligible))
		}

		scene := scenes[idx]
		surface, err := e.paint(scene.GeneratedImage)
		if err != nil {
			return nil, &apperr.Error{Kind: apperr.KindAssembly, Scene: idx, Err: err}
		}

		pcm := scene.NarrationAudio
		if len(pcm)%audio.BytesPerFrame != 0 {
			return nil, &apperr.Error{Kind: apperr.KindAssembly, Scene: idx, Err: audio.ErrOddLength}
		}

		for off := 0; off < len(pcm); off += chunkBytes {
			end := off + chunkBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			if err := rec.WriteSamples(pcm[off:end]); err != nil {
				return nil, &apperr.Error{Kind: apperr.KindAssembly, Scene: idx, Err: err}
			}
			samples += (end - off) / audio.BytesPerFrame

			for frames*f.SampleRate < samples*f.FPS {
				if err := rec.WriteFrame(surface); err != nil {
					return nil, &apperr.Error{Kind: apperr.KindAssembly, Scene: idx, Err: err}
				}
				frames++
			}
		}
		e.log.Debug("Scene painted", "scene", idx, "frames_total", frames, "samples_total", samples)
	}

	video, err := rec.Finish()
	if err != nil {
		return nil, apperr.New(apperr.KindAssembly, err)
	}
	if len(video) == 0 {
		return nil, apperr.Newf(apperr.KindAssembly, "recorder produced no output")
	}

	res = &Result{
		Video:    video,
		Duration: time.Duration(samples) * time.Second / time.Duration(f.SampleRate),
		Frames:   frames,
		Scenes:   eligible,
	}
	if dr, ok := rec.(durationReporter); ok {
		res.Measured = dr.Duration()
	}
	e.log.Info("Video assembled", "scenes", len(eligible), "frames", frames, "duration", res.Duration.String(), "bytes", len(video))
	return res, nil
}

// paint decodes img and stretches it over a fresh surface. Each scene gets
// its own surface so frames already handed to the recorder stay intact.
func (e *Engine) paint(img *models.Image) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, e.Format.Width, e.Format.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, nil
}

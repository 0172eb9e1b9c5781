package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"golang.org/x/sync/errgroup"
)

// Generator is the subset of the generation gateway the controller drives.
type Generator interface {
	GenerateImage(ctx context.Context, prompt string, ref *models.Image) (*models.Image, error)
	CheckSubject(ctx context.Context, img *models.Image) bool
	SynthesizeNarration(ctx context.Context, text, voice, stylePrompt string) ([]byte, error)
}

// JobKey identifies one in-flight generation. Index -1 marks a bulk run.
type JobKey struct {
	Index int
	Kind  models.ArtifactKind
}

// Snapshot is the state handed to the change hook after every mutation.
type Snapshot struct {
	Version   uint64
	Scenes    models.Scenes
	Reference *models.Image
}

type Options struct {
	// Pacing is the pause between the end of one bulk generation and the
	// start of the next.
	Pacing time.Duration
	// OnChange is called, outside the lock, after every successful mutation.
	OnChange func(Snapshot)
}

const DefaultPacing = 500 * time.Millisecond

var ErrStaleScenes = errors.New("scenes were replaced while generating")

// Controller owns the scenes of one project and serializes access to them.
// Image and audio jobs for distinct scenes run concurrently; a second request
// for a key that is already in flight is rejected.
type Controller struct {
	gen      Generator
	log      *logger.Logger
	pacing   time.Duration
	onChange func(Snapshot)

	mu        sync.Mutex
	scenes    models.Scenes
	reference *models.Image
	inflight  map[JobKey]struct{}
	epoch     uint64 // bumped when the scene list is replaced
	version   uint64 // bumped on every mutation
	reports   map[models.ArtifactKind]*BulkReport
}

func NewController(gen Generator, scenes models.Scenes, reference *models.Image, opts Options, log *logger.Logger) *Controller {
	if opts.Pacing <= 0 {
		opts.Pacing = DefaultPacing
	}
	return &Controller{
		gen:       gen,
		log:       log.With("service", "Pipeline"),
		pacing:    opts.Pacing,
		onChange:  opts.OnChange,
		scenes:    scenes.Clone(),
		reference: reference,
		inflight:  make(map[JobKey]struct{}),
		reports:   make(map[models.ArtifactKind]*BulkReport),
	}
}

// ---------------------------------------------------------------------------
// State access
// ---------------------------------------------------------------------------

func (c *Controller) Scenes() models.Scenes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scenes.Clone()
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scenes)
}

func (c *Controller) Scene(index int) (models.Scene, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndexLocked(index); err != nil {
		return models.Scene{}, err
	}
	return c.scenes[index : index+1].Clone()[0], nil
}

func (c *Controller) Reference() *models.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reference
}

// SetReference replaces the global style reference. nil clears it.
func (c *Controller) SetReference(img *models.Image) {
	c.mu.Lock()
	c.reference = img
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// SetScenes replaces the scene list, e.g. after re-segmentation. It fails
// while any job is in flight.
func (c *Controller) SetScenes(scenes models.Scenes) error {
	c.mu.Lock()
	if len(c.inflight) > 0 {
		c.mu.Unlock()
		return apperr.New(apperr.KindConflict, apperr.ErrJobInFlight)
	}
	c.scenes = scenes.Clone()
	c.epoch++
	c.reports = make(map[models.ArtifactKind]*BulkReport)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// InFlight reports whether key is currently being generated.
func (c *Controller) InFlight(key JobKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// Busy reports whether any job is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) > 0
}

func (c *Controller) checkIndexLocked(index int) error {
	if index < 0 || index >= len(c.scenes) {
		return apperr.Newf(apperr.KindInvalid, "scene index %d out of range (0..%d)", index, len(c.scenes)-1)
	}
	return nil
}

func (c *Controller) snapshotLocked() Snapshot {
	c.version++
	return Snapshot{Version: c.version, Scenes: c.scenes.Clone(), Reference: c.reference}
}

func (c *Controller) notify(s Snapshot) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

// acquire registers key as in flight and returns the epoch it started in.
func (c *Controller) acquireLocked(key JobKey) (uint64, error) {
	if _, busy := c.inflight[key]; busy {
		if key.Index < 0 {
			return 0, apperr.New(apperr.KindConflict, apperr.ErrJobInFlight)
		}
		return 0, &apperr.Error{Kind: apperr.KindConflict, Scene: key.Index, Err: apperr.ErrJobInFlight}
	}
	c.inflight[key] = struct{}{}
	return c.epoch, nil
}

func (c *Controller) release(key JobKey) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Reference chaining
// ---------------------------------------------------------------------------

// resolveReferenceLocked walks back from index-1 to the nearest scene whose
// image may be chained, falling back to the global reference.
func (c *Controller) resolveReferenceLocked(index int) *models.Image {
	for j := index - 1; j >= 0; j-- {
		if c.scenes[j].Chainable() {
			return c.scenes[j].GeneratedImage
		}
	}
	return c.reference
}

// ResolveReference is the reference GenerateImage would use for index.
func (c *Controller) ResolveReference(index int) (*models.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndexLocked(index); err != nil {
		return nil, err
	}
	return c.resolveReferenceLocked(index), nil
}

// ---------------------------------------------------------------------------
// Per-scene jobs
// ---------------------------------------------------------------------------

type ImageOptions struct {
	// Reference overrides chaining when non-nil.
	Reference *models.Image
	// NoReference generates without any style reference.
	NoReference bool
}

// GenerateImage renders the image for one scene. On failure the scene is
// left untouched.
func (c *Controller) GenerateImage(ctx context.Context, index int, opts ImageOptions) (models.Scene, error) {
	key := JobKey{Index: index, Kind: models.ArtifactImage}

	c.mu.Lock()
	if err := c.checkIndexLocked(index); err != nil {
		c.mu.Unlock()
		return models.Scene{}, err
	}
	epoch, err := c.acquireLocked(key)
	if err != nil {
		c.mu.Unlock()
		return models.Scene{}, err
	}
	scene := c.scenes[index]
	var ref *models.Image
	switch {
	case opts.NoReference:
	case opts.Reference != nil:
		ref = opts.Reference
	default:
		ref = c.resolveReferenceLocked(index)
	}
	c.mu.Unlock()
	defer c.release(key)

	prompt := scene.ImagePrompt
	if prompt == "" {
		prompt = scene.NarrativeText
	}

	c.log.Info("Generating scene image", "scene", index, "with_reference", ref != nil)
	img, err := c.gen.GenerateImage(ctx, prompt, ref)
	if err != nil {
		c.log.Warn("Scene image failed", "scene", index, "error", err.Error())
		return models.Scene{}, apperr.ForScene(index, err)
	}
	hasSubject := c.gen.CheckSubject(ctx, img)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return models.Scene{}, apperr.ForScene(index, apperr.New(apperr.KindConflict, ErrStaleScenes))
	}
	c.scenes[index].GeneratedImage = img
	c.scenes[index].HasSubject = &hasSubject
	updated := c.scenes[index : index+1].Clone()[0]
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return updated, nil
}

// GenerateAudio synthesizes narration for one scene. On failure the scene is
// left untouched.
func (c *Controller) GenerateAudio(ctx context.Context, index int, voice, stylePrompt string) (models.Scene, error) {
	key := JobKey{Index: index, Kind: models.ArtifactAudio}

	c.mu.Lock()
	if err := c.checkIndexLocked(index); err != nil {
		c.mu.Unlock()
		return models.Scene{}, err
	}
	epoch, err := c.acquireLocked(key)
	if err != nil {
		c.mu.Unlock()
		return models.Scene{}, err
	}
	text := c.scenes[index].NarrativeText
	c.mu.Unlock()
	defer c.release(key)

	c.log.Info("Generating scene narration", "scene", index, "voice", voice)
	pcm, err := c.gen.SynthesizeNarration(ctx, text, voice, stylePrompt)
	if err != nil {
		c.log.Warn("Scene narration failed", "scene", index, "error", err.Error())
		return models.Scene{}, apperr.ForScene(index, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return models.Scene{}, apperr.ForScene(index, apperr.New(apperr.KindConflict, ErrStaleScenes))
	}
	c.scenes[index].NarrationAudio = pcm
	updated := c.scenes[index : index+1].Clone()[0]
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return updated, nil
}

// SceneResult is the outcome of GenerateScene. Scene is the state after both
// jobs settled; each error belongs to the job that produced it.
type SceneResult struct {
	Scene    models.Scene
	ImageErr error
	AudioErr error
}

// Err joins the job errors, nil when both succeeded.
func (r SceneResult) Err() error {
	return errors.Join(r.ImageErr, r.AudioErr)
}

// GenerateScene runs the image and audio jobs of one scene concurrently.
// Each job succeeds or fails on its own. The returned error is non-nil only
// when the index is invalid or both jobs failed.
func (c *Controller) GenerateScene(ctx context.Context, index int, voice, stylePrompt string) (SceneResult, error) {
	if _, err := c.Scene(index); err != nil {
		return SceneResult{}, err
	}

	var (
		g   errgroup.Group
		res SceneResult
	)
	g.Go(func() error {
		_, res.ImageErr = c.GenerateImage(ctx, index, ImageOptions{})
		return nil
	})
	g.Go(func() error {
		_, res.AudioErr = c.GenerateAudio(ctx, index, voice, stylePrompt)
		return nil
	})
	_ = g.Wait()

	scene, err := c.Scene(index)
	if err != nil {
		return SceneResult{}, err
	}
	res.Scene = scene
	if res.ImageErr != nil && res.AudioErr != nil {
		return res, res.Err()
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Bulk generation
// ---------------------------------------------------------------------------

type SceneFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BulkReport summarizes a generate-all run.
type BulkReport struct {
	Kind       models.ArtifactKind `json:"kind"`
	Running    bool                `json:"running"`
	Total      int                 `json:"total"`
	Generated  []int               `json:"generated"`
	Skipped    []int               `json:"skipped"`
	Failures   []SceneFailure      `json:"failures"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

func (r *BulkReport) clone() *BulkReport {
	cp := *r
	cp.Generated = append([]int(nil), r.Generated...)
	cp.Skipped = append([]int(nil), r.Skipped...)
	cp.Failures = append([]SceneFailure(nil), r.Failures...)
	return &cp
}

// Report returns the latest bulk report for kind, if any.
func (c *Controller) Report(kind models.ArtifactKind) (*BulkReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[kind]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

func (c *Controller) updateReport(r *BulkReport, fn func(r *BulkReport)) {
	c.mu.Lock()
	fn(r)
	c.mu.Unlock()
}

// BulkRun is a claimed generate-all slot. Exactly one Run call releases it.
type BulkRun struct {
	c      *Controller
	report *BulkReport
}

// StartBulk claims the bulk slot for kind and publishes a fresh report. A
// second claim for the same kind fails with ErrJobInFlight until the first
// run finishes.
func (c *Controller) StartBulk(kind models.ArtifactKind) (*BulkRun, error) {
	if kind != models.ArtifactImage && kind != models.ArtifactAudio {
		return nil, apperr.Newf(apperr.KindInvalid, "unknown artifact kind %q", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.acquireLocked(JobKey{Index: -1, Kind: kind}); err != nil {
		return nil, err
	}
	r := &BulkReport{Kind: kind, Running: true, Total: len(c.scenes), StartedAt: time.Now()}
	c.reports[kind] = r
	return &BulkRun{c: c, report: r}, nil
}

// Run generates the missing artifacts and returns the final report. voice
// and stylePrompt only apply to narration runs.
func (b *BulkRun) Run(ctx context.Context, voice, stylePrompt string) *BulkReport {
	if b.report.Kind == models.ArtifactImage {
		b.c.runImages(ctx, b.report)
	} else {
		b.c.runAudio(ctx, b.report, voice, stylePrompt)
	}
	final := b.c.finishBulk(b.report)
	b.c.log.Info("Bulk generation finished", "kind", string(final.Kind),
		"total", final.Total, "generated", len(final.Generated), "skipped", len(final.Skipped), "failed", len(final.Failures))
	return final
}

func (c *Controller) finishBulk(r *BulkReport) *BulkReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	r.Running = false
	r.FinishedAt = &now
	delete(c.inflight, JobKey{Index: -1, Kind: r.Kind})
	return r.clone()
}

// pause waits out the pacing interval, counted from now.
func (c *Controller) pause(ctx context.Context) error {
	t := time.NewTimer(c.pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) recordFailure(r *BulkReport, index int, err error) {
	c.updateReport(r, func(r *BulkReport) {
		r.Failures = append(r.Failures, SceneFailure{Index: index, Error: err.Error()})
	})
}

// GenerateAllImages walks the scenes in ascending order. Scenes that already
// have an image are skipped but still feed the running reference; the others
// are generated with it. Failures are recorded and the run continues.
func (c *Controller) GenerateAllImages(ctx context.Context) (*BulkReport, error) {
	run, err := c.StartBulk(models.ArtifactImage)
	if err != nil {
		return nil, err
	}
	return run.Run(ctx, "", ""), nil
}

// GenerateAllAudio narrates every scene without audio, in ascending order,
// with the same pacing and continue-on-error behaviour as GenerateAllImages.
func (c *Controller) GenerateAllAudio(ctx context.Context, voice, stylePrompt string) (*BulkReport, error) {
	run, err := c.StartBulk(models.ArtifactAudio)
	if err != nil {
		return nil, err
	}
	return run.Run(ctx, voice, stylePrompt), nil
}

func (c *Controller) runImages(ctx context.Context, report *BulkReport) {
	c.mu.Lock()
	total := len(c.scenes)
	running := c.reference
	c.mu.Unlock()

	generated := false
	for i := 0; i < total; i++ {
		scene, err := c.Scene(i)
		if err != nil {
			// scene list shrank underneath us
			return
		}
		if scene.HasImage() {
			if scene.Chainable() {
				running = scene.GeneratedImage
			}
			c.updateReport(report, func(r *BulkReport) { r.Skipped = append(r.Skipped, i) })
			continue
		}

		if generated {
			if err := c.pause(ctx); err != nil {
				c.recordFailure(report, i, err)
				return
			}
		}
		generated = true

		updated, err := c.GenerateImage(ctx, i, ImageOptions{Reference: running, NoReference: running == nil})
		if err != nil {
			c.recordFailure(report, i, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if updated.Chainable() {
			running = updated.GeneratedImage
		}
		c.updateReport(report, func(r *BulkReport) { r.Generated = append(r.Generated, i) })
	}
}

func (c *Controller) runAudio(ctx context.Context, report *BulkReport, voice, stylePrompt string) {
	total := c.Len()

	generated := false
	for i := 0; i < total; i++ {
		scene, err := c.Scene(i)
		if err != nil {
			return
		}
		if scene.HasAudio() {
			c.updateReport(report, func(r *BulkReport) { r.Skipped = append(r.Skipped, i) })
			continue
		}

		if generated {
			if err := c.pause(ctx); err != nil {
				c.recordFailure(report, i, err)
				return
			}
		}
		generated = true

		if _, err := c.GenerateAudio(ctx, i, voice, stylePrompt); err != nil {
			c.recordFailure(report, i, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.updateReport(report, func(r *BulkReport) { r.Generated = append(r.Generated, i) })
	}
}

// String is used in log lines.
func (k JobKey) String() string {
	if k.Index < 0 {
		return fmt.Sprintf("all/%s", k.Kind)
	}
	return fmt.Sprintf("%d/%s", k.Index, k.Kind)
}

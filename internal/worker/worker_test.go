package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/assembly"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/queue"
	"github.com/google/uuid"
)

type fakeStore struct {
	mu        sync.Mutex
	project   *models.Project
	statuses  []models.JobStatus
	progress  [][2]int
	jobErr    string
	completed *uuid.UUID
	assets    []*models.Asset
}

func (f *fakeStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return f.project, nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress, sceneCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, [2]int{progress, sceneCount})
	return nil
}

func (f *fakeStore) UpdateJobError(ctx context.Context, id uuid.UUID, msg string) error {
	f.jobErr = msg
	return nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id, assetID uuid.UUID) error {
	f.completed = &assetID
	return nil
}

func (f *fakeStore) CreateAsset(ctx context.Context, asset *models.Asset) error {
	f.assets = append(f.assets, asset)
	return nil
}

type fakeObjects struct {
	uploaded map[string][]byte
}

func (f *fakeObjects) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	f.uploaded[path] = data
	return nil
}

func (f *fakeObjects) GenerateStoragePath(projectID uuid.UUID, filename string) string {
	return projectID.String() + "/" + filename
}

type fakeAssembler struct {
	err error
}

func (f *fakeAssembler) Assemble(ctx context.Context, scenes models.Scenes, onProgress assembly.ProgressFunc) (*assembly.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	eligible := assembly.Eligible(scenes)
	for i := range eligible {
		onProgress(i+1, len(eligible))
	}
	return &assembly.Result{Video: []byte("webm"), Duration: 2 * time.Second, Measured: 2010 * time.Millisecond, Scenes: eligible}, nil
}

func renderableProject() *models.Project {
	img := &models.Image{MIMEType: "image/png", Data: []byte("png")}
	return &models.Project{
		ID: uuid.New(),
		Scenes: models.Scenes{
			{GeneratedImage: img, NarrationAudio: []byte{0, 0}},
			{NarrationAudio: []byte{0, 0}},
			{GeneratedImage: img, NarrationAudio: []byte{0, 0}},
		},
	}
}

func TestHandleRenderVideo(t *testing.T) {
	store := &fakeStore{project: renderableProject()}
	objects := &fakeObjects{uploaded: map[string][]byte{}}
	w := New(store, nil, objects, "renders", &fakeAssembler{}, logger.Nop())

	job := &queue.Job{ID: uuid.New(), Type: models.JobTypeRenderVideo, ProjectID: store.project.ID}
	w.runJob(context.Background(), job, w.handleRenderVideo)

	if store.jobErr != "" {
		t.Fatalf("unexpected job error %s", store.jobErr)
	}
	if len(store.assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(store.assets))
	}
	asset := store.assets[0]
	if asset.Type != models.AssetTypeFinalVideo || *asset.ContentType != "video/webm" {
		t.Errorf("unexpected asset %+v", asset)
	}
	if *asset.DurationMs != 2010 {
		t.Errorf("expected measured duration, got %d", *asset.DurationMs)
	}
	if !strings.HasSuffix(asset.StoragePath, job.ID.String()+".webm") {
		t.Errorf("unexpected storage path %s", asset.StoragePath)
	}
	if string(objects.uploaded[asset.StoragePath]) != "webm" {
		t.Error("expected video uploaded")
	}
	if store.completed == nil || *store.completed != asset.ID {
		t.Error("expected job completed with asset")
	}

	want := [][2]int{{0, 2}, {0, 2}, {1, 2}}
	if len(store.progress) != len(want) {
		t.Fatalf("unexpected progress %v", store.progress)
	}
	for i := range want {
		if store.progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, store.progress[i], want[i])
		}
	}
	if store.statuses[0] != models.JobStatusRunning {
		t.Errorf("expected running status first")
	}
}

func TestRenderFailureRecorded(t *testing.T) {
	store := &fakeStore{project: renderableProject()}
	objects := &fakeObjects{uploaded: map[string][]byte{}}
	assembler := &fakeAssembler{err: &apperr.Error{Kind: apperr.KindAssembly, Scene: 2, Err: errors.New("decode image: bad")}}
	w := New(store, nil, objects, "renders", assembler, logger.Nop())

	job := &queue.Job{ID: uuid.New(), ProjectID: store.project.ID}
	w.runJob(context.Background(), job, w.handleRenderVideo)

	if !strings.Contains(store.jobErr, "scene 3") {
		t.Errorf("expected scene-tagged error, got %q", store.jobErr)
	}
	if len(objects.uploaded) != 0 || len(store.assets) != 0 || store.completed != nil {
		t.Error("failed render must not produce output")
	}
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/storyvoice/internal/assembly"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/queue"
	"github.com/google/uuid"
)

// Store is the persistence the render worker needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress, sceneCount int) error
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error
	CompleteJob(ctx context.Context, id, assetID uuid.UUID) error
	CreateAsset(ctx context.Context, asset *models.Asset) error
}

type JobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
}

type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	GenerateStoragePath(projectID uuid.UUID, filename string) string
}

type Assembler interface {
	Assemble(ctx context.Context, scenes models.Scenes, onProgress assembly.ProgressFunc) (*assembly.Result, error)
}

const (
	dequeueTimeout = 5 * time.Second
	// status writes use their own deadline so a failed render is still recorded
	// after the job context is cancelled
	statusTimeout = 10 * time.Second
)

type Worker struct {
	db        Store
	queue     JobQueue
	storage   ObjectStore
	bucket    string
	assembler Assembler
	uploadSem chan struct{} // limits concurrent storage uploads
	log       *logger.Logger
}

func New(database Store, q JobQueue, stor ObjectStore, bucket string, assembler Assembler, log *logger.Logger) *Worker {
	return &Worker{
		db:        database,
		queue:     q,
		storage:   stor,
		bucket:    bucket,
		assembler: assembler,
		uploadSem: make(chan struct{}, 2),
		log:       log.With("service", "Worker"),
	}
}

// uploadWithLimit wraps an upload call with a semaphore so parallel renders
// don't saturate the storage connection.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	w.log.Debug("Waiting for upload slot", "upload", label)
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	return fn()
}

// Start consumes render jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Worker started", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueRenderVideo, w.handleRenderVideo)
	}

	<-ctx.Done()
	w.log.Info("Worker shutting down")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("Error dequeuing", "queue", queueName, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.runJob(ctx, job, handler)
	}
}

func (w *Worker) runJob(ctx context.Context, job *queue.Job, handler func(context.Context, *queue.Job) error) {
	log := w.log.With("job_id", job.ID.String(), "project_id", job.ProjectID.String(), "type", job.Type)
	log.Info("Processing job")

	if err := w.db.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		log.Warn("Failed to update job status", "error", err.Error())
	}

	if err := handler(ctx, job); err != nil {
		log.Error("Job failed", "error", err.Error())
		statusCtx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		if err := w.db.UpdateJobError(statusCtx, job.ID, err.Error()); err != nil {
			log.Error("Failed to record job error", "error", err.Error())
		}
		return
	}
	log.Info("Job completed")
}

// handleRenderVideo assembles the project's eligible scenes into a WEBM,
// uploads it and records the asset.
func (w *Worker) handleRenderVideo(ctx context.Context, job *queue.Job) error {
	project, err := w.db.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	total := len(assembly.Eligible(project.Scenes))
	if err := w.db.UpdateJobProgress(ctx, job.ID, 0, total); err != nil {
		w.log.Warn("Failed to reset job progress", "job_id", job.ID.String(), "error", err.Error())
	}

	res, err := w.assembler.Assemble(ctx, project.Scenes, func(current, total int) {
		// progress counts scenes fully painted
		if err := w.db.UpdateJobProgress(ctx, job.ID, current-1, total); err != nil {
			w.log.Warn("Failed to update job progress", "job_id", job.ID.String(), "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("failed to assemble video: %w", err)
	}

	duration := res.Measured
	if duration <= 0 {
		duration = res.Duration
	}
	durationMs := int(duration / time.Millisecond)
	byteSize := int64(len(res.Video))
	contentType := assembly.MIMEType

	asset := &models.Asset{
		ID:            uuid.New(),
		ProjectID:     job.ProjectID,
		Type:          models.AssetTypeFinalVideo,
		StorageBucket: w.bucket,
		StoragePath:   w.storage.GenerateStoragePath(job.ProjectID, fmt.Sprintf("renders/%s.webm", job.ID)),
		ContentType:   &contentType,
		ByteSize:      &byteSize,
		DurationMs:    &durationMs,
	}

	if err := w.uploadWithLimit(ctx, "final_video", func() error {
		return w.storage.Upload(ctx, asset.StoragePath, res.Video, contentType)
	}); err != nil {
		return fmt.Errorf("failed to upload final video: %w", err)
	}

	if err := w.db.CreateAsset(ctx, asset); err != nil {
		return fmt.Errorf("failed to save final video asset: %w", err)
	}

	w.log.Info("Render stored",
		"job_id", job.ID.String(), "scenes", len(res.Scenes), "frames", res.Frames,
		"duration", duration.String(), "bytes", byteSize)
	return w.db.CompleteJob(ctx, job.ID, asset.ID)
}

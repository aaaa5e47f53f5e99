package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/bagit"
	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/models"
)

// maxPackagingAttempts bounds automatic retries of a failing packaging job.
// Beyond this the job stays failed until an operator requeues it.
const maxPackagingAttempts = 5

// PackagingWorkerService turns finalized file sets into BagIt bags. Jobs are
// durable rows, so a crash mid-build is retried from the same file set on the
// next tick without re-running validation or malware scanning.
type PackagingWorkerService struct {
	db       *gorm.DB
	manager  *UploadSessionService
	builder  *bagit.Builder
	delivery *PackageDeliveryService
	bagDir   string
	interval time.Duration

	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewPackagingWorkerService creates the packaging worker
func NewPackagingWorkerService(db *gorm.DB, manager *UploadSessionService, delivery *PackageDeliveryService, cfg *config.Config) (*PackagingWorkerService, error) {
	builder, err := bagit.NewBuilder(cfg.ChecksumAlgorithms)
	if err != nil {
		return nil, err
	}
	return &PackagingWorkerService{
		db:       db,
		manager:  manager,
		builder:  builder,
		delivery: delivery,
		bagDir:   cfg.BagStorageDir,
		interval: 15 * time.Second,
		stopChan: make(chan struct{}),
	}, nil
}

// Enqueue records a packaging job for a finalized session. The file set is
// serialized into the job row; this is the crash-safe handoff point.
func (w *PackagingWorkerService) Enqueue(ctx context.Context, submission *models.Submission, set *FileSet) error {
	return w.EnqueueTx(w.db.WithContext(ctx), submission, set)
}

// EnqueueTx records the job through the caller's transaction, so the job row
// commits atomically with the session's FINALIZED flip and the submission row.
func (w *PackagingWorkerService) EnqueueTx(tx *gorm.DB, submission *models.Submission, set *FileSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode file set: %w", err)
	}

	job := models.PackagingJob{
		SubmissionID: submission.ID,
		FileSet:      payload,
		Status:       models.PackagingJobPending,
	}
	if err := tx.Create(&job).Error; err != nil {
		return fmt.Errorf("enqueue packaging job: %w", err)
	}
	return nil
}

// Start begins the worker loop
func (w *PackagingWorkerService) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.mu.Unlock()

	// Jobs stranded in_progress by a crash go back to pending
	w.recoverStuckJobs()

	w.wg.Add(1)
	go w.run()

	log.Printf("PackagingWorker started (interval: %v, bag dir: %s)", w.interval, w.bagDir)
}

// Stop stops the worker
func (w *PackagingWorkerService) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Println("PackagingWorker stopped")
}

func (w *PackagingWorkerService) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.ProcessPending()
		}
	}
}

func (w *PackagingWorkerService) recoverStuckJobs() {
	result := w.db.Model(&models.PackagingJob{}).
		Where("status = ?", models.PackagingJobInProgress).
		Update("status", models.PackagingJobPending)
	if result.Error != nil {
		log.Printf("PackagingWorker: failed to recover stuck jobs: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("PackagingWorker: requeued %d jobs interrupted by restart", result.RowsAffected)
	}
}

// ProcessPending runs every runnable job once. Failed jobs under the attempt
// cap are retried from their stored file set.
func (w *PackagingWorkerService) ProcessPending() {
	var jobs []models.PackagingJob
	err := w.db.Preload("Submission").
		Where("status = ? OR (status = ? AND attempts < ?)",
			models.PackagingJobPending, models.PackagingJobFailed, maxPackagingAttempts).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		log.Printf("PackagingWorker: job query failed: %v", err)
		return
	}

	for i := range jobs {
		w.processJob(&jobs[i])
	}
}

func (w *PackagingWorkerService) processJob(job *models.PackagingJob) {
	now := time.Now().UTC()
	err := w.db.Model(job).Updates(map[string]interface{}{
		"status":     models.PackagingJobInProgress,
		"attempts":   job.Attempts + 1,
		"started_at": now,
	}).Error
	if err != nil {
		log.Printf("PackagingWorker: failed to claim job %d: %v", job.ID, err)
		return
	}

	result, err := w.buildBag(job)
	if err != nil {
		log.Printf("PackagingWorker: job %d failed (attempt %d): %v", job.ID, job.Attempts+1, err)
		w.db.Model(job).Updates(map[string]interface{}{
			"status":     models.PackagingJobFailed,
			"last_error": err.Error(),
		})
		if job.Submission != nil {
			w.db.Model(job.Submission).Update("status", models.SubmissionStatusFailed)
		}
		return
	}

	finished := time.Now().UTC()
	w.db.Model(job).Updates(map[string]interface{}{
		"status":      models.PackagingJobDone,
		"last_error":  "",
		"finished_at": finished,
	})
	if job.Submission != nil {
		w.db.Model(job.Submission).Updates(map[string]interface{}{
			"status":   models.SubmissionStatusPackaged,
			"bag_path": result.BagPath,
		})
	}

	log.Printf("PackagingWorker: job %d packaged %d files (%d bytes) at %s",
		job.ID, result.FileCount, result.TotalBytes, result.BagPath)

	// The bag owns copies now; the session's temp storage can go
	var set FileSet
	if json.Unmarshal(job.FileSet, &set) == nil && set.SessionToken != "" {
		if err := w.manager.ReleaseStorage(set.SessionToken); err != nil {
			log.Printf("PackagingWorker: failed to release session storage %s: %v", set.SessionToken, err)
		}
	}

	if w.delivery != nil {
		if err := w.delivery.Deliver(result.BagPath); err != nil {
			// Delivery is best-effort; the bag stays on local storage
			log.Printf("PackagingWorker: delivery of %s failed: %v", result.BagPath, err)
		}
	}
}

func (w *PackagingWorkerService) buildBag(job *models.PackagingJob) (*bagit.Result, error) {
	var set FileSet
	if err := json.Unmarshal(job.FileSet, &set); err != nil {
		return nil, fmt.Errorf("decode file set: %w", err)
	}
	if job.Submission == nil {
		return nil, fmt.Errorf("job %d has no submission", job.ID)
	}

	files := make([]bagit.File, 0, len(set.Files))
	for _, f := range set.Files {
		files = append(files, bagit.File{Name: f.Name, Size: f.Size, SourcePath: f.StoragePath})
	}

	sub := job.Submission
	tags := map[string]string{
		"Source-Organization":         sub.ContactName,
		"Contact-Email":               sub.ContactEmail,
		"External-Identifier":         sub.UUID,
		"Internal-Sender-Description": sub.AccessionTitle,
	}

	bagPath := filepath.Join(w.bagDir, sub.UUID)

	// A crash after a completed build but before the job row was updated
	// leaves a valid bag behind; adopt it instead of failing on collision.
	if _, err := os.Stat(bagPath); err == nil {
		if err := w.builder.Verify(bagPath); err == nil {
			return &bagit.Result{BagPath: bagPath, FileCount: len(files), TotalBytes: set.TotalBytes}, nil
		}
		if err := os.RemoveAll(bagPath); err != nil {
			return nil, fmt.Errorf("clear corrupt bag: %w", err)
		}
	}

	result, err := w.builder.Build(bagPath, files, tags)
	if err != nil {
		return nil, err
	}

	if err := w.builder.Verify(result.BagPath); err != nil {
		return nil, err
	}

	return result, nil
}

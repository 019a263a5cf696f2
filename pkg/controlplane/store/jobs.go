package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
)

// CreateJob enqueues a new job for a printer. The payload is stored as raw
// JSON exactly as submitted.
func (s *GORMStore) CreateJob(ctx context.Context, printerID, payloadType string, payload json.RawMessage) (*models.Job, error) {
	if _, err := s.GetPrinter(ctx, printerID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		PrinterID:   printerID,
		PayloadType: payloadType,
		Payload:     string(payload),
		Status:      models.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (s *GORMStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrJobNotFound)
	}
	return &job, nil
}

// JobFilter narrows ListJobs. Zero values mean no filtering.
type JobFilter struct {
	PrinterID string
	Status    string
	Limit     int
}

func (s *GORMStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.PrinterID != "" {
		q = q.Where("printer_id = ?", filter.PrinterID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var jobs []*models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// OldestQueued returns up to limit queued jobs, oldest first. This is the
// dispatcher's poll query.
func (s *GORMStore) OldestQueued(ctx context.Context, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", models.JobQueued).
		Order("created_at").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkPrinting transitions queued -> printing and stamps the start time. The
// guard on the current status makes the transition atomic: a job cancelled
// between poll and execution loses the race here.
func (s *GORMStore) MarkPrinting(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]any{
			"status":     models.JobPrinting,
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrJobNotQueued
	}
	return nil
}

// MarkSuccess finishes a job with its structured result.
func (s *GORMStore) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobSuccess,
			"result":      string(result),
			"error":       "",
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// MarkFailed finishes a job with an error message and no result.
func (s *GORMStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobFailed,
			"error":       errMsg,
			"result":      "",
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// RequeueForRetry puts a failed execution back in the queue with its error
// recorded and the retry counter advanced.
func (s *GORMStore) RequeueForRetry(ctx context.Context, id, errMsg string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.JobQueued,
			"error":      errMsg,
			"retries":    gorm.Expr("retries + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// RetryJob is the manual retry: failed or queued jobs go back to queued
// without touching the retry counter.
func (s *GORMStore) RetryJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobFailed && job.Status != models.JobQueued {
		return models.ErrJobNotRetryable
	}
	return s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobQueued,
			"finished_at": nil,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// CancelJob fails a queued job on the caller's behalf. Printing jobs cannot
// be cancelled; the guarantee is cooperative.
func (s *GORMStore) CancelJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobQueued {
		return models.ErrJobNotCancellable
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]any{
			"status":      models.JobFailed,
			"error":       "Cancelled by user",
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotCancellable
	}
	return nil
}

// internal/store/task_store.go

// Package store owns the segmentation task lifecycle. Every transition
// is guarded (pending -> processing -> {completed|failed}) and is
// published to the status broadcaster exactly once.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"liverscan-back/internal/models"
)

// ErrInvalidTransition means a task was asked to make an illegal state
// change. This is a logic error in the caller, not a user error.
var ErrInvalidTransition = errors.New("invalid task transition")

// Notifier receives one call per committed transition. broadcast.Hub
// satisfies it.
type Notifier interface {
	Publish(scanID uint, status string, message string, extra map[string]any)
}

type TaskStore struct {
	db       *gorm.DB
	notifier Notifier
}

func New(db *gorm.DB, notifier Notifier) *TaskStore {
	return &TaskStore{db: db, notifier: notifier}
}

func (s *TaskStore) notify(scanID uint, status models.TaskStatus, message string, extra map[string]any) {
	if s.notifier != nil {
		s.notifier.Publish(scanID, string(status), message, extra)
	}
}

// Create opens a new pending task under the scan.
func (s *TaskStore) Create(scan *models.Scan) (*models.SegmentationTask, error) {
	task := &models.SegmentationTask{
		ScanID: scan.ID,
		Status: models.TaskPending,
	}
	if err := s.db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.notify(scan.ID, models.TaskPending, "Segmentation queued", map[string]any{"task_id": task.ID})
	return task, nil
}

// MarkProcessing moves a pending task to processing and stamps
// started_at. Any other starting state is ErrInvalidTransition.
func (s *TaskStore) MarkProcessing(task *models.SegmentationTask) error {
	now := time.Now().UTC()

	res := s.db.Model(&models.SegmentationTask{}).
		Where("id = ? AND status = ?", task.ID, models.TaskPending).
		Updates(map[string]any{"status": models.TaskProcessing, "started_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to mark task processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %d is not pending", ErrInvalidTransition, task.ID)
	}

	task.Status = models.TaskProcessing
	task.StartedAt = &now

	s.notify(task.ScanID, models.TaskProcessing, "Segmentation started", map[string]any{"task_id": task.ID})
	return nil
}

// MarkCompleted atomically attaches the result and moves a processing
// task to completed. inference_time_ms keeps the larger of the reported
// value and the store-computed duration.
func (s *TaskStore) MarkCompleted(task *models.SegmentationTask, result *models.SegmentationResult, reportedMs int64) error {
	now := time.Now().UTC()

	inferenceMs := reportedMs
	if task.StartedAt != nil {
		if d := now.Sub(*task.StartedAt).Milliseconds(); d > inferenceMs {
			inferenceMs = d
		}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SegmentationTask{}).
			Where("id = ? AND status = ?", task.ID, models.TaskProcessing).
			Updates(map[string]any{
				"status":            models.TaskCompleted,
				"completed_at":      now,
				"inference_time_ms": inferenceMs,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d is not processing", ErrInvalidTransition, task.ID)
		}

		result.TaskID = task.ID
		return tx.Create(result).Error
	})
	if err != nil {
		return err
	}

	task.Status = models.TaskCompleted
	task.CompletedAt = &now
	task.InferenceTimeMs = inferenceMs
	task.Result = result

	s.notify(task.ScanID, models.TaskCompleted, "Segmentation completed", map[string]any{
		"task_id":           task.ID,
		"inference_time_ms": inferenceMs,
	})
	return nil
}

// MarkFailed moves a non-terminal task to failed with the given message.
// started_at is backfilled for tasks that never left pending so the
// terminal-state timestamp invariant holds.
func (s *TaskStore) MarkFailed(task *models.SegmentationTask, message string) error {
	now := time.Now().UTC()

	res := s.db.Model(&models.SegmentationTask{}).
		Where("id = ? AND status IN ?", task.ID, []models.TaskStatus{models.TaskPending, models.TaskProcessing}).
		Updates(map[string]any{
			"status":        models.TaskFailed,
			"started_at":    gorm.Expr("COALESCE(started_at, ?)", now),
			"completed_at":  now,
			"error_message": message,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark task failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %d is already terminal", ErrInvalidTransition, task.ID)
	}

	task.Status = models.TaskFailed
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.CompletedAt = &now
	task.ErrorMessage = message

	s.notify(task.ScanID, models.TaskFailed, message, map[string]any{"task_id": task.ID})
	return nil
}

// UpdateScanStatus writes the scan's lifecycle status.
func (s *TaskStore) UpdateScanStatus(scan *models.Scan, status models.ScanStatus) error {
	if err := s.db.Model(scan).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	scan.Status = status
	return nil
}

// GetScan loads a scan with its tasks.
func (s *TaskStore) GetScan(id uint) (*models.Scan, error) {
	var scan models.Scan
	if err := s.db.Preload("Tasks").First(&scan, id).Error; err != nil {
		return nil, err
	}
	return &scan, nil
}

// GetTask loads a task with its result.
func (s *TaskStore) GetTask(id uint) (*models.SegmentationTask, error) {
	var task models.SegmentationTask
	if err := s.db.Preload("Result").First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// TasksForScan lists the scan's runs, newest first.
func (s *TaskStore) TasksForScan(scanID uint) ([]models.SegmentationTask, error) {
	var tasks []models.SegmentationTask
	err := s.db.Where("scan_id = ?", scanID).Order("created_at DESC").Find(&tasks).Error
	return tasks, err
}

// ActiveTask returns the scan's non-terminal task, or
// gorm.ErrRecordNotFound when every run has finished.
func (s *TaskStore) ActiveTask(scanID uint) (*models.SegmentationTask, error) {
	var task models.SegmentationTask
	err := s.db.
		Where("scan_id = ? AND status IN ?", scanID, []models.TaskStatus{models.TaskPending, models.TaskProcessing}).
		First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

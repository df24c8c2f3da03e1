// internal/segmentation/orchestrator.go

// Package segmentation coordinates one segmentation run: task creation,
// status transitions, the inference call, and result persistence.
package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"liverscan-back/internal/inference"
	"liverscan-back/internal/logger"
	"liverscan-back/internal/metrics"
	"liverscan-back/internal/models"
	"liverscan-back/internal/storage"
	"liverscan-back/internal/store"
)

var (
	// ErrAlreadyProcessed rejects a run against a scan that already
	// completed. A rejection, not a failure: no task is created.
	ErrAlreadyProcessed = errors.New("scan already processed")

	// ErrRunInProgress rejects a second run while a prior task for the
	// same scan is still non-terminal.
	ErrRunInProgress = errors.New("segmentation run already in progress")
)

// ArtifactStore is the slice of object storage the orchestrator needs:
// attach a produced mask, resolve a read path for the source volume.
type ArtifactStore interface {
	UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	PresignedURL(ctx context.Context, objectName string) (string, error)
}

type Orchestrator struct {
	tasks     *store.TaskStore
	artifacts ArtifactStore
	model     inference.Client
}

func New(tasks *store.TaskStore, artifacts ArtifactStore, model inference.Client) *Orchestrator {
	return &Orchestrator{tasks: tasks, artifacts: artifacts, model: model}
}

// Prepare checks the run preconditions and opens a pending task. It is
// synchronous so the triggering request can return the task id before
// the run executes.
func (o *Orchestrator) Prepare(scanID uint) (*models.SegmentationTask, error) {
	_, task, err := o.prepare(scanID)
	return task, err
}

func (o *Orchestrator) prepare(scanID uint) (*models.Scan, *models.SegmentationTask, error) {
	scan, err := o.tasks.GetScan(scanID)
	if err != nil {
		return nil, nil, err
	}
	if scan.Status == models.ScanCompleted {
		return nil, nil, fmt.Errorf("%w: scan %d", ErrAlreadyProcessed, scanID)
	}
	if _, err := o.tasks.ActiveTask(scanID); err == nil {
		return nil, nil, fmt.Errorf("%w: scan %d", ErrRunInProgress, scanID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	task, err := o.tasks.Create(scan)
	if err != nil {
		// the unique index on non-terminal tasks catches submissions
		// that raced past the ActiveTask check
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, fmt.Errorf("%w: scan %d", ErrRunInProgress, scanID)
		}
		return nil, nil, err
	}
	return scan, task, nil
}

// Execute drives an already-prepared pending task to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, scanID, taskID uint) (*models.SegmentationTask, error) {
	scan, err := o.tasks.GetScan(scanID)
	if err != nil {
		return nil, err
	}
	task, err := o.tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.ScanID != scan.ID {
		return nil, fmt.Errorf("task %d does not belong to scan %d", taskID, scanID)
	}
	return task, o.execute(ctx, scan, task)
}

// Run is one complete segmentation attempt: prepare a fresh task, then
// execute it. Retries go through here so each attempt gets its own task.
func (o *Orchestrator) Run(ctx context.Context, scanID uint) (*models.SegmentationTask, error) {
	scan, task, err := o.prepare(scanID)
	if err != nil {
		return nil, err
	}
	return task, o.execute(ctx, scan, task)
}

func (o *Orchestrator) execute(ctx context.Context, scan *models.Scan, task *models.SegmentationTask) error {
	if err := o.tasks.UpdateScanStatus(scan, models.ScanProcessing); err != nil {
		return o.fail(scan, task, err)
	}
	if err := o.tasks.MarkProcessing(task); err != nil {
		return o.fail(scan, task, err)
	}

	if err := o.segment(ctx, scan, task); err != nil {
		return o.fail(scan, task, err)
	}

	if err := o.tasks.UpdateScanStatus(scan, models.ScanCompleted); err != nil {
		return o.fail(scan, task, err)
	}

	logger.Info("segmentation run completed",
		zap.Uint("scan_id", scan.ID),
		zap.Uint("task_id", task.ID),
		zap.Int64("inference_time_ms", task.InferenceTimeMs))
	return nil
}

// segment performs the inference call and persists its outcome.
func (o *Orchestrator) segment(ctx context.Context, scan *models.Scan, task *models.SegmentationTask) error {
	in := inference.Input{
		ScanID:     scan.ID,
		PatientID:  scan.PatientID,
		SliceCount: scan.SliceCount,
		Modality:   scan.Modality,
	}
	if scan.SourcePath != "" {
		url, err := o.artifacts.PresignedURL(ctx, scan.SourcePath)
		if err != nil {
			return fmt.Errorf("failed to resolve source artifact: %w", err)
		}
		in.SourceURL = url
	}

	out, err := o.model.Run(ctx, in)
	if err != nil {
		return err
	}

	if err := metrics.ValidateReported(out.Metrics); err != nil {
		return err
	}

	maskKey, err := o.artifacts.UploadBytes(ctx, storage.MaskObjectName(scan.ID), out.MaskData, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("failed to store mask artifact: %w", err)
	}

	report := map[string]any{
		"dice":                     out.Metrics.Dice,
		"iou":                      out.Metrics.IoU,
		"volume_ml":                out.Metrics.VolumeML,
		"pixel_accuracy":           out.Metrics.PixelAccuracy,
		"sensitivity":              out.Metrics.Sensitivity,
		"specificity":              out.Metrics.Specificity,
		"quality_grade":            metrics.GradeQuality(out.Metrics.Dice),
		"meets_clinical_standards": metrics.MeetsClinicalStandards(out.Metrics.Dice, out.Metrics.IoU),
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	result := &models.SegmentationResult{
		DiceCoefficient: out.Metrics.Dice,
		IoUScore:        out.Metrics.IoU,
		VolumeML:        out.Metrics.VolumeML,
		Metrics:         string(reportJSON),
		Contours:        string(out.Contours),
		MaskPath:        maskKey,
	}

	return o.tasks.MarkCompleted(task, result, out.InferenceTimeMs)
}

// fail records the terminal failure on the task and the scan, then
// hands the original error back for the scheduler.
func (o *Orchestrator) fail(scan *models.Scan, task *models.SegmentationTask, cause error) error {
	if err := o.tasks.MarkFailed(task, cause.Error()); err != nil {
		logger.Error("failed to record task failure",
			zap.Uint("task_id", task.ID), zap.Error(err))
	}
	if err := o.tasks.UpdateScanStatus(scan, models.ScanFailed); err != nil {
		logger.Error("failed to record scan failure",
			zap.Uint("scan_id", scan.ID), zap.Error(err))
	}

	logger.Warn("segmentation run failed",
		zap.Uint("scan_id", scan.ID),
		zap.Uint("task_id", task.ID),
		zap.Error(cause))
	return cause
}

// internal/handlers/scans.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"liverscan-back/internal/jobs"
	"liverscan-back/internal/logger"
	"liverscan-back/internal/models"
	"liverscan-back/internal/segmentation"
	"liverscan-back/internal/storage"
	"liverscan-back/internal/store"
)

// ObjectStore is the slice of artifact storage the REST layer needs.
// storage.MinIOClient satisfies it.
type ObjectStore interface {
	UploadFromReader(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
	PresignedURL(ctx context.Context, objectName string) (string, error)
	ReadObject(ctx context.Context, objectName string) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, objectName string) error
}

// userScan loads a scan owned by the caller. Foreign scans look like
// missing ones.
func userScan(c *gin.Context, db *gorm.DB, scanID uint) (*models.Scan, bool) {
	userID := c.GetUint("userID")
	var scan models.Scan
	if err := db.Where("id = ? AND user_id = ?", scanID, userID).First(&scan).Error; err != nil {
		respondError(c, http.StatusNotFound, "Scan not found")
		return nil, false
	}
	return &scan, true
}

// CreateScan ingests one study: optional volume upload, scan record,
// and an immediately-submitted segmentation run.
func CreateScan(db *gorm.DB, taskStore *store.TaskStore, objects ObjectStore, orch *segmentation.Orchestrator, runner *jobs.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")

		patientID := c.PostForm("patient_id")
		if patientID == "" {
			respondError(c, http.StatusBadRequest, "patient_id is required")
			return
		}

		scan := models.Scan{
			UserID:    userID,
			PatientID: patientID,
			Modality:  c.DefaultPostForm("modality", "CT"),
			Status:    models.ScanUploaded,
		}
		if v := c.PostForm("slice_count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				respondError(c, http.StatusBadRequest, "slice_count must be a non-negative integer")
				return
			}
			scan.SliceCount = n
		}
		if v := c.PostForm("study_date"); v != "" {
			d, err := time.Parse("2006-01-02", v)
			if err != nil {
				respondError(c, http.StatusBadRequest, "study_date must be YYYY-MM-DD")
				return
			}
			scan.StudyDate = d
		} else {
			scan.StudyDate = time.Now().UTC()
		}

		// validate the upload before anything is persisted
		file, ferr := c.FormFile("file")
		hasFile := ferr == nil
		if hasFile && !allowedVolumeExt(file.Filename) {
			respondError(c, http.StatusBadRequest, "Unsupported file type; expected .nii, .nii.gz, .dcm or .zip")
			return
		}

		if err := db.Create(&scan).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to create scan")
			return
		}

		if hasFile {
			// the object key carries the scan id, so the row exists
			// first; a failed upload rolls the row back
			if err := attachSource(c, db, objects, &scan, file); err != nil {
				if derr := db.Unscoped().Delete(&scan).Error; derr != nil {
					logger.Error("failed to roll back scan after upload error",
						zap.Uint("scan_id", scan.ID), zap.Error(derr))
				}
				respondError(c, http.StatusInternalServerError, "Failed to upload to storage")
				return
			}
		}

		task, ok := submitRun(c, taskStore, orch, runner, scan.ID)
		if !ok {
			return
		}

		respond(c, http.StatusCreated, gin.H{
			"scan":    scan,
			"task_id": task.ID,
			"status":  task.Status,
		})
	}
}

// attachSource streams the uploaded volume to object storage and
// records its key on the scan.
func attachSource(c *gin.Context, db *gorm.DB, objects ObjectStore, scan *models.Scan, file *multipart.FileHeader) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	objectName := storage.SourceObjectName(scan.ID, file.Filename)
	if _, err := objects.UploadFromReader(c.Request.Context(), objectName, src, file.Size, "application/octet-stream"); err != nil {
		return err
	}

	if err := db.Model(scan).Update("source_path", objectName).Error; err != nil {
		return err
	}
	scan.SourcePath = objectName
	return nil
}

func allowedVolumeExt(filename string) bool {
	switch filepath.Ext(filename) {
	case ".nii", ".gz", ".dcm", ".zip":
		return true
	}
	return false
}

// CreateRun starts a new segmentation run for an existing scan.
func CreateRun(db *gorm.DB, taskStore *store.TaskStore, orch *segmentation.Orchestrator, runner *jobs.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		scanID, ok := paramID(c, "id")
		if !ok {
			return
		}
		if _, ok := userScan(c, db, scanID); !ok {
			return
		}

		task, ok := submitRun(c, taskStore, orch, runner, scanID)
		if !ok {
			return
		}

		respond(c, http.StatusAccepted, gin.H{
			"scan_id": scanID,
			"task_id": task.ID,
			"status":  task.Status,
		})
	}
}

// submitRun prepares a task synchronously (so rejections surface to the
// caller) and hands it to the worker pool.
func submitRun(c *gin.Context, taskStore *store.TaskStore, orch *segmentation.Orchestrator, runner *jobs.Runner, scanID uint) (*models.SegmentationTask, bool) {
	task, err := orch.Prepare(scanID)
	if err != nil {
		respondDomainError(c, err)
		return nil, false
	}

	if err := runner.Submit(scanID, task.ID); err != nil {
		if ferr := taskStore.MarkFailed(task, "could not schedule run: "+err.Error()); ferr != nil {
			logger.Error("failed to mark unscheduled task", zap.Uint("task_id", task.ID), zap.Error(ferr))
		}
		respondError(c, http.StatusServiceUnavailable, "Segmentation queue is full, try again later")
		return nil, false
	}
	return task, true
}

// DeleteScan removes a scan, its runs and their stored artifacts. A
// scan with a run still in flight cannot be deleted.
func DeleteScan(db *gorm.DB, taskStore *store.TaskStore, objects ObjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		scanID, ok := paramID(c, "id")
		if !ok {
			return
		}
		scan, ok := userScan(c, db, scanID)
		if !ok {
			return
		}

		if _, err := taskStore.ActiveTask(scanID); err == nil {
			respondError(c, http.StatusConflict, "A segmentation run is in progress; wait for it to finish")
			return
		}

		// collect artifact keys before the rows go away
		artifacts := make([]string, 0, 4)
		if scan.SourcePath != "" {
			artifacts = append(artifacts, scan.SourcePath)
		}
		var maskPaths []string
		if err := db.Model(&models.SegmentationResult{}).
			Joins("JOIN segmentation_tasks ON segmentation_tasks.id = segmentation_results.task_id").
			Where("segmentation_tasks.scan_id = ?", scanID).
			Pluck("segmentation_results.mask_path", &maskPaths).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to delete scan")
			return
		}
		for _, p := range maskPaths {
			if p != "" {
				artifacts = append(artifacts, p)
			}
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			taskIDs := tx.Model(&models.SegmentationTask{}).Select("id").Where("scan_id = ?", scanID)
			if err := tx.Where("task_id IN (?)", taskIDs).Delete(&models.SegmentationResult{}).Error; err != nil {
				return err
			}
			if err := tx.Where("scan_id = ?", scanID).Delete(&models.SegmentationTask{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Scan{}, scanID).Error
		})
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to delete scan")
			return
		}

		// storage cleanup is best effort once the rows are gone
		for _, name := range artifacts {
			if err := objects.DeleteFile(c.Request.Context(), name); err != nil {
				logger.Warn("failed to delete artifact",
					zap.Uint("scan_id", scanID), zap.String("object", name), zap.Error(err))
			}
		}

		respond(c, http.StatusOK, gin.H{"deleted": scanID})
	}
}

// ListScans returns the caller's scans, newest first.
func ListScans(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")

		var scans []models.Scan
		if err := db.Where("user_id = ?", userID).Order("created_at DESC").Limit(100).Find(&scans).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to fetch scans")
			return
		}
		respond(c, http.StatusOK, scans)
	}
}

// GetScan returns a scan with its runs.
func GetScan(db *gorm.DB, taskStore *store.TaskStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		scanID, ok := paramID(c, "id")
		if !ok {
			return
		}
		if _, ok := userScan(c, db, scanID); !ok {
			return
		}

		scan, err := taskStore.GetScan(scanID)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		respond(c, http.StatusOK, scan)
	}
}

// ListTasks returns the scan's runs, newest first.
func ListTasks(db *gorm.DB, taskStore *store.TaskStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		scanID, ok := paramID(c, "id")
		if !ok {
			return
		}
		if _, ok := userScan(c, db, scanID); !ok {
			return
		}

		tasks, err := taskStore.TasksForScan(scanID)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		respond(c, http.StatusOK, tasks)
	}
}

// userTask loads a task whose scan the caller owns.
func userTask(c *gin.Context, db *gorm.DB, taskStore *store.TaskStore) (*models.SegmentationTask, bool) {
	taskID, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}

	task, err := taskStore.GetTask(taskID)
	if err != nil {
		respondError(c, http.StatusNotFound, "Task not found")
		return nil, false
	}
	if _, ok := userScan(c, db, task.ScanID); !ok {
		return nil, false
	}
	return task, true
}

// GetTask returns run detail: status, timestamps, timing, error.
func GetTask(db *gorm.DB, taskStore *store.TaskStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := userTask(c, db, taskStore)
		if !ok {
			return
		}
		respond(c, http.StatusOK, task)
	}
}

// GetTaskResult returns the quality metrics of a completed run. A run
// that has not completed yet is unprocessable, not missing.
func GetTaskResult(db *gorm.DB, taskStore *store.TaskStore, objects ObjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := userTask(c, db, taskStore)
		if !ok {
			return
		}

		if task.Status != models.TaskCompleted || task.Result == nil {
			respondError(c, http.StatusUnprocessableEntity, fmt.Sprintf("Task is %s, no result available", task.Status))
			return
		}

		res := task.Result
		payload := gin.H{
			"task_id":           task.ID,
			"dice_coefficient":  res.DiceCoefficient,
			"iou_score":         res.IoUScore,
			"volume_ml":         res.VolumeML,
			"metrics":           json.RawMessage(orEmptyJSON(res.Metrics)),
			"contours":          json.RawMessage(orEmptyJSON(res.Contours)),
			"inference_time_ms": task.InferenceTimeMs,
		}

		if res.MaskPath != "" {
			url, err := objects.PresignedURL(c.Request.Context(), res.MaskPath)
			if err != nil {
				logger.Error("failed to presign mask", zap.String("mask", res.MaskPath), zap.Error(err))
			} else {
				payload["mask_url"] = url
			}
		}

		respond(c, http.StatusOK, payload)
	}
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// DownloadMask streams the mask artifact of a completed run.
func DownloadMask(db *gorm.DB, taskStore *store.TaskStore, objects ObjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := userTask(c, db, taskStore)
		if !ok {
			return
		}

		if task.Status != models.TaskCompleted || task.Result == nil || task.Result.MaskPath == "" {
			respondError(c, http.StatusUnprocessableEntity, "No mask available for this task")
			return
		}

		obj, err := objects.ReadObject(c.Request.Context(), task.Result.MaskPath)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Failed to get mask")
			return
		}
		defer obj.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=mask_%d.nii", task.ID))
		c.DataFromReader(http.StatusOK, -1, "application/octet-stream", obj, nil)
	}
}

// internal/handlers/handlers_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"liverscan-back/internal/auth"
	"liverscan-back/internal/broadcast"
	"liverscan-back/internal/database"
	"liverscan-back/internal/inference"
	"liverscan-back/internal/jobs"
	"liverscan-back/internal/metrics"
	"liverscan-back/internal/middleware"
	"liverscan-back/internal/models"
	"liverscan-back/internal/segmentation"
	"liverscan-back/internal/store"
)

type fakeObjects struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	uploadErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: make(map[string][]byte)}
}

func (f *fakeObjects) UploadFromReader(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[objectName] = data
	return objectName, nil
}

func (f *fakeObjects) DeleteFile(_ context.Context, objectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, objectName)
	return nil
}

func (f *fakeObjects) UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	return f.UploadFromReader(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType)
}

func (f *fakeObjects) PresignedURL(_ context.Context, objectName string) (string, error) {
	return "https://minio.local/" + objectName, nil
}

func (f *fakeObjects) ReadObject(_ context.Context, objectName string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeModel struct {
	err error
}

func (f *fakeModel) Run(context.Context, inference.Input) (*inference.Output, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Output{
		MaskData: []byte("mask-bytes"),
		Contours: json.RawMessage(`{"slice_60":[[10,20]]}`),
		Metrics: metrics.ResultMetrics{
			Dice: 0.93, IoU: 0.88, VolumeML: 1432.5,
			PixelAccuracy: 0.99, Sensitivity: 0.95, Specificity: 0.97,
		},
		InferenceTimeMs: 42,
	}, nil
}

type env struct {
	router  *gin.Engine
	db      *gorm.DB
	tasks   *store.TaskStore
	hub     *broadcast.Hub
	objects *fakeObjects
	model   *fakeModel
	token   string
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth.Init("test-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.MigrateDB(db))

	hub := broadcast.NewHub()
	tasks := store.New(db, hub)
	objects := newFakeObjects()
	model := &fakeModel{}
	orch := segmentation.New(tasks, objects, model)

	runner := jobs.NewRunner(orch, hub, 1, 8, 0)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	r := gin.New()
	r.Use(middleware.CORSMiddleware())
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware())
	{
		api.POST("/scans", CreateScan(db, tasks, objects, orch, runner))
		api.GET("/scans", ListScans(db))
		api.GET("/scans/:id", GetScan(db, tasks))
		api.DELETE("/scans/:id", DeleteScan(db, tasks, objects))
		api.POST("/scans/:id/tasks", CreateRun(db, tasks, orch, runner))
		api.GET("/scans/:id/tasks", ListTasks(db, tasks))
		api.GET("/tasks/:id", GetTask(db, tasks))
		api.GET("/tasks/:id/result", GetTaskResult(db, tasks, objects))
		api.GET("/tasks/:id/mask", DownloadMask(db, tasks, objects))
	}

	token, err := auth.GenerateToken(1)
	require.NoError(t, err)

	return &env{router: r, db: db, tasks: tasks, hub: hub, objects: objects, model: model, token: token}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func (e *env) seedScan(t *testing.T, status models.ScanStatus) *models.Scan {
	t.Helper()
	scan := &models.Scan{
		UserID:     1,
		PatientID:  "PAT-0042",
		StudyDate:  time.Now().UTC(),
		Modality:   "CT",
		SliceCount: 120,
		Status:     status,
	}
	require.NoError(t, e.db.Create(scan).Error)
	return scan
}

func (e *env) waitTerminal(t *testing.T, taskID uint) *models.SegmentationTask {
	t.Helper()
	var task *models.SegmentationTask
	require.Eventually(t, func() bool {
		var err error
		task, err = e.tasks.GetTask(taskID)
		return err == nil && task.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "task never reached a terminal state")
	return task
}

func multipartBody(t *testing.T, fields map[string]string, filename string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(fileData)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestUploadScanRunsToCompletion(t *testing.T) {
	e := setup(t)

	body, ct := multipartBody(t, map[string]string{
		"patient_id":  "PAT-0042",
		"modality":    "CT",
		"slice_count": "120",
		"study_date":  "2025-03-14",
	}, "volume.nii", []byte("voxels"))

	w := e.do(t, http.MethodPost, "/api/scans", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeEnvelope(t, w)
	require.True(t, resp.Success)

	var data struct {
		TaskID uint `json:"task_id"`
		Scan   struct {
			ID uint `json:"id"`
		} `json:"scan"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotZero(t, data.TaskID)

	task := e.waitTerminal(t, data.TaskID)
	assert.Equal(t, models.TaskCompleted, task.Status)

	// result endpoint exposes the metrics
	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/result", data.TaskID), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeEnvelope(t, w)
	require.True(t, resp.Success)

	var result struct {
		Dice     float64         `json:"dice_coefficient"`
		IoU      float64         `json:"iou_score"`
		VolumeML float64         `json:"volume_ml"`
		Metrics  json.RawMessage `json:"metrics"`
		MaskURL  string          `json:"mask_url"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.GreaterOrEqual(t, result.Dice, 0.0)
	assert.LessOrEqual(t, result.Dice, 1.0)
	assert.InDelta(t, 1432.5, result.VolumeML, 1e-9)
	assert.NotEmpty(t, result.MaskURL)

	var report map[string]any
	require.NoError(t, json.Unmarshal(result.Metrics, &report))
	assert.Equal(t, "Excellent", report["quality_grade"])
	assert.Equal(t, false, report["meets_clinical_standards"])

	// mask artifact downloads
	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/mask", data.TaskID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mask-bytes", w.Body.String())
}

func TestCreateScanRequiresPatientID(t *testing.T) {
	e := setup(t)

	body, ct := multipartBody(t, map[string]string{"modality": "CT"}, "", nil)
	w := e.do(t, http.MethodPost, "/api/scans", body, ct)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "patient_id")
}

func TestRunOnCompletedScanRejected(t *testing.T) {
	e := setup(t)
	scan := e.seedScan(t, models.ScanCompleted)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/tasks", scan.ID), nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)

	var count int64
	require.NoError(t, e.db.Model(&models.SegmentationTask{}).Where("scan_id = ?", scan.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSecondRunWhileFirstPendingRejected(t *testing.T) {
	e := setup(t)
	scan := e.seedScan(t, models.ScanUploaded)
	_, err := e.tasks.Create(scan)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/tasks", scan.ID), nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInferenceFailureSurfacesOnTaskAndChannel(t *testing.T) {
	e := setup(t)
	e.model.err = fmt.Errorf("%w: gpu out of memory", inference.ErrInferenceFailed)

	scan := e.seedScan(t, models.ScanUploaded)
	sub := e.hub.Subscribe(scan.ID)
	defer e.hub.Unsubscribe(sub)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/tasks", scan.ID), nil, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decodeEnvelope(t, w)
	var data struct {
		TaskID uint `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))

	task := e.waitTerminal(t, data.TaskID)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "gpu out of memory")

	// the failed event arrives on the scan's topic with the message
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Status == string(models.TaskFailed) {
				assert.Contains(t, ev.Message, "gpu out of memory")
				return
			}
		case <-deadline:
			t.Fatal("no failed event observed")
		}
	}
}

func TestResultForPendingTaskIsUnprocessable(t *testing.T) {
	e := setup(t)
	scan := e.seedScan(t, models.ScanUploaded)
	task, err := e.tasks.Create(scan)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/result", task.ID), nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "pending")
}

func TestTaskNotFound(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodGet, "/api/tasks/9999", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForeignScanLooksMissing(t *testing.T) {
	e := setup(t)
	scan := &models.Scan{UserID: 2, PatientID: "PAT-0099", Status: models.ScanUploaded}
	require.NoError(t, e.db.Create(scan).Error)

	w := e.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d", scan.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	e := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadRejectsUnsupportedFileType(t *testing.T) {
	e := setup(t)

	body, ct := multipartBody(t, map[string]string{"patient_id": "PAT-0042"}, "report.pdf", []byte("%PDF"))
	w := e.do(t, http.MethodPost, "/api/scans", body, ct)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeEnvelope(t, w)
	assert.True(t, strings.Contains(resp.Error, "Unsupported"))

	// a rejected upload must not leave a scan behind
	var count int64
	require.NoError(t, e.db.Model(&models.Scan{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestFailedStorageUploadRollsBackScan(t *testing.T) {
	e := setup(t)
	e.objects.uploadErr = fmt.Errorf("bucket unavailable")

	body, ct := multipartBody(t, map[string]string{"patient_id": "PAT-0042"}, "volume.nii", []byte("voxels"))
	w := e.do(t, http.MethodPost, "/api/scans", body, ct)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var count int64
	require.NoError(t, e.db.Model(&models.Scan{}).Count(&count).Error)
	assert.Zero(t, count, "the scan row is rolled back when its artifact never landed")
}

func TestDeleteScanRemovesRowsAndArtifacts(t *testing.T) {
	e := setup(t)

	body, ct := multipartBody(t, map[string]string{"patient_id": "PAT-0042"}, "volume.nii", []byte("voxels"))
	w := e.do(t, http.MethodPost, "/api/scans", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeEnvelope(t, w)
	var data struct {
		TaskID uint `json:"task_id"`
		Scan   struct {
			ID uint `json:"id"`
		} `json:"scan"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	e.waitTerminal(t, data.TaskID)

	e.objects.mu.Lock()
	require.Len(t, e.objects.uploads, 2, "source volume and mask")
	e.objects.mu.Unlock()

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/api/scans/%d", data.Scan.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d", data.Scan.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	e.objects.mu.Lock()
	assert.Empty(t, e.objects.uploads, "artifacts are removed with the scan")
	e.objects.mu.Unlock()
}

func TestDeleteScanRejectedWhileRunActive(t *testing.T) {
	e := setup(t)
	scan := e.seedScan(t, models.ScanUploaded)
	_, err := e.tasks.Create(scan)
	require.NoError(t, err)

	w := e.do(t, http.MethodDelete, fmt.Sprintf("/api/scans/%d", scan.ID), nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d", scan.ID), nil, "")
	assert.Equal(t, http.StatusOK, w.Code, "the scan survives a rejected delete")
}

func TestListScansAndTasks(t *testing.T) {
	e := setup(t)
	scan := e.seedScan(t, models.ScanUploaded)
	task, err := e.tasks.Create(scan)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/scans", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	var scans []models.Scan
	require.NoError(t, json.Unmarshal(resp.Data, &scans))
	require.Len(t, scans, 1)
	assert.Equal(t, scan.ID, scans[0].ID)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d/tasks", scan.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeEnvelope(t, w)
	var tasks []models.SegmentationTask
	require.NoError(t, json.Unmarshal(resp.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
}

// internal/models/models.go
package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Password  string         `gorm:"not null" json:"-"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Scans []Scan `gorm:"foreignKey:UserID" json:"scans,omitempty"`
}

// Scan is one imaging study. Status is written by upload intake
// (uploaded) and by the orchestrator afterwards.
type Scan struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	UserID     uint           `gorm:"not null;index" json:"user_id"`
	PatientID  string         `gorm:"not null" json:"patient_id"`
	StudyDate  time.Time      `json:"study_date"`
	Modality   string         `gorm:"default:'CT'" json:"modality"`
	SliceCount int            `json:"slice_count"`
	SourcePath string         `json:"source_path,omitempty"`
	Status     ScanStatus     `gorm:"type:varchar(16);default:'uploaded'" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`

	Tasks []SegmentationTask `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// SegmentationTask is one segmentation attempt against a Scan. The
// partial unique index keeps at most one non-terminal task per scan, so
// concurrent run submissions cannot race past the precondition check.
type SegmentationTask struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	ScanID          uint           `gorm:"not null;index;index:idx_tasks_scan_active,unique,where:(status = 'pending' OR status = 'processing') AND deleted_at IS NULL" json:"scan_id"`
	Status          TaskStatus     `gorm:"type:varchar(16);default:'pending'" json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	InferenceTimeMs int64          `json:"inference_time_ms,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`

	Result *SegmentationResult `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"result,omitempty"`
}

// Duration returns completed_at - started_at in milliseconds, and false
// until both timestamps are set.
func (t *SegmentationTask) Duration() (int64, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt).Milliseconds(), true
}

// SegmentationResult is the outcome of one completed task. Written once,
// never mutated afterwards.
type SegmentationResult struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	TaskID          uint      `gorm:"not null;uniqueIndex" json:"task_id"`
	DiceCoefficient float64   `json:"dice_coefficient"`
	IoUScore        float64   `json:"iou_score"`
	VolumeML        float64   `json:"volume_ml"`
	Metrics         string    `gorm:"type:jsonb" json:"metrics,omitempty"`
	Contours        string    `gorm:"type:jsonb" json:"contours,omitempty"`
	MaskPath        string    `json:"mask_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

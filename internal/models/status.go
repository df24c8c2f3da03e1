// internal/models/status.go
package models

// ScanStatus is the lifecycle state of a Scan.
type ScanStatus string

const (
	ScanUploaded   ScanStatus = "uploaded"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// TaskStatus is the lifecycle state of a SegmentationTask. Transitions
// are one-directional: pending -> processing -> {completed|failed}.
// A task never leaves a terminal state; a new run means a new task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskProcessing || next == TaskFailed
	case TaskProcessing:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// internal/metrics/metrics.go

// Package metrics computes segmentation quality numbers from voxel
// counts: overlap ratios (Dice, IoU), confusion-matrix rates, and the
// segmented volume. All functions are pure.
package metrics

import (
	"errors"
	"fmt"
)

// ErrInvalidMaskGeometry is returned when the supplied counts cannot
// describe two masks over the same volume.
var ErrInvalidMaskGeometry = errors.New("invalid mask geometry")

// MaskStats reduces a ground-truth / prediction mask pair to counts.
// TotalVoxels is the size of the shared volume both masks live in.
type MaskStats struct {
	TruthVoxels     int64
	PredictedVoxels int64
	Intersection    int64
	TotalVoxels     int64
}

// Spacing is the voxel spacing in mm along (z, y, x).
type Spacing [3]float64

// DefaultSpacing is 1x1x1 mm.
var DefaultSpacing = Spacing{1, 1, 1}

// Report carries every quality number for one mask pair.
type Report struct {
	Dice          float64 `json:"dice"`
	IoU           float64 `json:"iou"`
	PixelAccuracy float64 `json:"pixel_accuracy"`
	Sensitivity   float64 `json:"sensitivity"`
	Specificity   float64 `json:"specificity"`

	VoxelCount int64   `json:"voxel_count"`
	VolumeMM3  float64 `json:"volume_mm3"`
	VolumeML   float64 `json:"volume_ml"`

	QualityGrade           string `json:"quality_grade"`
	MeetsClinicalStandards bool   `json:"meets_clinical_standards"`
}

// Validate rejects counts that cannot come from two masks over one volume.
func Validate(s MaskStats) error {
	if s.TruthVoxels < 0 || s.PredictedVoxels < 0 || s.Intersection < 0 || s.TotalVoxels < 0 {
		return fmt.Errorf("%w: negative count", ErrInvalidMaskGeometry)
	}
	if s.Intersection > s.TruthVoxels || s.Intersection > s.PredictedVoxels {
		return fmt.Errorf("%w: intersection exceeds a mask", ErrInvalidMaskGeometry)
	}
	if s.TotalVoxels < s.TruthVoxels || s.TotalVoxels < s.PredictedVoxels {
		return fmt.Errorf("%w: total smaller than a mask", ErrInvalidMaskGeometry)
	}
	if s.TotalVoxels < s.TruthVoxels+s.PredictedVoxels-s.Intersection {
		return fmt.Errorf("%w: total smaller than mask union", ErrInvalidMaskGeometry)
	}
	return nil
}

// Dice = 2*|A∩B| / (|A| + |B|), 0 when both masks are empty.
func Dice(s MaskStats) float64 {
	denom := s.TruthVoxels + s.PredictedVoxels
	if denom == 0 {
		return 0
	}
	return 2 * float64(s.Intersection) / float64(denom)
}

// IoU = |A∩B| / |A∪B|, 0 when the union is empty.
func IoU(s MaskStats) float64 {
	union := s.TruthVoxels + s.PredictedVoxels - s.Intersection
	if union == 0 {
		return 0
	}
	return float64(s.Intersection) / float64(union)
}

// PixelAccuracy = (TP + TN) / total, 0 when the volume is empty.
func PixelAccuracy(s MaskStats) float64 {
	if s.TotalVoxels == 0 {
		return 0
	}
	tn := s.TotalVoxels - s.TruthVoxels - s.PredictedVoxels + s.Intersection
	return float64(s.Intersection+tn) / float64(s.TotalVoxels)
}

// Sensitivity = TP / (TP + FN), 0 when the truth mask is empty.
func Sensitivity(s MaskStats) float64 {
	if s.TruthVoxels == 0 {
		return 0
	}
	return float64(s.Intersection) / float64(s.TruthVoxels)
}

// Specificity = TN / (TN + FP), 0 when there is no background.
func Specificity(s MaskStats) float64 {
	tn := s.TotalVoxels - s.TruthVoxels - s.PredictedVoxels + s.Intersection
	fp := s.PredictedVoxels - s.Intersection
	if tn+fp == 0 {
		return 0
	}
	return float64(tn) / float64(tn+fp)
}

// VolumeML converts a voxel count to milliliters given the spacing in mm.
func VolumeML(voxelCount int64, spacing Spacing) float64 {
	return VolumeMM3(voxelCount, spacing) / 1000.0
}

// VolumeMM3 converts a voxel count to cubic millimeters.
func VolumeMM3(voxelCount int64, spacing Spacing) float64 {
	voxelVolume := spacing[0] * spacing[1] * spacing[2]
	return float64(voxelCount) * voxelVolume
}

// GradeQuality classifies a dice score. Boundaries are closed:
// 0.90 grades Excellent, 0.80 Good, 0.70 Fair.
func GradeQuality(dice float64) string {
	switch {
	case dice >= 0.90:
		return "Excellent"
	case dice >= 0.80:
		return "Good"
	case dice >= 0.70:
		return "Fair"
	default:
		return "Poor"
	}
}

// MeetsClinicalStandards requires both overlap scores at or above 0.90.
func MeetsClinicalStandards(dice, iou float64) bool {
	return dice >= 0.90 && iou >= 0.90
}

// Compute validates the counts, then fills a full Report. The volume is
// taken from the prediction mask. An empty volume yields grade "N/A".
func Compute(s MaskStats, spacing Spacing) (*Report, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}

	r := &Report{
		Dice:          Dice(s),
		IoU:           IoU(s),
		PixelAccuracy: PixelAccuracy(s),
		Sensitivity:   Sensitivity(s),
		Specificity:   Specificity(s),
		VoxelCount:    s.PredictedVoxels,
		VolumeMM3:     VolumeMM3(s.PredictedVoxels, spacing),
		VolumeML:      VolumeML(s.PredictedVoxels, spacing),
	}

	if s.TruthVoxels+s.PredictedVoxels == 0 {
		r.QualityGrade = "N/A"
	} else {
		r.QualityGrade = GradeQuality(r.Dice)
	}
	r.MeetsClinicalStandards = MeetsClinicalStandards(r.Dice, r.IoU)

	return r, nil
}

// ResultMetrics is the metrics map an inference run reports back.
type ResultMetrics struct {
	Dice          float64 `json:"dice"`
	IoU           float64 `json:"iou"`
	VolumeML      float64 `json:"volume_ml"`
	PixelAccuracy float64 `json:"pixel_accuracy"`
	Sensitivity   float64 `json:"sensitivity"`
	Specificity   float64 `json:"specificity"`
}

// ValidateReported bounds-checks metrics coming back from the inference
// service before they are persisted.
func ValidateReported(m ResultMetrics) error {
	for name, v := range map[string]float64{
		"dice":           m.Dice,
		"iou":            m.IoU,
		"pixel_accuracy": m.PixelAccuracy,
		"sensitivity":    m.Sensitivity,
		"specificity":    m.Specificity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.6f out of [0,1]", ErrInvalidMaskGeometry, name, v)
		}
	}
	if m.VolumeML <= 0 {
		return fmt.Errorf("%w: volume_ml %.2f must be positive", ErrInvalidMaskGeometry, m.VolumeML)
	}
	return nil
}

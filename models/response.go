package models

import "fmt"

// UltralyticsDetection mirrors the per-box fields of an ultralytics Results object.
type UltralyticsDetection struct {
	XYXY  [4]float32 `json:"xyxy"`
	Conf  float32    `json:"conf"`
	Class int        `json:"class"`
}

type LabeledDetection struct {
	BBox       [4]float32 `json:"bbox"`
	Confidence float32    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
}

// DetectResponse is the body of POST /detect. Detections is never nil so the
// key always serializes as a list.
type DetectResponse struct {
	Detections []UltralyticsDetection `json:"detections"`
}

type PredictResponse struct {
	Detections []LabeledDetection `json:"detections"`
}

func NewDetectResponse(dets []Detection) DetectResponse {
	out := make([]UltralyticsDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, UltralyticsDetection{XYXY: d.BBox, Conf: d.Confidence, Class: d.ClassID})
	}
	return DetectResponse{Detections: out}
}

func NewPredictResponse(dets []Detection, labels []string) PredictResponse {
	out := make([]LabeledDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, LabeledDetection{
			BBox:       d.BBox,
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			Label:      LabelFor(labels, d.ClassID),
		})
	}
	return PredictResponse{Detections: out}
}

// LabelFor returns the configured class name, or class_<id> when none is known.
func LabelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) && labels[classID] != "" {
		return labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

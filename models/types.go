package models

import "time"

// Detection is one box in normalized-image pixel coordinates (x1, y1, x2, y2).
type Detection struct {
	BBox       [4]float32
	Confidence float32
	ClassID    int
}

type ProcessingTimings struct {
	RequestID         string
	ImageDecode       time.Duration
	Sharpen           time.Duration
	BackgroundRemoval time.Duration
	Resize            time.Duration
	Preprocess        time.Duration
	Inference         time.Duration
	Total             time.Duration
}

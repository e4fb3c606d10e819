package detections

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

// Layout is the arrangement of a YOLO detection head output.
type Layout int

const (
	// LayoutChannelsFirst is [1, 4+classes, anchors] (YOLOv8 and later).
	LayoutChannelsFirst Layout = iota
	// LayoutAnchorsFirst is [1, anchors, 5+classes] with objectness (YOLOv5).
	LayoutAnchorsFirst
)

func (l Layout) String() string {
	if l == LayoutAnchorsFirst {
		return "anchors-first"
	}
	return "channels-first"
}

// Decoder turns a raw output tensor into thresholded, suppressed detections
// in input-image pixel coordinates.
type Decoder struct {
	layout        Layout
	numClasses    int
	numAnchors    int
	size          float32
	confThreshold float32
	iouThreshold  float32
	maxDetections int
}

func NewDecoder(outputShape []int64, size int, confThreshold, iouThreshold float32) (*Decoder, error) {
	if len(outputShape) != 3 || outputShape[0] != 1 {
		return nil, fmt.Errorf("unsupported output shape %v", outputShape)
	}

	d := &Decoder{
		size:          float32(size),
		confThreshold: confThreshold,
		iouThreshold:  iouThreshold,
		maxDetections: MaxDetections,
	}

	a, b := int(outputShape[1]), int(outputShape[2])
	if a <= b {
		d.layout = LayoutChannelsFirst
		d.numClasses, d.numAnchors = a-4, b
	} else {
		d.layout = LayoutAnchorsFirst
		d.numClasses, d.numAnchors = b-5, a
	}
	if d.numClasses < 1 {
		return nil, fmt.Errorf("output shape %v leaves no class scores", outputShape)
	}
	return d, nil
}

func (d *Decoder) Layout() Layout  { return d.layout }
func (d *Decoder) NumClasses() int { return d.numClasses }

func (d *Decoder) expectedLen() int {
	if d.layout == LayoutAnchorsFirst {
		return d.numAnchors * (d.numClasses + 5)
	}
	return d.numAnchors * (d.numClasses + 4)
}

func (d *Decoder) Decode(predictions []float32) ([]models.Detection, error) {
	if len(predictions) != d.expectedLen() {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), d.expectedLen())
	}

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]candidate, 0, 16)
			for start := range jobs {
				end := min(start+chunkSize, d.numAnchors)
				for i := start; i < end; i++ {
					if c, ok := d.anchor(predictions, i); ok {
						local = append(local, c)
					}
				}
			}
			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < d.numAnchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var candidates []candidate
	for chunk := range results {
		candidates = append(candidates, chunk...)
	}

	// worker order is not stable; anchor index breaks ties
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].det.Confidence != candidates[j].det.Confidence {
			return candidates[i].det.Confidence > candidates[j].det.Confidence
		}
		return candidates[i].anchor < candidates[j].anchor
	})

	return nonMaxSuppression(candidates, d.iouThreshold, d.maxDetections), nil
}

func (d *Decoder) anchor(p []float32, i int) (candidate, bool) {
	var cx, cy, w, h, score float32
	classID := -1

	switch d.layout {
	case LayoutChannelsFirst:
		n := d.numAnchors
		for c := 0; c < d.numClasses; c++ {
			if s := p[(4+c)*n+i]; s > score {
				score, classID = s, c
			}
		}
		if score <= d.confThreshold {
			return candidate{}, false
		}
		cx, cy, w, h = p[i], p[n+i], p[2*n+i], p[3*n+i]

	case LayoutAnchorsFirst:
		row := p[i*(d.numClasses+5) : (i+1)*(d.numClasses+5)]
		obj := row[4]
		if obj <= d.confThreshold {
			return candidate{}, false
		}
		for c := 0; c < d.numClasses; c++ {
			if s := row[5+c] * obj; s > score {
				score, classID = s, c
			}
		}
		if score <= d.confThreshold {
			return candidate{}, false
		}
		cx, cy, w, h = row[0], row[1], row[2], row[3]
	}

	return candidate{
		det: models.Detection{
			BBox:       d.calculateBBox(cx, cy, w, h),
			Confidence: score,
			ClassID:    classID,
		},
		anchor: i,
	}, true
}

// calculateBBox converts center/size to corners clipped to the input square.
func (d *Decoder) calculateBBox(cx, cy, w, h float32) [4]float32 {
	return [4]float32{
		clamp(cx-w/2, 0, d.size),
		clamp(cy-h/2, 0, d.size),
		clamp(cx+w/2, 0, d.size),
		clamp(cy+h/2, 0, d.size),
	}
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}

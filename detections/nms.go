package detections

import "github.com/Phichayapa48/banana-ai-farm/models"

type candidate struct {
	det    models.Detection
	anchor int
}

// nonMaxSuppression keeps a box unless a higher scored box of the same class
// overlaps it by more than iouThreshold. Input must be sorted by confidence.
func nonMaxSuppression(candidates []candidate, iouThreshold float32, maxDetections int) []models.Detection {
	kept := make([]models.Detection, 0, min(len(candidates), maxDetections))
	suppressed := make([]bool, len(candidates))

	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i].det)
		if len(kept) == maxDetections {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].det.ClassID != candidates[i].det.ClassID {
				continue
			}
			if calculateIOU(candidates[i].det.BBox, candidates[j].det.BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

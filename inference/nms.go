package inference

import "sort"

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within the same class.
}

// ApplyNMS performs greedy Non-Maximum Suppression.
//
// Boxes are visited by descending confidence (stable for equal confidences) and each kept box
// suppresses the later boxes overlapping it by more than the threshold.
//
// Arguments:
//   - boxes: Candidate boxes in any order.
//   - config: NMS configuration.
//
// Returns:
//   - The kept boxes, highest confidence first. nil if no boxes are given.
func ApplyNMS(boxes []BoundingBox, config NMSConfig) []BoundingBox {
	n := len(boxes)
	if n == 0 {
		return nil
	}

	sorted := make([]BoundingBox, n)
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]BoundingBox, 0, n)
	used := make([]bool, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		kept = append(kept, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && sorted[j].ClassID != anchor.ClassID {
				continue
			}
			if anchor.IoU(&sorted[j]) > config.IoUThreshold {
				used[j] = true
			}
		}
	}
	return kept
}

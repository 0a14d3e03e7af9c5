package inference

import "github.com/pkg/errors"

// DecodeConfig controls how raw detection head outputs become candidate boxes.
type DecodeConfig struct {
	// Confidence is the minimum final score of a candidate.
	Confidence float32
	// Classes names the class indices.
	Classes []string
}

// DecodeRows decodes darknet YOLO region rows: cx, cy, w, h, objectness, then one score per class,
// with coordinates normalized to the input plane. Boxes are returned in input-plane pixels.
//
// Arguments:
//   - rows: Row-major output of one YOLO layer.
//   - cols: The row width (5 + number of classes).
//   - inputW, inputH: The network input size.
//   - config: Thresholds and class names.
//
// Returns:
//   - []BoundingBox: Candidates above the confidence threshold, in row order.
//   - error: An error if the buffer is not a whole number of rows.
func DecodeRows(rows []float32, cols, inputW, inputH int, config DecodeConfig) ([]BoundingBox, error) {
	if cols <= 5 || len(rows)%cols != 0 {
		return nil, errors.Errorf("cannot split %d values into rows of %d", len(rows), cols)
	}

	var boxes []BoundingBox
	for offset := 0; offset < len(rows); offset += cols {
		row := rows[offset : offset+cols]
		objectness := row[4]
		if objectness < config.Confidence {
			continue
		}

		classID, best := 0, float32(0)
		for j, s := range row[5:] {
			if s > best {
				best, classID = s, j
			}
		}

		// OpenCV's region layer already multiplies class scores by objectness.
		if best < config.Confidence {
			continue
		}

		cx, cy := row[0]*float32(inputW), row[1]*float32(inputH)
		w, h := row[2]*float32(inputW), row[3]*float32(inputH)
		boxes = append(boxes, BoundingBox{
			Label:      ClassName(config.Classes, classID),
			ClassID:    classID,
			Confidence: best,
			X1:         cx - w/2,
			Y1:         cy - h/2,
			X2:         cx + w/2,
			Y2:         cy + h/2,
		})
	}
	return boxes, nil
}

// DecodeTransposed decodes an anchor-free head laid out as (4+classes) × candidates, with box
// centres and sizes already in input-plane pixels.
//
// Arguments:
//   - output: The head output without the batch dimension.
//   - classes: The number of classes.
//   - config: Thresholds and class names.
//
// Returns:
//   - []BoundingBox: Candidates above the confidence threshold, in candidate order.
//   - error: An error if the buffer does not match the layout.
func DecodeTransposed(output []float32, classes int, config DecodeConfig) ([]BoundingBox, error) {
	rows := 4 + classes
	if classes <= 0 || len(output)%rows != 0 {
		return nil, errors.Errorf("cannot split %d values into %d rows", len(output), rows)
	}
	n := len(output) / rows

	var boxes []BoundingBox
	for idx := 0; idx < n; idx++ {
		classID, best := 0, float32(-1)
		for c := 0; c < classes; c++ {
			if s := output[n*(c+4)+idx]; s > best {
				best, classID = s, c
			}
		}
		if best < config.Confidence {
			continue
		}

		xc, yc := output[idx], output[n+idx]
		w, h := output[2*n+idx], output[3*n+idx]
		boxes = append(boxes, BoundingBox{
			Label:      ClassName(config.Classes, classID),
			ClassID:    classID,
			Confidence: best,
			X1:         xc - w/2,
			Y1:         yc - h/2,
			X2:         xc + w/2,
			Y2:         yc + h/2,
		})
	}
	return boxes, nil
}

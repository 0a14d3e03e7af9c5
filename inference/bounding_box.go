package inference

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-featrec/features"
)

// BoundingBox is a decoded candidate box on the network input plane, before suppression.
type BoundingBox struct {
	Label          string
	ClassID        int
	Confidence     float32
	X1, Y1, X2, Y2 float32
}

func (b *BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f): (%f, %f), (%f, %f)",
		b.Label, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
}

// Area returns the box area, 0 for inverted boxes.
func (b *BoundingBox) Area() float32 {
	return math32.Max(0, b.X2-b.X1) * math32.Max(0, b.Y2-b.Y1)
}

// IoU returns the intersection over union of two boxes.
func (b *BoundingBox) IoU(other *BoundingBox) float32 {
	iw := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	ih := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection maps the box from the network input plane back to the frame, clamps it to the frame
// bounds and truncates the coordinates to integer pixels.
//
// Arguments:
//   - proj: The projection used to build the network input.
//   - frame: The frame size in pixels.
//
// Returns:
//   - Detection: The detection in frame pixels.
func (b *BoundingBox) Detection(proj features.Projection, frame image.Point) Detection {
	x1, y1, x2, y2 := proj.Unproject(b.X1, b.Y1, b.X2, b.Y2)
	fx, fy := float32(frame.X), float32(frame.Y)
	box := image.Rect(
		int(clampf(x1, 0, fx)),
		int(clampf(y1, 0, fy)),
		int(clampf(x2, 0, fx)),
		int(clampf(y2, 0, fy)),
	)
	return Detection{
		Label:      b.Label,
		ClassID:    b.ClassID,
		Confidence: b.Confidence,
		Box:        box,
	}
}

func clampf(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

// Finalize suppresses overlapping candidates and maps the survivors to frame pixels, highest
// confidence first.
//
// Arguments:
//   - boxes: Decoded candidates on the network input plane.
//   - nms: Suppression parameters.
//   - proj: The projection used to build the network input.
//   - frame: The frame size in pixels.
//
// Returns:
//   - []Detection: The detections, empty if nothing survives.
func Finalize(boxes []BoundingBox, nms NMSConfig, proj features.Projection, frame image.Point) []Detection {
	kept := ApplyNMS(boxes, nms)
	out := make([]Detection, 0, len(kept))
	for i := range kept {
		d := kept[i].Detection(proj, frame)
		if d.Box.Empty() {
			continue
		}
		out = append(out, d)
	}
	return out
}

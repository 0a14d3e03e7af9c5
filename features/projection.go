package features

import (
	"image"

	"github.com/chewxy/math32"
)

// Projection maps frame pixel coordinates onto the network input plane that the activations were
// computed on: input = frame*Scale + Pad.
type Projection struct {
	ScaleX, ScaleY float32
	PadX, PadY     float32
	// Input is the network input size in pixels.
	Input image.Point
}

// Identity returns the projection of a network that consumed the frame at its native size.
func Identity(size image.Point) Projection {
	return Projection{ScaleX: 1, ScaleY: 1, Input: size}
}

// Stretch returns the projection of a plain resize from frame to input size.
func Stretch(frame, input image.Point) Projection {
	if frame.X <= 0 || frame.Y <= 0 {
		return Projection{Input: input}
	}
	return Projection{
		ScaleX: float32(input.X) / float32(frame.X),
		ScaleY: float32(input.Y) / float32(frame.Y),
		Input:  input,
	}
}

// Letterbox returns the projection of an aspect-preserving resize centred on the input plane,
// with the remainder padded (darknet's letterbox_image).
func Letterbox(frame, input image.Point) Projection {
	if frame.X <= 0 || frame.Y <= 0 {
		return Projection{Input: input}
	}
	scale := math32.Min(float32(input.X)/float32(frame.X), float32(input.Y)/float32(frame.Y))
	w := int(float32(frame.X) * scale)
	h := int(float32(frame.Y) * scale)
	return Projection{
		ScaleX: scale,
		ScaleY: scale,
		PadX:   float32((input.X - w) / 2),
		PadY:   float32((input.Y - h) / 2),
		Input:  input,
	}
}

// Valid reports whether the projection can map anything onto a non-empty input plane.
func (p Projection) Valid() bool {
	return p.ScaleX > 0 && p.ScaleY > 0 && p.Input.X > 0 && p.Input.Y > 0
}

// rect is a float rectangle on the input plane.
type rect struct {
	x1, y1, x2, y2 float32
}

func (r rect) empty() bool {
	return !(r.x2 > r.x1 && r.y2 > r.y1)
}

// project maps a frame rectangle onto the input plane, clipped to the input bounds.
func (p Projection) project(r image.Rectangle) rect {
	out := rect{
		x1: float32(r.Min.X)*p.ScaleX + p.PadX,
		y1: float32(r.Min.Y)*p.ScaleY + p.PadY,
		x2: float32(r.Max.X)*p.ScaleX + p.PadX,
		y2: float32(r.Max.Y)*p.ScaleY + p.PadY,
	}
	out.x1 = clamp(out.x1, 0, float32(p.Input.X))
	out.x2 = clamp(out.x2, 0, float32(p.Input.X))
	out.y1 = clamp(out.y1, 0, float32(p.Input.Y))
	out.y2 = clamp(out.y2, 0, float32(p.Input.Y))
	return out
}

// content is the region of the input plane covered by a frame of the given size.
func (p Projection) content(frame image.Point) rect {
	return p.project(image.Rectangle{Max: frame})
}

// Unproject maps an input-plane rectangle back into frame coordinates.
func (p Projection) Unproject(x1, y1, x2, y2 float32) (float32, float32, float32, float32) {
	if !p.Valid() {
		return 0, 0, 0, 0
	}
	return (x1 - p.PadX) / p.ScaleX, (y1 - p.PadY) / p.ScaleY,
		(x2 - p.PadX) / p.ScaleX, (y2 - p.PadY) / p.ScaleY
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

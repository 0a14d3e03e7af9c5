package features

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Heatmap is a single-channel intensity map on a layer grid, normalized to [0,1].
type Heatmap struct {
	// Layer is the absolute layer index the map was built from.
	Layer int
	// Width and Height are the grid dimensions.
	Width, Height int
	// Data is row-major.
	Data []float32
	// Peak is the maximum of the aggregated map before normalization.
	Peak float32
}

func newHeatmap(w, h int) *Heatmap {
	return &Heatmap{Width: w, Height: h, Data: make([]float32, w*h)}
}

// At returns the value at grid cell (x,y).
func (h *Heatmap) At(x, y int) float32 {
	return h.Data[y*h.Width+x]
}

// Gray16 encodes the map as a 16-bit grayscale image.
func (h *Heatmap) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, h.Width, h.Height))
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			v := clamp(h.At(x, y), 0, 1)
			i := img.PixOffset(x, y)
			g := uint16(v*65535 + 0.5)
			img.Pix[i] = uint8(g >> 8)
			img.Pix[i+1] = uint8(g)
		}
	}
	return img
}

// Gray encodes the map as an 8-bit grayscale image, suitable for colormap rendering.
func (h *Heatmap) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, h.Width, h.Height))
	for i, v := range h.Data {
		img.Pix[i] = uint8(clamp(v, 0, 1)*255 + 0.5)
	}
	return img
}

// ToFrame crops the padding introduced by the projection and rescales the map to the frame size
// with bilinear interpolation.
//
// Arguments:
//   - proj: The projection used when the activations were computed.
//   - frame: The frame size in pixels.
//
// Returns:
//   - *Heatmap: A map with one cell per frame pixel.
//   - error: An error if the frame or the projected content is empty.
func (h *Heatmap) ToFrame(proj Projection, frame image.Point) (*Heatmap, error) {
	if frame.X <= 0 || frame.Y <= 0 {
		return nil, errors.Errorf("invalid frame size %v", frame)
	}
	if !proj.Valid() || h.Width == 0 || h.Height == 0 {
		return nil, errors.Errorf("cannot project a %dx%d map with %+v", h.Width, h.Height, proj)
	}

	content := proj.content(frame)
	cellW := float32(proj.Input.X) / float32(h.Width)
	cellH := float32(proj.Input.Y) / float32(h.Height)
	crop := image.Rect(
		int(content.x1/cellW),
		int(content.y1/cellH),
		int(content.x2/cellW+0.999),
		int(content.y2/cellH+0.999),
	).Intersect(image.Rect(0, 0, h.Width, h.Height))
	if crop.Empty() {
		return nil, errors.Errorf("projected content %v is empty", crop)
	}

	src := image.NewGray16(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	full := h.Gray16()
	for y := 0; y < crop.Dy(); y++ {
		copy(src.Pix[y*src.Stride:(y+1)*src.Stride], full.Pix[full.PixOffset(crop.Min.X, crop.Min.Y+y):])
	}

	scaled := resize.Resize(uint(frame.X), uint(frame.Y), src, resize.Bilinear)
	out := newHeatmap(frame.X, frame.Y)
	out.Layer, out.Peak = h.Layer, h.Peak

	b := scaled.Bounds()
	if g, ok := scaled.(*image.Gray16); ok {
		for y := 0; y < frame.Y; y++ {
			for x := 0; x < frame.X; x++ {
				i := g.PixOffset(b.Min.X+x, b.Min.Y+y)
				out.Data[y*frame.X+x] = float32(uint16(g.Pix[i])<<8|uint16(g.Pix[i+1])) / 65535
			}
		}
		return out, nil
	}
	for y := 0; y < frame.Y; y++ {
		for x := 0; x < frame.X; x++ {
			r, _, _, _ := scaled.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Data[y*frame.X+x] = float32(r) / 65535
		}
	}
	return out, nil
}

package inference

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/features"
)

// PadValue is the gray level darknet uses to fill letterbox borders.
const PadValue = 0.5

// PrepareInput resizes a frame to the network input and lays it out as a normalized CHW RGB
// buffer, the way darknet's prep_image does.
//
// Arguments:
//   - img: The frame.
//   - input: The network input size.
//   - letterbox: Preserve the aspect ratio and pad the borders instead of stretching.
//   - dst: Destination buffer of 3*input.X*input.Y floats, or nil to allocate.
//
// Returns:
//   - []float32: The CHW buffer with values in [0,1].
//   - features.Projection: How frame pixels map onto the input plane.
//   - error: An error if the frame or input size is empty or dst is too small.
func PrepareInput(img image.Image, input image.Point, letterbox bool, dst []float32) ([]float32, features.Projection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, features.Projection{}, errors.New("empty frame")
	}
	if input.X <= 0 || input.Y <= 0 {
		return nil, features.Projection{}, errors.Errorf("invalid input size %v", input)
	}
	channelSize := input.X * input.Y
	if dst == nil {
		dst = make([]float32, 3*channelSize)
	}
	if len(dst) < 3*channelSize {
		return nil, features.Projection{}, errors.Errorf("destination holds %d floats, needs %d",
			len(dst), 3*channelSize)
	}

	frame := img.Bounds().Size()
	proj := features.Stretch(frame, input)
	if letterbox {
		proj = features.Letterbox(frame, input)
	}

	w := max(1, int(float32(frame.X)*proj.ScaleX))
	h := max(1, int(float32(frame.Y)*proj.ScaleY))
	scaled := resize.Resize(uint(w), uint(h), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, input.X, input.Y))
	pad := image.NewUniform(grayRGBA(PadValue))
	draw.Draw(canvas, canvas.Bounds(), pad, image.Point{}, draw.Src)
	offset := image.Pt(int(proj.PadX), int(proj.PadY))
	draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(w, h))}, scaled, scaled.Bounds().Min, draw.Src)

	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]
	i := 0
	for y := 0; y < input.Y; y++ {
		for x := 0; x < input.X; x++ {
			p := canvas.Pix[canvas.PixOffset(x, y):]
			red[i] = float32(p[0]) / 255.0
			green[i] = float32(p[1]) / 255.0
			blue[i] = float32(p[2]) / 255.0
			i++
		}
	}
	return dst, proj, nil
}

func grayRGBA(v float32) color.RGBA {
	g := uint8(v*255 + 0.5)
	return color.RGBA{R: g, G: g, B: g, A: 255}
}

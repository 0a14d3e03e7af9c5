// Package render - Rendering sinks for session steps: an OpenCV window with detection overlays and
// heatmap panels, and a headless logging sink.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
	"github.com/nvr-ai/go-featrec/session"
)

// Window shows every step in an OpenCV window. While searching it draws the detections on the
// frame. Once locked it shows, side by side, the all-channel activation of the primary layer, the
// activation of its recommended channels, and the frame with the target box. Pressing q stops the
// session.
type Window struct {
	log   logs.Log
	win   *gocv.Window
	task  string
	white color.RGBA
	green color.RGBA
}

// NewWindow opens a window.
//
// Arguments:
//   - log: The logger.
//   - title: The window title.
//   - task: The target class, shown above the frame panel.
//
// Returns:
//   - *Window: The sink. Close it when done.
func NewWindow(log logs.Log, title, task string) *Window {
	return &Window{
		log:   log,
		win:   gocv.NewWindow(title),
		task:  task,
		white: color.RGBA{R: 225, G: 255, B: 255, A: 255},
		green: color.RGBA{G: 255, A: 255},
	}
}

// Render draws one step and polls the keyboard.
func (w *Window) Render(ctx context.Context, step *session.Step) error {
	frame, err := gocv.ImageToMatRGB(step.Frame.Image)
	if err != nil {
		return errors.Wrap(err, "frame to mat")
	}
	defer frame.Close()

	var canvas gocv.Mat
	switch {
	case step.State == session.Searching || step.Locking:
		for _, d := range step.Detections {
			drawDetection(&frame, d, w.white)
		}
		if step.Locking {
			canvas, err = w.lockPanels(step, frame)
		} else {
			canvas = frame.Clone()
		}
	default:
		canvas, err = w.trackPanels(step, frame)
	}
	if err != nil {
		return err
	}
	defer canvas.Close()

	w.win.IMShow(canvas)
	if key := w.win.WaitKey(1); key&0xff == 'q' {
		return session.ErrStopped
	}
	return nil
}

// lockPanels shows the recommended-channel heatmap next to the annotated frame.
func (w *Window) lockPanels(step *session.Step, frame gocv.Mat) (gocv.Mat, error) {
	layer, selected, _, ok := step.Primary()
	if !ok {
		return frame.Clone(), nil
	}
	heat, err := colorize(selected, step.Projection, step.Frame.Size())
	if err != nil {
		return gocv.Mat{}, err
	}
	defer heat.Close()
	title(&heat, fmt.Sprintf("recommended features of layer %d", layer))
	return hconcat(heat, frame), nil
}

// trackPanels shows the all-channel heatmap, the recommended-channel heatmap and the frame.
func (w *Window) trackPanels(step *session.Step, frame gocv.Mat) (gocv.Mat, error) {
	layer, selected, overview, ok := step.Primary()
	if !ok || overview == nil {
		return frame.Clone(), nil
	}
	size := step.Frame.Size()

	overall, err := colorize(overview, step.Projection, size)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer overall.Close()
	title(&overall, fmt.Sprintf("overall activation of layer %d", layer))

	recommended, err := colorize(selected, step.Projection, size)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer recommended.Close()
	title(&recommended, fmt.Sprintf("recommended features of layer %d", layer))

	gocv.Rectangle(&frame, step.Target, w.green, 2)
	title(&frame, "task = "+w.task)

	left := hconcat(overall, recommended)
	defer left.Close()
	return hconcat(left, frame), nil
}

// Close closes the window.
func (w *Window) Close() error {
	return w.win.Close()
}

// colorize rescales a heatmap to the frame and applies the jet colormap.
func colorize(hm *features.Heatmap, proj features.Projection, size image.Point) (gocv.Mat, error) {
	full, err := hm.ToFrame(proj, size)
	if err != nil {
		return gocv.Mat{}, errors.Wrapf(err, "layer %d", hm.Layer)
	}
	gray, err := gocv.ImageGrayToMatGray(full.Gray())
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "heatmap to mat")
	}
	defer gray.Close()

	out := gocv.NewMat()
	gocv.ApplyColorMap(gray, &out, gocv.ColormapJet)
	return out, nil
}

func hconcat(a, b gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	gocv.Hconcat(a, b, &out)
	return out
}

func title(img *gocv.Mat, text string) {
	gocv.PutText(img, text, image.Pt(8, 20), gocv.FontHersheyPlain, 1.2, color.RGBA{A: 255}, 3)
	gocv.PutText(img, text, image.Pt(8, 20), gocv.FontHersheyPlain, 1.2, color.RGBA{R: 255, G: 255, B: 255, A: 255}, 1)
}

// drawDetection draws a box with a filled label tag at its top-left corner.
func drawDetection(img *gocv.Mat, d inference.Detection, text color.RGBA) {
	c := ClassColor(d.ClassID)
	gocv.Rectangle(img, d.Box, c, 1)
	size := gocv.GetTextSize(d.Label, gocv.FontHersheyPlain, 1, 1)
	tag := image.Rect(d.Box.Min.X, d.Box.Min.Y, d.Box.Min.X+size.X+3, d.Box.Min.Y+size.Y+4)
	gocv.Rectangle(img, tag, c, -1)
	gocv.PutText(img, d.Label, image.Pt(d.Box.Min.X, d.Box.Min.Y+size.Y+4), gocv.FontHersheyPlain, 1, text, 1)
}

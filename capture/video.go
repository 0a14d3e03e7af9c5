package capture

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-featrec/inference"
)

// maxEmptyReads bounds consecutive empty frames before a device is treated as closed.
const maxEmptyReads = 100

// VideoSource reads frames from a video file or capture device.
type VideoSource struct {
	name string
	log  logs.Log
	cap  *gocv.VideoCapture
	mat  gocv.Mat
	next int
}

// OpenVideo opens a video file or stream URL.
func OpenVideo(log logs.Log, path string) (*VideoSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open video %s", path)
	}
	return newVideoSource(log, path, vc)
}

// OpenDevice opens a capture device such as a webcam.
func OpenDevice(log logs.Log, id int) (*VideoSource, error) {
	vc, err := gocv.VideoCaptureDevice(id)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %d", id)
	}
	return newVideoSource(log, "device "+strconv.Itoa(id), vc)
}

func newVideoSource(log logs.Log, name string, vc *gocv.VideoCapture) (*VideoSource, error) {
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("cannot capture source %s", name)
	}
	log.Infof("Capturing %s at %.1f fps", name, vc.Get(gocv.VideoCaptureFPS))
	return &VideoSource{name: name, log: log, cap: vc, mat: gocv.NewMat()}, nil
}

// Next reads the next frame. Frames are copied out of OpenCV memory, so they stay valid after later
// reads.
func (v *VideoSource) Next(ctx context.Context) (inference.Frame, error) {
	for empty := 0; empty < maxEmptyReads; empty++ {
		if err := ctx.Err(); err != nil {
			return inference.Frame{}, err
		}
		if ok := v.cap.Read(&v.mat); !ok {
			v.log.Infof("End of %s after %d frames", v.name, v.next)
			return inference.Frame{}, io.EOF
		}
		if v.mat.Empty() {
			continue
		}
		img, err := v.mat.ToImage()
		if err != nil {
			return inference.Frame{}, errors.Wrapf(err, "convert frame %d", v.next)
		}
		frame := inference.Frame{ID: v.next, Image: img, Timestamp: time.Now()}
		v.next++
		return frame, nil
	}
	v.log.Warnf("%s returned %d empty frames, treating as closed", v.name, maxEmptyReads)
	return inference.Frame{}, io.EOF
}

// Close releases the capture device.
func (v *VideoSource) Close() error {
	v.mat.Close()
	return v.cap.Close()
}

package detectors

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/inference"
)

// ReplayRecord is one line of a replay file: the detections of one frame.
type ReplayRecord struct {
	Frame      int               `json:"frame"`
	Detections []ReplayDetection `json:"detections"`
}

// ReplayDetection is a detection with its box as [x1, y1, x2, y2] frame pixels.
type ReplayDetection struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

func (r ReplayDetection) detection() inference.Detection {
	return inference.Detection{
		Label:      r.Label,
		ClassID:    r.ClassID,
		Confidence: r.Confidence,
		Box:        image.Rect(r.Box[0], r.Box[1], r.Box[2], r.Box[3]),
	}
}

func replayDetection(d inference.Detection) ReplayDetection {
	return ReplayDetection{
		Label:      d.Label,
		ClassID:    d.ClassID,
		Confidence: d.Confidence,
		Box:        [4]int{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y},
	}
}

// Replay serves per-frame detections recorded earlier, keyed by frame ID. Frames without a record
// have no detections.
type Replay struct {
	frames map[int][]inference.Detection
}

// LoadReplay reads a JSON lines replay file.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open replay")
	}
	defer f.Close()
	r, err := ReadReplay(f)
	if err != nil {
		return nil, errors.Wrapf(err, "replay %s", path)
	}
	return r, nil
}

// ReadReplay parses JSON lines. Blank lines are skipped; a later record for the same frame replaces
// an earlier one.
func ReadReplay(r io.Reader) (*Replay, error) {
	out := &Replay{frames: make(map[int][]inference.Detection)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec ReplayRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		dets := make([]inference.Detection, len(rec.Detections))
		for i, d := range rec.Detections {
			dets[i] = d.detection()
		}
		out.frames[rec.Frame] = dets
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read replay")
	}
	return out, nil
}

// Len returns the number of frames with a record.
func (r *Replay) Len() int { return len(r.frames) }

// Detections returns the recorded detections of a frame, in recorded order.
func (r *Replay) Detections(frame inference.Frame) ([]inference.Detection, error) {
	return r.frames[frame.ID], nil
}

// Recorder wraps a detector and writes the detections of every full pass as replay records.
type Recorder struct {
	inference.Detector

	mu  sync.Mutex
	enc *json.Encoder
}

// NewRecorder records the detections of det to w.
func NewRecorder(det inference.Detector, w io.Writer) *Recorder {
	return &Recorder{Detector: det, enc: json.NewEncoder(w)}
}

// Infer runs the wrapped detector and records its detections. Passes cut short by stopAt are not
// recorded.
func (r *Recorder) Infer(ctx context.Context, frame inference.Frame, stopAt int) (*inference.Result, error) {
	res, err := r.Detector.Infer(ctx, frame, stopAt)
	if err != nil || stopAt != inference.AllLayers {
		return res, err
	}
	rec := ReplayRecord{Frame: frame.ID, Detections: make([]ReplayDetection, len(res.Detections))}
	for i, d := range res.Detections {
		rec.Detections[i] = replayDetection(d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return nil, errors.Wrap(err, "write replay")
	}
	return res, nil
}

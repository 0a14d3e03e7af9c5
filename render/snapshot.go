package render

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/session"
)

// Snapshots writes the primary layer's heatmaps of every locked frame as grayscale WebP files,
// scaled back to frame pixels. Files are named <frame>_overall.webp and <frame>_selected.webp.
type Snapshots struct {
	log     logs.Log
	dir     string
	quality float32
	written int
}

// NewSnapshots creates the output directory.
//
// Arguments:
//   - log: The logger.
//   - dir: The output directory.
//   - quality: The lossy WebP quality in [0, 100]. 0 writes lossless files.
//
// Returns:
//   - *Snapshots: The sink.
//   - error: An error if the directory cannot be created.
func NewSnapshots(log logs.Log, dir string, quality float32) (*Snapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create snapshot directory %s", dir)
	}
	return &Snapshots{log: log, dir: dir, quality: quality}, nil
}

// Written returns the number of files written.
func (s *Snapshots) Written() int {
	return s.written
}

// Render writes the heatmaps of a locked step. Other steps are ignored.
func (s *Snapshots) Render(ctx context.Context, step *session.Step) error {
	_, selected, overview, ok := step.Primary()
	if !ok {
		return nil
	}
	size := step.Frame.Size()
	for name, hm := range map[string]*features.Heatmap{"overall": overview, "selected": selected} {
		if hm == nil {
			continue
		}
		path := filepath.Join(s.dir, fmt.Sprintf("%06d_%s.webp", step.Frame.ID, name))
		if err := s.write(path, hm, step.Projection, size); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshots) write(path string, hm *features.Heatmap, proj features.Projection, size image.Point) error {
	full, err := hm.ToFrame(proj, size)
	if err != nil {
		return errors.Wrapf(err, "scale heatmap of layer %d", hm.Layer)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	opts := &webp.Options{Lossless: s.quality == 0, Quality: s.quality}
	if err := webp.Encode(f, full.Gray(), opts); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	s.written++
	s.log.Debugf("Wrote %s", path)
	return nil
}

// Tee renders each step to every sink in order and stops at the first error.
type Tee []session.Renderer

// Render forwards the step.
func (t Tee) Render(ctx context.Context, step *session.Step) error {
	for _, r := range t {
		if err := r.Render(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

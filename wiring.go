package main

import (
	"context"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/capture"
	"github.com/nvr-ai/go-featrec/config"
	"github.com/nvr-ai/go-featrec/inference"
	"github.com/nvr-ai/go-featrec/inference/backbone"
	"github.com/nvr-ai/go-featrec/inference/detectors"
	"github.com/nvr-ai/go-featrec/render"
	"github.com/nvr-ai/go-featrec/session"
)

// newDetector builds the configured backend, wrapped in a recorder when requested.
func newDetector(logger logs.Log, cfg config.Config) (inference.Detector, error) {
	d := cfg.Detector
	classes := inference.DarknetCOCOClasses
	if d.Names != "" {
		names, err := inference.LoadClassNames(d.Names)
		if err != nil {
			return nil, err
		}
		classes = names
	}
	opts := detectors.Options{
		Classes:    classes,
		Resolution: d.Resolution,
		Confidence: d.Confidence,
		NMS:        d.NMS,
		Layers:     cfg.Task.Layers,
	}

	var det inference.Detector
	switch d.Backend {
	case config.BackendDarknet:
		dn, err := detectors.NewDarknet(logger, d.Cfg, d.Weights, opts)
		if err != nil {
			return nil, err
		}
		det = dn
	case config.BackendONNX:
		on, err := detectors.NewONNX(logger, detectors.ONNXConfig{
			Options:         opts,
			Model:           d.Model,
			SharedLibrary:   d.SharedLibrary,
			Provider:        d.Provider,
			InputName:       d.InputName,
			DetectionOutput: d.DetectionOutput,
			LayerOutputs:    d.LayerOutputs,
			Letterbox:       d.Letterbox,
		})
		if err != nil {
			return nil, err
		}
		det = on
	case config.BackendGorgonia:
		replay, err := detectors.LoadReplay(d.Replay)
		if err != nil {
			return nil, err
		}
		bb := d.Backbone
		bb.Resolution, bb.Letterbox = d.Resolution, d.Letterbox
		net, err := backbone.New(logger, bb)
		if err != nil {
			return nil, err
		}
		logger.Infof("Replaying detections for %d frames from %s", replay.Len(), d.Replay)
		det = &detectors.Composite{
			Features:   net,
			Detections: replay,
			Log:        logger,
			Closers:    []interface{ Close() error }{net},
		}
	default:
		return nil, errors.Wrapf(config.ErrInvalid, "unknown backend %q", d.Backend)
	}

	if d.Record == "" {
		return det, nil
	}
	f, err := os.Create(d.Record)
	if err != nil {
		det.Close()
		return nil, errors.Wrap(err, "create replay file")
	}
	logger.Infof("Recording detections to %s", d.Record)
	return &recordingDetector{Recorder: detectors.NewRecorder(det, f), file: f}, nil
}

// recordingDetector closes the replay file with the detector.
type recordingDetector struct {
	*detectors.Recorder
	file *os.File
}

func (r *recordingDetector) Close() error {
	err := r.Recorder.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// openSource opens the configured frame source. Video takes precedence over images, and a capture
// device is used when neither is set.
func openSource(ctx context.Context, logger logs.Log, cfg config.SourceConfig) (session.FrameSource, func(), error) {
	var (
		src     capture.Source
		closers []func() error
	)
	switch {
	case cfg.Video != "":
		v, err := capture.OpenVideo(logger, cfg.Video)
		if err != nil {
			return nil, nil, err
		}
		src, closers = v, append(closers, v.Close)
	case cfg.Images != "":
		d, err := capture.OpenDirectory(cfg.Images)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Reading %d images from %s", d.Len(), cfg.Images)
		src = d
	default:
		v, err := capture.OpenDevice(logger, cfg.Device)
		if err != nil {
			return nil, nil, err
		}
		src, closers = v, append(closers, v.Close)
	}

	if cfg.Async {
		l := capture.NewLatest(ctx, logger, src)
		src = l
		closers = append([]func() error{l.Close}, closers...)
	}
	return src, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warnf("Close source: %v", err)
			}
		}
	}, nil
}

// newSink returns the window sink, or the headless sink when the window is disabled, followed by
// the snapshot writer when a snapshot directory is configured.
func newSink(logger logs.Log, cfg config.Config, maxFrames int) (session.Renderer, func(), error) {
	var (
		sinks render.Tee
		closeFn = func() {}
	)
	if cfg.Display.Window {
		w := render.NewWindow(logger, cfg.Display.Title, cfg.Task.TargetClass)
		sinks = append(sinks, w)
		closeFn = func() {
			if err := w.Close(); err != nil {
				logger.Warnf("Close window: %v", err)
			}
		}
	} else {
		sinks = append(sinks, &render.Null{Log: logger})
	}
	if cfg.Display.Snapshots != "" {
		snaps, err := render.NewSnapshots(logger, cfg.Display.Snapshots, cfg.Display.SnapshotQuality)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		sinks = append(sinks, snaps)
	}

	var sink session.Renderer = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}
	if maxFrames > 0 {
		sink = &limit{Renderer: sink, max: maxFrames}
	}
	return sink, closeFn, nil
}

// limit stops a session after a fixed number of rendered frames.
type limit struct {
	session.Renderer
	max, n int
}

func (l *limit) Render(ctx context.Context, step *session.Step) error {
	if err := l.Renderer.Render(ctx, step); err != nil {
		return err
	}
	l.n++
	if l.n >= l.max {
		return session.ErrStopped
	}
	return nil
}

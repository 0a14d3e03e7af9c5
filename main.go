package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-featrec/config"
	"github.com/nvr-ai/go-featrec/profiler"
	"github.com/nvr-ai/go-featrec/session"
)

// flags holds the command line. Unset values leave the configuration untouched: empty strings,
// negative numbers and false switches.
type flags struct {
	config      *string
	video       *string
	device      *int
	images      *string
	backend     *string
	cfg         *string
	weights     *string
	model       *string
	provider    *string
	replay      *string
	record      *string
	names       *string
	reso        *int
	confidence  *float64
	nms         *float64
	target      *string
	rule        *string
	firstLayer  *int
	lastLayer   *int
	topFeatures *int
	topLayers   *int
	maxFrames   *int
	snapshots   *string
	async       *bool
	noWindow    *bool
}

func parseFlags(args []string) (*flags, *argparse.Parser, error) {
	parser := argparse.NewParser("featrec", "Detect a target, recommend the feature channels that respond to it and track their activation")
	f := &flags{
		config:      parser.String("c", "config", &argparse.Options{Help: "YAML configuration file"}),
		video:       parser.String("", "video", &argparse.Options{Help: "Video file to run detection on"}),
		device:      parser.Int("", "device", &argparse.Options{Help: "Capture device to run detection on", Default: -1}),
		images:      parser.String("", "images", &argparse.Options{Help: "Directory of numbered frame images"}),
		backend:     parser.String("b", "backend", &argparse.Options{Help: "Inference backend: darknet, onnx or gorgonia"}),
		cfg:         parser.String("", "cfg", &argparse.Options{Help: "Darknet config file"}),
		weights:     parser.String("", "weights", &argparse.Options{Help: "Darknet weights file"}),
		model:       parser.String("", "model", &argparse.Options{Help: "ONNX model file"}),
		provider:    parser.String("", "provider", &argparse.Options{Help: "ONNX execution provider: cpu, cuda, coreml or openvino"}),
		replay:      parser.String("", "replay", &argparse.Options{Help: "Detections to replay with the gorgonia backend (JSON lines)"}),
		record:      parser.String("", "record", &argparse.Options{Help: "Write detections to a replay file (JSON lines)"}),
		names:       parser.String("", "names", &argparse.Options{Help: "Class names file"}),
		reso:        parser.Int("", "reso", &argparse.Options{Help: "Input resolution of the network, a multiple of 32", Default: -1}),
		confidence:  parser.Float("", "confidence", &argparse.Options{Help: "Object confidence to filter predictions", Default: -1.0}),
		nms:         parser.Float("", "nms_thresh", &argparse.Options{Help: "NMS threshold", Default: -1.0}),
		target:      parser.String("t", "target", &argparse.Options{Help: "Target class name"}),
		rule:        parser.String("", "rule", &argparse.Options{Help: "Target selection rule: first_detected, most_confident or largest"}),
		firstLayer:  parser.Int("", "first-layer", &argparse.Options{Help: "First layer eligible for scoring", Default: -1}),
		lastLayer:   parser.Int("", "last-layer", &argparse.Options{Help: "Last layer eligible for scoring", Default: -1}),
		topFeatures: parser.Int("", "top-features", &argparse.Options{Help: "Channels kept per layer", Default: -1}),
		topLayers:   parser.Int("", "top-layers", &argparse.Options{Help: "Layers kept for reconstruction", Default: -1}),
		maxFrames:   parser.Int("", "max-frames", &argparse.Options{Help: "Stop after this many frames", Default: 0}),
		snapshots:   parser.String("", "snapshots", &argparse.Options{Help: "Directory for WebP heatmap snapshots of locked frames"}),
		async:       parser.Flag("", "async", &argparse.Options{Help: "Capture on a separate goroutine, dropping stale frames"}),
		noWindow:    parser.Flag("", "no-window", &argparse.Options{Help: "Run headless"}),
	}
	return f, parser, parser.Parse(args)
}

// apply overlays the flags that were set onto cfg.
func (f *flags) apply(cfg *config.Config) {
	setString := func(dst *string, v *string) {
		if *v != "" {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if *v >= 0 {
			*dst = *v
		}
	}
	setFloat := func(dst *float32, v *float64) {
		if *v >= 0 {
			*dst = float32(*v)
		}
	}

	if *f.video != "" || *f.images != "" || *f.device >= 0 {
		cfg.Source.Video, cfg.Source.Images = *f.video, *f.images
		setInt(&cfg.Source.Device, f.device)
	}
	if *f.backend != "" {
		cfg.Detector.Backend = config.Backend(*f.backend)
	}
	setString(&cfg.Detector.Cfg, f.cfg)
	setString(&cfg.Detector.Weights, f.weights)
	setString(&cfg.Detector.Model, f.model)
	setString(&cfg.Detector.Provider, f.provider)
	setString(&cfg.Detector.Replay, f.replay)
	setString(&cfg.Detector.Record, f.record)
	setString(&cfg.Detector.Names, f.names)
	setInt(&cfg.Detector.Resolution, f.reso)
	setFloat(&cfg.Detector.Confidence, f.confidence)
	setFloat(&cfg.Detector.NMS, f.nms)
	setString(&cfg.Task.TargetClass, f.target)
	setString(&cfg.Task.Rule, f.rule)
	setInt(&cfg.Task.Layers.First, f.firstLayer)
	setInt(&cfg.Task.Layers.Last, f.lastLayer)
	setInt(&cfg.Task.Recommender.TopFeatures, f.topFeatures)
	setInt(&cfg.Task.Recommender.TopLayers, f.topLayers)
	setString(&cfg.Display.Snapshots, f.snapshots)
	if *f.async {
		cfg.Source.Async = true
	}
	if *f.noWindow {
		cfg.Display.Window = false
	}
}

func main() {
	f, parser, err := parseFlags(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*f.config)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
	f.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *f.maxFrames); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logs.Log, cfg config.Config, maxFrames int) error {
	logger.Infof("Loading network.....")
	detector, err := newDetector(logger, cfg)
	if err != nil {
		return err
	}
	defer detector.Close()
	logger.Infof("Network successfully loaded")

	source, closeSource, err := openSource(ctx, logger, cfg.Source)
	if err != nil {
		return err
	}
	defer closeSource()

	prof := profiler.New(logger, profiler.Options{
		ReportInterval: time.Duration(cfg.Display.ReportInterval * float64(time.Second)),
	})
	prof.Start(ctx)
	defer prof.Stop()

	s, err := session.New(session.Options{
		Task:     cfg.Task,
		Detector: detector,
		Profiler: prof,
		Log:      logger,
	})
	if err != nil {
		return err
	}

	sink, closeSink, err := newSink(logger, cfg, maxFrames)
	if err != nil {
		return err
	}
	defer closeSink()

	start := time.Now()
	err = s.Run(ctx, source, sink)
	if elapsed := time.Since(start); s.Frames() > 0 && elapsed > 0 {
		logger.Infof("Processed %d frames in %v (%.2f fps), state %v", s.Frames(),
			elapsed.Truncate(time.Millisecond), float64(s.Frames())/elapsed.Seconds(), s.State())
	}
	prof.Report()
	return err
}

// Package config - Session configuration: defaults, YAML loading and validation.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference/backbone"
	"github.com/nvr-ai/go-featrec/target"
)

// ErrInvalid is returned for configurations that cannot start a session.
var ErrInvalid = errors.New("invalid configuration")

// Backend names an inference backend.
type Backend string

const (
	// BackendDarknet runs darknet cfg/weights through the OpenCV DNN module.
	BackendDarknet Backend = "darknet"
	// BackendONNX runs an ONNX model exporting its intermediate layers through onnxruntime.
	BackendONNX Backend = "onnx"
	// BackendGorgonia runs the built-in gorgonia backbone with detections replayed from a file.
	BackendGorgonia Backend = "gorgonia"
)

// Config is the full configuration of a session.
type Config struct {
	Source   SourceConfig   `json:"source" yaml:"source"`
	Detector DetectorConfig `json:"detector" yaml:"detector"`
	Task     TaskConfig     `json:"task" yaml:"task"`
	Display  DisplayConfig  `json:"display" yaml:"display"`
}

// SourceConfig selects where frames come from. Video takes precedence over Images, and Device is
// used when neither is set.
type SourceConfig struct {
	Video  string `json:"video" yaml:"video"`
	Images string `json:"images" yaml:"images"`
	Device int    `json:"device" yaml:"device"`
	// Async decouples capture from processing with a one-slot latest-wins handoff.
	Async bool `json:"async" yaml:"async"`
}

// DetectorConfig configures the inference backend.
type DetectorConfig struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// Cfg and Weights are the darknet network definition and weights.
	Cfg     string `json:"cfg" yaml:"cfg"`
	Weights string `json:"weights" yaml:"weights"`
	// Model is the ONNX model path.
	Model string `json:"model" yaml:"model"`
	// SharedLibrary is the onnxruntime shared library path. Empty picks a per-platform default.
	SharedLibrary string `json:"shared_library" yaml:"shared_library"`
	// Provider is the onnxruntime execution provider: cpu, cuda, coreml or openvino.
	Provider string `json:"provider" yaml:"provider"`
	// InputName is the ONNX input tensor name.
	InputName string `json:"input_name" yaml:"input_name"`
	// DetectionOutput is the ONNX output holding the detection head.
	DetectionOutput string `json:"detection_output" yaml:"detection_output"`
	// LayerOutputs names the ONNX output of each layer, indexed by layer number.
	LayerOutputs []string `json:"layer_outputs" yaml:"layer_outputs"`
	// Replay is a JSON lines file of per-frame detections for the gorgonia backend.
	Replay string `json:"replay" yaml:"replay"`
	// Record writes the detections of every full pass to a JSON lines file, for later replay.
	Record string `json:"record" yaml:"record"`
	// Backbone shapes the gorgonia network. Its resolution follows Resolution.
	Backbone backbone.Config `json:"backbone" yaml:"backbone"`
	// Names is the class names file. Empty uses the built-in darknet COCO list.
	Names string `json:"names" yaml:"names"`
	// Resolution is the square network input size in pixels.
	Resolution int `json:"resolution" yaml:"resolution"`
	// Confidence is the minimum detection score.
	Confidence float32 `json:"confidence" yaml:"confidence"`
	// NMS is the suppression IoU threshold.
	NMS float32 `json:"nms_thresh" yaml:"nms_thresh"`
	// Letterbox preserves the frame aspect ratio when building the network input.
	Letterbox bool `json:"letterbox" yaml:"letterbox"`
}

// TaskConfig configures the tracking task.
type TaskConfig struct {
	TargetClass string                     `json:"target_class" yaml:"target_class"`
	Rule        string                     `json:"rule" yaml:"rule"`
	Layers      features.LayerRange        `json:"layers" yaml:"layers"`
	Recommender features.RecommenderConfig `json:"recommender" yaml:"recommender"`
}

// DisplayConfig configures rendering.
type DisplayConfig struct {
	Window bool   `json:"window" yaml:"window"`
	Title  string `json:"title" yaml:"title"`
	// ReportInterval is how often, in seconds, the profiler reports frame timings. 0 disables it.
	ReportInterval float64 `json:"report_interval" yaml:"report_interval"`
	// Snapshots, when set, is a directory that receives the heatmaps of every locked frame as WebP.
	Snapshots string `json:"snapshots" yaml:"snapshots"`
	// SnapshotQuality is the lossy WebP quality. 0 writes lossless files.
	SnapshotQuality float32 `json:"snapshot_quality" yaml:"snapshot_quality"`
}

// Default returns the configuration of the aeroplane tracking demo.
func Default() Config {
	return Config{
		Source: SourceConfig{Video: "./data/f35.mp4"},
		Detector: DetectorConfig{
			Backend:         BackendDarknet,
			Cfg:             "cfg/yolov3.cfg",
			Weights:         "yolov3.weights",
			Provider:        "cpu",
			InputName:       "images",
			DetectionOutput: "output0",
			Resolution:      416,
			Confidence:      0.5,
			NMS:             0.4,
			Letterbox:       true,
			Backbone:        backbone.DefaultConfig(),
		},
		Task: TaskConfig{
			TargetClass: "aeroplane",
			Rule:        string(target.FirstDetected),
			Layers:      features.LayerRange{First: 12, Last: 35},
			Recommender: features.RecommenderConfig{
				TopFeatures: features.DefaultTopFeatures,
				TopLayers:   features.DefaultTopLayers,
			},
		},
		Display: DisplayConfig{
			Window:          true,
			Title:           "feature recommendation",
			ReportInterval:  2,
			SnapshotQuality: 90,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
//
// Arguments:
//   - path: The YAML file path.
//
// Returns:
//   - Config: The merged configuration, not yet validated.
//   - error: An error if the file cannot be read or parsed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Validate checks the configuration. Every failure wraps ErrInvalid.
func (c Config) Validate() error {
	d := c.Detector
	if d.Resolution <= 32 || d.Resolution%32 != 0 {
		return errors.Wrapf(ErrInvalid, "resolution %d must be a multiple of 32 greater than 32", d.Resolution)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return errors.Wrapf(ErrInvalid, "confidence %v outside [0,1]", d.Confidence)
	}
	if d.NMS < 0 || d.NMS > 1 {
		return errors.Wrapf(ErrInvalid, "nms threshold %v outside [0,1]", d.NMS)
	}
	switch d.Backend {
	case BackendDarknet:
		if d.Cfg == "" || d.Weights == "" {
			return errors.Wrap(ErrInvalid, "darknet backend needs cfg and weights")
		}
	case BackendONNX:
		if d.Model == "" || d.InputName == "" || d.DetectionOutput == "" {
			return errors.Wrap(ErrInvalid, "onnx backend needs a model, an input and a detection output")
		}
		switch d.Provider {
		case "cpu", "cuda", "coreml", "openvino":
		default:
			return errors.Wrapf(ErrInvalid, "unknown execution provider %q", d.Provider)
		}
		if len(d.LayerOutputs) <= c.Task.Layers.Last {
			return errors.Wrapf(ErrInvalid, "onnx backend names %d layer outputs, range %v needs %d",
				len(d.LayerOutputs), c.Task.Layers, c.Task.Layers.Last+1)
		}
	case BackendGorgonia:
		if d.Replay == "" {
			return errors.Wrap(ErrInvalid, "gorgonia backend needs a replay file")
		}
		bb := d.Backbone
		bb.Resolution = d.Resolution
		if err := bb.Validate(); err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
		if c.Task.Layers.Last >= bb.Depth {
			return errors.Wrapf(ErrInvalid, "range %v is deeper than the %d layer backbone", c.Task.Layers, bb.Depth)
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown backend %q", d.Backend)
	}

	if c.Task.TargetClass == "" {
		return errors.Wrap(ErrInvalid, "target class is empty")
	}
	if _, err := target.ParseRule(c.Task.Rule); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if err := c.Task.Layers.Validate(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if c.Task.Recommender.TopFeatures <= 0 || c.Task.Recommender.TopLayers <= 0 {
		return errors.Wrapf(ErrInvalid, "top features %d and top layers %d must be positive",
			c.Task.Recommender.TopFeatures, c.Task.Recommender.TopLayers)
	}
	if c.Display.ReportInterval < 0 {
		return errors.Wrapf(ErrInvalid, "report interval %v is negative", c.Display.ReportInterval)
	}
	if c.Display.SnapshotQuality < 0 || c.Display.SnapshotQuality > 100 {
		return errors.Wrapf(ErrInvalid, "snapshot quality %v not in [0, 100]", c.Display.SnapshotQuality)
	}
	return nil
}

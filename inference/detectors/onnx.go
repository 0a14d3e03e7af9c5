package detectors

import (
	"context"
	"image"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

// ONNXConfig configures an ONNX detector. The model must expose the layers it should record as graph
// outputs, next to an anchor-free detection head laid out as (4+classes) × candidates.
type ONNXConfig struct {
	Options
	Model         string
	SharedLibrary string
	Provider      string
	InputName     string
	// DetectionOutput names the detection head output.
	DetectionOutput string
	// LayerOutputs names the output holding each layer, indexed by layer number.
	LayerOutputs []string
	Letterbox    bool
}

// ONNX runs an ONNX model through onnxruntime and records its intermediate outputs.
//
// A session is created per distinct cutoff, requesting only the outputs that pass needs, so a locked
// session never asks for the detection head.
type ONNX struct {
	config  ONNXConfig
	log     logs.Log
	options *ort.SessionOptions

	mu       sync.Mutex
	sessions map[int]*onnxSession
	input    []float32
}

// onnxSession is a session with the output names it was built for. Layer outputs come first.
type onnxSession struct {
	session *ort.DynamicAdvancedSession
	layers  []int
	names   []string
}

// NewONNX initializes the runtime and prepares the full-network session.
//
// Arguments:
//   - log: The logger.
//   - config: The model and its output names.
//
// Returns:
//   - *ONNX: The detector. Close it when done.
//   - error: An error if the runtime or model cannot be loaded, or a recorded layer has no output.
func NewONNX(log logs.Log, config ONNXConfig) (*ONNX, error) {
	for _, layer := range config.recorded(inference.AllLayers) {
		if layer >= len(config.LayerOutputs) || config.LayerOutputs[layer] == "" {
			return nil, errors.Wrapf(features.ErrLayerUnavailable, "no output named for layer %d", layer)
		}
	}
	if err := InitializeRuntime(config.SharedLibrary); err != nil {
		return nil, err
	}
	options, err := sessionOptions(config.Provider)
	if err != nil {
		return nil, err
	}

	d := &ONNX{
		config:   config,
		log:      log,
		options:  options,
		sessions: make(map[int]*onnxSession),
		input:    make([]float32, 3*config.Resolution*config.Resolution),
	}
	if _, err := d.session(inference.AllLayers); err != nil {
		d.Close()
		return nil, err
	}
	log.Infof("Loaded %s with %s provider, recording layers %v", config.Model, config.Provider, config.Layers)
	return d, nil
}

func (d *ONNX) session(stopAt int) (*onnxSession, error) {
	if s, ok := d.sessions[stopAt]; ok {
		return s, nil
	}
	layers := d.config.recorded(stopAt)
	names := make([]string, 0, len(layers)+1)
	for _, layer := range layers {
		names = append(names, d.config.LayerOutputs[layer])
	}
	if stopAt == inference.AllLayers {
		names = append(names, d.config.DetectionOutput)
	}
	session, err := ort.NewDynamicAdvancedSession(d.config.Model, []string{d.config.InputName}, names, d.options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %s", d.config.Model)
	}
	s := &onnxSession{session: session, layers: layers, names: names}
	d.sessions[stopAt] = s
	d.log.Debugf("Created session with %d outputs for cutoff %d", len(names), stopAt)
	return s, nil
}

// Infer runs the model on a frame.
func (d *ONNX) Infer(ctx context.Context, frame inference.Frame, stopAt int) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	res := d.config.Resolution
	buf, proj, err := inference.PrepareInput(frame.Image, image.Pt(res, res), d.config.Letterbox, d.input)
	if err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(res), int64(res)), buf)
	if err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}
	defer input.Destroy()

	s, err := d.session(stopAt)
	if err != nil {
		return nil, err
	}
	outputs := make([]ort.Value, len(s.names))
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "run session")
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	result := &inference.Result{Activations: features.NewActivations(), Projection: proj}
	for i, layer := range s.layers {
		data, shape, err := floats(outputs[i], s.names[i])
		if err != nil {
			return nil, err
		}
		c, h, w, err := chw(shape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d output %s", layer, s.names[i])
		}
		if err := result.Activations.SetPlanes(layer, c, h, w, append([]float32(nil), data...)); err != nil {
			return nil, err
		}
	}

	if stopAt == inference.AllLayers {
		head := len(s.names) - 1
		data, shape, err := floats(outputs[head], s.names[head])
		if err != nil {
			return nil, err
		}
		if len(shape) != 3 {
			return nil, errors.Errorf("detection output %s has shape %v", s.names[head], shape)
		}
		boxes, err := inference.DecodeTransposed(data, int(shape[1])-4, d.config.decode())
		if err != nil {
			return nil, err
		}
		result.Detections = inference.Finalize(boxes, d.config.nms(), proj, frame.Size())
	}
	return result, nil
}

func floats(v ort.Value, name string) ([]float32, ort.Shape, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, nil, errors.Wrapf(features.ErrBadActivation, "output %s is %T, want float32 tensor", name, v)
	}
	return t.GetData(), t.GetShape(), nil
}

// chw reads (channels, height, width) from a (1,C,H,W) or (C,H,W) shape.
func chw(shape ort.Shape) (int, int, int, error) {
	switch {
	case len(shape) == 4 && shape[0] == 1:
		return int(shape[1]), int(shape[2]), int(shape[3]), nil
	case len(shape) == 3:
		return int(shape[0]), int(shape[1]), int(shape[2]), nil
	}
	return 0, 0, 0, errors.Wrapf(features.ErrBadActivation, "shape %v", shape)
}

// Close destroys every session.
func (d *ONNX) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for stopAt, s := range d.sessions {
		if err := s.session.Destroy(); err != nil && first == nil {
			first = errors.Wrap(err, "destroy session")
		}
		delete(d.sessions, stopAt)
	}
	if d.options != nil {
		d.options.Destroy()
		d.options = nil
	}
	return first
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-featrec/features"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "aeroplane", cfg.Task.TargetClass)
	assert.Equal(t, features.LayerRange{First: 12, Last: 35}, cfg.Task.Layers)
	assert.Equal(t, 416, cfg.Detector.Resolution)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"resolution not a multiple of 32", func(c *Config) { c.Detector.Resolution = 400 }},
		{"resolution too small", func(c *Config) { c.Detector.Resolution = 32 }},
		{"confidence above one", func(c *Config) { c.Detector.Confidence = 1.5 }},
		{"negative nms", func(c *Config) { c.Detector.NMS = -0.1 }},
		{"unknown backend", func(c *Config) { c.Detector.Backend = "tflite" }},
		{"darknet without weights", func(c *Config) { c.Detector.Weights = "" }},
		{"onnx without enough layer outputs", func(c *Config) {
			c.Detector.Backend = BackendONNX
			c.Detector.Model = "model.onnx"
			c.Detector.LayerOutputs = []string{"a", "b"}
		}},
		{"unknown provider", func(c *Config) {
			c.Detector.Backend = BackendONNX
			c.Detector.Model = "model.onnx"
			c.Detector.LayerOutputs = make([]string, 36)
			c.Detector.Provider = "tpu"
		}},
		{"gorgonia without replay", func(c *Config) { c.Detector.Backend = BackendGorgonia }},
		{"range deeper than backbone", func(c *Config) {
			c.Detector.Backend = BackendGorgonia
			c.Detector.Replay = "detections.jsonl"
			c.Detector.Backbone.Depth = 20
		}},
		{"empty target", func(c *Config) { c.Task.TargetClass = "" }},
		{"unknown rule", func(c *Config) { c.Task.Rule = "nearest" }},
		{"inverted range", func(c *Config) { c.Task.Layers = features.LayerRange{First: 10, Last: 2} }},
		{"zero top features", func(c *Config) { c.Task.Recommender.TopFeatures = 0 }},
		{"negative report interval", func(c *Config) { c.Display.ReportInterval = -1 }},
		{"snapshot quality above 100", func(c *Config) { c.Display.SnapshotQuality = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestGorgoniaBackendWithReplayIsValid(t *testing.T) {
	cfg := Default()
	cfg.Detector.Backend = BackendGorgonia
	cfg.Detector.Replay = "detections.jsonl"
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	yml := `
detector:
  resolution: 608
  confidence: 0.3
task:
  target_class: bird
  layers:
    first: 37
    last: 60
  recommender:
    top_layers: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 608, cfg.Detector.Resolution)
	assert.InDelta(t, 0.3, cfg.Detector.Confidence, 1e-6)
	assert.Equal(t, "bird", cfg.Task.TargetClass)
	assert.Equal(t, features.LayerRange{First: 37, Last: 60}, cfg.Task.Layers)
	assert.Equal(t, 1, cfg.Task.Recommender.TopLayers)
	assert.Equal(t, features.DefaultTopFeatures, cfg.Task.Recommender.TopFeatures, "unset keys keep defaults")
	assert.Equal(t, BackendDarknet, cfg.Detector.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("task: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

package detectors

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibPath returns the default onnxruntime shared library path for the current platform.
func SharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
	return ""
}

var runtimeOnce struct {
	sync.Mutex
	done bool
}

// InitializeRuntime loads the onnxruntime shared library once per process.
//
// Arguments:
//   - libPath: The shared library path. Empty uses SharedLibPath.
//
// Returns:
//   - error: An error if the library is missing or the environment cannot be initialized.
func InitializeRuntime(libPath string) error {
	runtimeOnce.Lock()
	defer runtimeOnce.Unlock()
	if runtimeOnce.done || ort.IsInitialized() {
		runtimeOnce.done = true
		return nil
	}
	if libPath == "" {
		libPath = SharedLibPath()
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %q", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime")
	}
	runtimeOnce.done = true
	return nil
}

// sessionOptions builds session options for an execution provider: cpu, cuda, coreml or openvino.
func sessionOptions(provider string) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "session options")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "optimization level")
	}

	switch provider {
	case "", "cpu":
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "cuda options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "cuda options")
		}
		err = options.AppendExecutionProviderCUDA(cuda)
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable cuda")
		}
	case "coreml":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable coreml")
		}
	case "openvino":
		err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   "FP32",
		})
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable openvino")
		}
	default:
		options.Destroy()
		return nil, errors.Errorf("unknown execution provider %q", provider)
	}
	return options, nil
}

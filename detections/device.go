package detections

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

func appendCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("cuda provider unavailable: %w", err)
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		return fmt.Errorf("configure cuda provider: %w", err)
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("append cuda provider: %w", err)
	}
	return nil
}

// describeDevice is the human readable device name reported on /health.
func describeDevice(device string) string {
	if device == DeviceCUDA {
		return "cuda:0"
	}
	return fmt.Sprintf("cpu (%s/%s)", runtime.GOARCH, cpuFeatureLevel())
}

func cpuFeatureLevel() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "avx512"
	case cpu.X86.HasAVX2:
		return "avx2"
	case cpu.X86.HasSSE41:
		return "sse4.1"
	case cpu.ARM64.HasASIMD:
		return "neon"
	}
	return "generic"
}

// sessionThreads splits the cores between the pooled sessions.
func sessionThreads(poolSize int) int {
	return max(1, runtime.NumCPU()/max(1, poolSize))
}

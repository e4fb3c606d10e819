package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// libraryName returns the ONNX Runtime shared library name for this OS.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

var librarySearchDirs = []string{".", "lib", "/usr/local/lib", "/usr/lib", "/opt/onnxruntime/lib"}

// resolveLibrary returns the configured library path, or the first versioned
// or unversioned copy found in the usual install locations.
func resolveLibrary(configured string, dirs []string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library %s: %w", configured, err)
		}
		return configured, nil
	}

	name := libraryName()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		// release tarballs ship libonnxruntime.so.1.20.0 and friends
		matches, _ := filepath.Glob(candidate + ".*")
		if len(matches) > 0 {
			return matches[len(matches)-1], nil
		}
	}
	return "", errors.New("onnxruntime shared library not found; set ONNXRUNTIME_LIB or model.library")
}

// initOnnxRuntime loads the shared library and initializes the environment
// shared by every session in the process.
func initOnnxRuntime(libPath string) (func(), error) {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return func() { _ = ort.DestroyEnvironment() }, nil
}

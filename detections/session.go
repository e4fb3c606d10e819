package detections

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// Run copies input into the session tensor, runs one forward pass and returns
// a copy of the raw output.
func (m *ModelSession) Run(input []float32) ([]float32, error) {
	if m.Session == nil || m.Input == nil || m.Output == nil {
		return nil, errors.New("session is not initialized")
	}

	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	raw := m.Output.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)
	return out, nil
}

// ModelInfo describes the single input and output the detector uses.
type ModelInfo struct {
	Path        string
	InputName   string
	OutputName  string
	InputShape  ort.Shape
	OutputShape ort.Shape
}

// inspectModel reads the graph signature and fills in dynamic dimensions for
// a square input of the given size.
func inspectModel(path string, size int) (*ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", path)
	}

	inputShape, err := resolveInputShape(inputs[0].Dimensions, size)
	if err != nil {
		return nil, err
	}
	outputShape, err := resolveOutputShape(outputs[0].Dimensions, size)
	if err != nil {
		return nil, err
	}

	return &ModelInfo{
		Path:        path,
		InputName:   inputs[0].Name,
		OutputName:  outputs[0].Name,
		InputShape:  inputShape,
		OutputShape: outputShape,
	}, nil
}

func resolveInputShape(dims ort.Shape, size int) (ort.Shape, error) {
	if len(dims) != 4 {
		return nil, fmt.Errorf("expected a 4D image input, got %v", dims)
	}
	want := ort.NewShape(1, 3, int64(size), int64(size))
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return nil, fmt.Errorf("model input %v does not match configured size %d", dims, size)
		}
	}
	return want, nil
}

// anchorCount is the number of grid cells over the 8/16/32 stride heads.
func anchorCount(size int) int64 {
	var n int64
	for _, stride := range []int{8, 16, 32} {
		cells := int64(size / stride)
		n += cells * cells
	}
	return n
}

func resolveOutputShape(dims ort.Shape, size int) (ort.Shape, error) {
	if len(dims) != 3 {
		return nil, fmt.Errorf("expected a 3D detection output, got %v", dims)
	}
	out := ort.NewShape(1, dims[1], dims[2])

	switch {
	case dims[1] > 0 && dims[2] > 0:
	case dims[1] > 0:
		out[2] = anchorCount(size)
	case dims[2] > 0:
		out[1] = anchorCount(size)
	default:
		return nil, fmt.Errorf("detection output %v has no fixed class dimension", dims)
	}
	return out, nil
}

func initSession(info *ModelInfo, device string, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	if device == DeviceCUDA {
		if err := appendCUDA(options); err != nil {
			return nil, err
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](info.InputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](info.OutputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		info.Path,
		[]string{info.InputName},
		[]string{info.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

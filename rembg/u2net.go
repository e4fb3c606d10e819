package rembg

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const u2netSize = 320

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// U2Net runs a salient-object segmentation model through ONNX Runtime.
// The runtime environment must already be initialized.
type U2Net struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewU2Net(modelPath string) (*U2Net, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, u2netSize, u2netSize))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, u2netSize, u2netSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	// only the fused mask (first output) is needed
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &U2Net{session: session, input: inputTensor, output: outputTensor}, nil
}

func (u *U2Net) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := imaging.Clone(img)
	small := imaging.Resize(src, u2netSize, u2netSize, imaging.Lanczos)

	u.mu.Lock()
	fillInput(small, u.input.GetData())
	if err := u.session.Run(); err != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("u2net inference: %w", err)
	}
	mask := maskFromPrediction(u.output.GetData(), u2netSize, u2netSize)
	u.mu.Unlock()

	b := src.Bounds()
	return Cutout(src, imaging.Resize(mask, b.Dx(), b.Dy(), imaging.Lanczos)), nil
}

func (u *U2Net) Destroy() {
	if u.session != nil {
		u.session.Destroy()
	}
	if u.input != nil {
		u.input.Destroy()
	}
	if u.output != nil {
		u.output.Destroy()
	}
}

// fillInput scales by the brightest channel value, then applies ImageNet
// mean/std, writing CHW into dst.
func fillInput(img *image.NRGBA, dst []float32) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h

	var peak uint8
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				if v := row[x*4+c]; v > peak {
					peak = v
				}
			}
		}
	}
	scale := float32(peak)
	if scale < 1e-6 {
		scale = 1e-6
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			for c := 0; c < 3; c++ {
				dst[c*plane+i] = (float32(row[x*4+c])/scale - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
}

// maskFromPrediction min-max normalizes the saliency map into an 8-bit mask.
func maskFromPrediction(pred []float32, w, h int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, w, h))
	n := w * h
	if len(pred) < n || n == 0 {
		return mask
	}

	lo, hi := pred[0], pred[0]
	for _, v := range pred[:n] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if span <= 0 {
		return mask
	}

	for i, v := range pred[:n] {
		mask.Pix[i] = uint8((v-lo)/span*255 + 0.5)
	}
	return mask
}

// Cutout scales every channel of src, alpha included, by the mask so removed
// areas end up black and transparent.
func Cutout(src *image.NRGBA, mask *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	mb := mask.Bounds()

	for y := 0; y < b.Dy() && y < mb.Dy(); y++ {
		srow := src.Pix[y*src.Stride:]
		mrow := mask.Pix[y*mask.Stride:]
		drow := dst.Pix[y*dst.Stride:]
		for x := 0; x < b.Dx() && x < mb.Dx(); x++ {
			a := uint32(mrow[x*4])
			for c := 0; c < 4; c++ {
				drow[x*4+c] = uint8((uint32(srow[x*4+c])*a + 127) / 255)
			}
		}
	}
	return dst
}

package normalize

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

func encode(t *testing.T, img image.Image, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

// withOrientation inserts an EXIF APP1 segment carrying the orientation tag
// right after the JPEG SOI marker.
func withOrientation(jpeg []byte, orientation byte) []byte {
	app1 := []byte{
		0xFF, 0xE1, 0x00, 0x22,
		'E', 'x', 'i', 'f', 0x00, 0x00,
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x01,
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, orientation, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	out := append([]byte{}, jpeg[:2]...)
	out = append(out, app1...)
	return append(out, jpeg[2:]...)
}

func TestCheckUpload(t *testing.T) {
	png := encode(t, imaging.New(8, 8, color.White), imaging.PNG)

	testCases := []struct {
		name    string
		up      Upload
		max     int64
		wantErr error
	}{
		{name: "valid png", up: Upload{Data: png, ContentType: "image/png"}, max: 1 << 20},
		{name: "content type with params", up: Upload{Data: png, ContentType: "Image/PNG; q=1"}, max: 1 << 20},
		{name: "octet-stream sniffed as image", up: Upload{Data: png, ContentType: "application/octet-stream"}, max: 1 << 20},
		{name: "missing type sniffed as image", up: Upload{Data: png}, max: 1 << 20},
		{name: "empty", up: Upload{ContentType: "image/png"}, max: 1 << 20, wantErr: models.ErrInvalidImage},
		{name: "declared non-image", up: Upload{Data: png, ContentType: "text/plain"}, max: 1 << 20, wantErr: models.ErrInvalidImage},
		{name: "sniffed non-image", up: Upload{Data: []byte("hello, world")}, max: 1 << 20, wantErr: models.ErrInvalidImage},
		{name: "valid image over ceiling", up: Upload{Data: png, ContentType: "image/png"}, max: int64(len(png) - 1), wantErr: models.ErrPayloadTooLarge},
		{name: "exactly at ceiling", up: Upload{Data: png, ContentType: "image/png"}, max: int64(len(png))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckUpload(tc.up, tc.max)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDecode(t *testing.T) {
	_, err := Decode([]byte("not an image at all"), 0)
	assert.ErrorIs(t, err, models.ErrInvalidImage)

	img, err := Decode(encode(t, imaging.New(4, 2, color.White), imaging.PNG), 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
}

// pngHeaderOnly is a PNG signature plus an IHDR chunk for a w x h grayscale
// image. It carries no pixel data, so only the header can be read.
func pngHeaderOnly(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth

	chunk := append([]byte("IHDR"), ihdr...)
	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(ihdr)))
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func TestDecode_PixelCeiling(t *testing.T) {
	_, err := Decode(pngHeaderOnly(40000, 40000), 0)
	assert.ErrorIs(t, err, models.ErrPayloadTooLarge)

	_, err = Decode(pngHeaderOnly(10000, 9000), 0)
	assert.ErrorIs(t, err, models.ErrPayloadTooLarge)

	png := encode(t, imaging.New(100, 100, color.White), imaging.PNG)
	_, err = Decode(png, 5000)
	assert.ErrorIs(t, err, models.ErrPayloadTooLarge)

	img, err := Decode(png, 100*100)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
}

func TestNormalizer_RejectsHugeDimensions(t *testing.T) {
	n := New(Options{Size: 32, MaxBytes: 1 << 20, Sharpen: true, Resize: ResizePad}, nil, nil)
	assert.Equal(t, int64(DefaultMaxPixels), n.Options().MaxPixels)

	_, err := n.Normalize(context.Background(), Upload{Data: pngHeaderOnly(40000, 40000), ContentType: "image/png"}, nil)
	assert.ErrorIs(t, err, models.ErrPayloadTooLarge)
}

func TestDecode_AppliesEXIFOrientation(t *testing.T) {
	jpeg := encode(t, imaging.New(4, 2, color.White), imaging.JPEG)

	img, err := Decode(withOrientation(jpeg, 6), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	img, err = Decode(withOrientation(jpeg, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

func TestUnsharpMask(t *testing.T) {
	flat := imaging.New(6, 6, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
	out := UnsharpMask(flat, SharpenRadius, SharpenPercent, SharpenThreshold)
	assert.Equal(t, flat.Pix, out.Pix, "flat images have nothing to sharpen")

	edge := imaging.New(8, 8, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	edge = imaging.Paste(edge, imaging.New(4, 8, color.NRGBA{R: 160, G: 160, B: 160, A: 255}), image.Pt(4, 0))
	out = UnsharpMask(edge, SharpenRadius, SharpenPercent, SharpenThreshold)

	dark := out.NRGBAAt(3, 4)
	bright := out.NRGBAAt(4, 4)
	assert.Less(t, dark.R, uint8(100), "dark side of the edge gets darker")
	assert.Greater(t, bright.R, uint8(160), "bright side of the edge gets brighter")
	assert.Equal(t, uint8(255), bright.A)
}

func TestUnsharpMask_ThresholdIsExclusive(t *testing.T) {
	edge := imaging.New(8, 8, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	edge = imaging.Paste(edge, imaging.New(4, 8, color.NRGBA{R: 160, G: 160, B: 160, A: 255}), image.Pt(4, 0))

	blurred := imaging.Blur(edge, SharpenRadius)
	largest := 0
	for i := 0; i < len(edge.Pix); i += 4 {
		largest = max(largest, abs(int(edge.Pix[i])-int(blurred.Pix[i])))
	}
	require.Greater(t, largest, 0)

	// differences equal to the threshold are left alone
	out := UnsharpMask(edge, SharpenRadius, SharpenPercent, largest)
	assert.Equal(t, edge.Pix, out.Pix)

	out = UnsharpMask(edge, SharpenRadius, SharpenPercent, largest-1)
	assert.NotEqual(t, edge.Pix, out.Pix)
}

func TestSquare_Pad(t *testing.T) {
	red := imaging.New(100, 50, color.NRGBA{R: 255, A: 255})
	out := Square(red, 64, ResizePad)

	require.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	top := out.NRGBAAt(32, 5)
	mid := out.NRGBAAt(32, 32)
	bottom := out.NRGBAAt(32, 60)
	assert.Equal(t, color.NRGBA{A: 255}, top)
	assert.Equal(t, color.NRGBA{A: 255}, bottom)
	assert.Greater(t, mid.R, uint8(250))
}

func TestSquare_PadUpscales(t *testing.T) {
	small := imaging.New(10, 20, color.NRGBA{G: 255, A: 255})
	out := Square(small, 64, ResizePad)

	require.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	assert.Greater(t, out.NRGBAAt(32, 2).G, uint8(250), "tall image fills the height")
	assert.Equal(t, uint8(0), out.NRGBAAt(2, 32).G, "side bars stay black")
}

func TestSquare_Stretch(t *testing.T) {
	red := imaging.New(100, 50, color.NRGBA{R: 255, A: 255})
	out := Square(red, 64, ResizeStretch)

	require.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	assert.Greater(t, out.NRGBAAt(32, 2).R, uint8(250))
}

func TestParseResizeMode(t *testing.T) {
	mode, err := ParseResizeMode("stretch")
	require.NoError(t, err)
	assert.Equal(t, ResizeStretch, mode)

	mode, err = ParseResizeMode("")
	require.NoError(t, err)
	assert.Equal(t, ResizePad, mode)

	_, err = ParseResizeMode("crop")
	assert.Error(t, err)
}

func TestToRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Pix = []uint8{10, 20, 30, 0}

	out := ToRGB(img)
	assert.Equal(t, []uint8{10, 20, 30, 255}, out.Pix)
	assert.Equal(t, uint8(0), img.Pix[3], "input is not modified")
}

func TestToTensor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Pix = []uint8{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 51, 102, 153, 255,
	}

	got := ToTensor(img)
	want := []float32{
		1, 0, 0, 0.2,
		0, 1, 0, 0.4,
		0, 0, 1, 0.6,
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "index %d", i)
	}
}

type failingRemover struct{ calls int }

func (f *failingRemover) Remove(context.Context, image.Image) (image.Image, error) {
	f.calls++
	return nil, errors.New("u2net unavailable")
}

func TestNormalizer_Normalize(t *testing.T) {
	data := encode(t, imaging.New(120, 80, color.NRGBA{R: 200, G: 180, B: 40, A: 255}), imaging.JPEG)
	remover := &failingRemover{}
	n := New(Options{Size: 64, MaxBytes: 1 << 20, Sharpen: true, Resize: ResizePad}, remover, nil)

	timings := &models.ProcessingTimings{}
	out, err := n.Normalize(context.Background(), Upload{Data: data, ContentType: "image/jpeg"}, timings)
	require.NoError(t, err)

	assert.Equal(t, 1, remover.calls)
	assert.False(t, out.BackgroundRemoved)
	assert.Error(t, out.BackgroundErr)
	assert.Equal(t, [4]int64{1, 3, 64, 64}, out.Shape)
	assert.Len(t, out.Tensor, 3*64*64)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Image.Bounds())
	assert.True(t, n.BackgroundRemoval())

	again, err := n.Normalize(context.Background(), Upload{Data: data, ContentType: "image/jpeg"}, nil)
	require.NoError(t, err)
	assert.Equal(t, out.Tensor, again.Tensor, "same bytes give the same tensor")
}

func TestNormalizer_BackgroundApplied(t *testing.T) {
	data := encode(t, imaging.New(32, 32, color.White), imaging.PNG)
	n := New(Options{Size: 32, MaxBytes: 1 << 20, Resize: ResizeStretch}, removeAll{}, nil)
	out, err := n.Normalize(context.Background(), Upload{Data: data, ContentType: "image/png"}, nil)
	require.NoError(t, err)

	assert.True(t, out.BackgroundRemoved)
	assert.NoError(t, out.BackgroundErr)
	for _, v := range out.Tensor {
		require.Zero(t, v, "removed background is black after RGB conversion")
	}
}

type removeAll struct{}

func (removeAll) Remove(_ context.Context, img image.Image) (image.Image, error) {
	b := img.Bounds()
	return imaging.New(b.Dx(), b.Dy(), color.NRGBA{}), nil
}

func TestNormalizer_Rejects(t *testing.T) {
	png := encode(t, imaging.New(16, 16, color.White), imaging.PNG)
	n := New(Options{Size: 32, MaxBytes: 64, Resize: ResizePad}, nil, nil)

	_, err := n.Normalize(context.Background(), Upload{Data: png, ContentType: "image/png"}, nil)
	if len(png) > 64 {
		assert.ErrorIs(t, err, models.ErrPayloadTooLarge)
	}

	_, err = n.Normalize(context.Background(), Upload{Data: []byte("GIF89a-but-not-really"), ContentType: "image/gif"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidImage)

	_, err = n.Normalize(context.Background(), Upload{Data: []byte("x"), ContentType: "text/csv"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidImage)

	assert.False(t, n.BackgroundRemoval())
}

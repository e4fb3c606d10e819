package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

// channelsFirst builds a [1, 4+classes, anchors] tensor.
type channelsFirst struct {
	classes, anchors int
	data             []float32
}

func newChannelsFirst(classes, anchors int) *channelsFirst {
	return &channelsFirst{classes: classes, anchors: anchors, data: make([]float32, (4+classes)*anchors)}
}

func (c *channelsFirst) set(anchor int, cx, cy, w, h float32, scores ...float32) {
	for ch, v := range append([]float32{cx, cy, w, h}, scores...) {
		c.data[ch*c.anchors+anchor] = v
	}
}

func TestDecoder_ChannelsFirst(t *testing.T) {
	out := newChannelsFirst(2, 10)
	out.set(3, 100, 100, 40, 20, 0.1, 0.9)
	out.set(5, 102, 101, 40, 20, 0.0, 0.8) // overlaps anchor 3, same class
	out.set(7, 100, 100, 40, 20, 0.7, 0.0) // same box, other class
	out.set(8, 300, 300, 10, 10, 0.25, 0)  // not above the threshold
	out.set(9, 630, 5, 40, 20, 0.5, 0)     // crosses the border

	d, err := NewDecoder([]int64{1, 6, 10}, 640, ConfThreshold, IouThreshold)
	require.NoError(t, err)
	assert.Equal(t, LayoutChannelsFirst, d.Layout())
	assert.Equal(t, 2, d.NumClasses())

	got, err := d.Decode(out.data)
	require.NoError(t, err)

	want := []models.Detection{
		{BBox: [4]float32{80, 90, 120, 110}, Confidence: 0.9, ClassID: 1},
		{BBox: [4]float32{80, 90, 120, 110}, Confidence: 0.7, ClassID: 0},
		{BBox: [4]float32{610, 0, 640, 15}, Confidence: 0.5, ClassID: 0},
	}
	assert.Equal(t, want, got)

	again, err := d.Decode(out.data)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestDecoder_AnchorsFirst(t *testing.T) {
	const classes, anchors = 2, 10
	data := make([]float32, anchors*(5+classes))
	row := func(i int, vals ...float32) { copy(data[i*(5+classes):], vals) }

	row(0, 320, 320, 64, 64, 0.9, 0.2, 0.95) // 0.9*0.95
	row(1, 50, 50, 10, 10, 0.2, 1, 1)        // objectness too low
	row(2, 50, 50, 10, 10, 0.5, 0.4, 0.1)    // 0.5*0.4 = 0.2 too low

	d, err := NewDecoder([]int64{1, anchors, 5 + classes}, 640, ConfThreshold, IouThreshold)
	require.NoError(t, err)
	assert.Equal(t, LayoutAnchorsFirst, d.Layout())

	got, err := d.Decode(data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 0.855, got[0].Confidence, 1e-6)
	assert.Equal(t, [4]float32{288, 288, 352, 352}, got[0].BBox)
}

func TestDecoder_EmptyAndErrors(t *testing.T) {
	d, err := NewDecoder([]int64{1, 6, 10}, 640, ConfThreshold, IouThreshold)
	require.NoError(t, err)

	got, err := d.Decode(make([]float32, 60))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = d.Decode(make([]float32, 59))
	assert.Error(t, err)

	_, err = NewDecoder([]int64{1, 4, 10}, 640, ConfThreshold, IouThreshold)
	assert.Error(t, err)
	_, err = NewDecoder([]int64{2, 6, 10}, 640, ConfThreshold, IouThreshold)
	assert.Error(t, err)
}

func TestNonMaxSuppression_MaxDetections(t *testing.T) {
	cands := make([]candidate, 0, 5)
	for i := 0; i < 5; i++ {
		x := float32(i * 100)
		cands = append(cands, candidate{det: models.Detection{
			BBox:       [4]float32{x, 0, x + 50, 50},
			Confidence: 0.9 - float32(i)*0.1,
		}, anchor: i})
	}

	kept := nonMaxSuppression(cands, IouThreshold, 3)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0), kept[0].BBox[0])
	assert.Equal(t, float32(200), kept[2].BBox[0])
}

func TestCalculateIOU(t *testing.T) {
	testCases := []struct {
		name string
		a, b [4]float32
		want float32
	}{
		{name: "identical", a: [4]float32{0, 0, 10, 10}, b: [4]float32{0, 0, 10, 10}, want: 1},
		{name: "disjoint", a: [4]float32{0, 0, 10, 10}, b: [4]float32{20, 20, 30, 30}, want: 0},
		{name: "touching", a: [4]float32{0, 0, 10, 10}, b: [4]float32{10, 0, 20, 10}, want: 0},
		{name: "half overlap", a: [4]float32{0, 0, 10, 10}, b: [4]float32{5, 0, 15, 10}, want: 50.0 / 150.0},
		{name: "degenerate", a: [4]float32{0, 0, 0, 0}, b: [4]float32{0, 0, 0, 0}, want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, calculateIOU(tc.a, tc.b), 1e-6)
		})
	}
}

func TestResolveShapes(t *testing.T) {
	assert.Equal(t, int64(8400), anchorCount(640))
	assert.Equal(t, int64(2100), anchorCount(320))

	in, err := resolveInputShape(ort.NewShape(-1, 3, -1, -1), 320)
	require.NoError(t, err)
	assert.Equal(t, ort.NewShape(1, 3, 320, 320), in)

	_, err = resolveInputShape(ort.NewShape(1, 3, 640, 640), 320)
	assert.Error(t, err)
	_, err = resolveInputShape(ort.NewShape(1, 3, 640), 640)
	assert.Error(t, err)

	out, err := resolveOutputShape(ort.NewShape(1, 84, -1), 640)
	require.NoError(t, err)
	assert.Equal(t, ort.NewShape(1, 84, 8400), out)

	out, err = resolveOutputShape(ort.NewShape(-1, 6, 8400), 640)
	require.NoError(t, err)
	assert.Equal(t, ort.NewShape(1, 6, 8400), out)

	_, err = resolveOutputShape(ort.NewShape(1, -1, -1), 640)
	assert.Error(t, err)
}

func TestModelSession_RunUninitialized(t *testing.T) {
	s := &ModelSession{}
	_, err := s.Run(make([]float32, 3))
	assert.Error(t, err)
	s.Destroy()
}

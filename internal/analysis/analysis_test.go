package analysis

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"edgedetect/internal/edge"
)

func halfAndHalf(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 10, 10, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&m, image.Rect(5, 0, 10, 10), color.RGBA{200, 200, 200, 0}, -1)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAnalyze(t *testing.T) {
	rep, err := Analyze(halfAndHalf(t))
	require.NoError(t, err)

	assert.Equal(t, Dimensions{Width: 10, Height: 10, Channels: 3}, rep.Dimensions)
	assert.InDelta(t, 100, rep.Statistics.Mean, 0.01)
	assert.InDelta(t, 100, rep.Statistics.Std, 0.01)
	assert.Equal(t, 0.0, rep.Statistics.Min)
	assert.Equal(t, 200.0, rep.Statistics.Max)
	assert.Equal(t, 200.0, rep.Statistics.Contrast)

	require.Len(t, rep.Histogram.Values, HistogramBins)
	assert.Equal(t, 256, rep.Histogram.Bins)
	assert.Equal(t, 50.0, rep.Histogram.Values[0])
	assert.Equal(t, 50.0, rep.Histogram.Values[200])

	var total float64
	for _, v := range rep.Histogram.Values {
		total += v
	}
	assert.Equal(t, 100.0, total)
}

func TestAnalyzeEmpty(t *testing.T) {
	m := gocv.NewMat()
	defer m.Close()
	_, err := Analyze(m)
	assert.ErrorIs(t, err, edge.ErrInvalidImage)
}

func TestEdgeDensity(t *testing.T) {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 4, 5, gocv.MatTypeCV8UC1)
	defer m.Close()
	assert.Equal(t, 0.0, EdgeDensity(m))
	m.SetUCharAt(0, 0, 255)
	m.SetUCharAt(3, 4, 1)
	assert.InDelta(t, 0.1, EdgeDensity(m), 1e-9)
}

func TestDensities(t *testing.T) {
	run, err := edge.Process(halfAndHalf(t), edge.DefaultParams())
	require.NoError(t, err)
	defer run.Close()

	d := Densities(run)
	require.Len(t, d, 3)
	for name, v := range d {
		assert.Greater(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}

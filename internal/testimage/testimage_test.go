package testimage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

func TestDrawShapes(t *testing.T) {
	img := Draw()
	defer img.Close()

	require.Equal(t, Height, img.Rows())
	require.Equal(t, Width, img.Cols())

	// BGR samples at shape interiors
	cases := []struct {
		name    string
		x, y    int
		b, g, r uint8
	}{
		{"background", 580, 20, 255, 255, 255},
		{"rectangle", 125, 100, 0, 0, 255},
		{"circle", 350, 100, 0, 255, 0},
		{"triangle", 450, 130, 255, 0, 0},
		{"ellipse", 150, 280, 255, 255, 0},
		{"pentagon", 470, 270, 255, 0, 255},
		{"rectangle border", 50, 100, 0, 0, 0},
	}
	for _, tc := range cases {
		px := img.GetVecbAt(tc.y, tc.x)
		assert.Equal(t, []uint8{tc.b, tc.g, tc.r}, []uint8(px), tc.name)
	}
}

func TestWriteAndDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input", "shapes.png")
	require.NoError(t, Write(path, codec.DefaultQuality))

	m, err := codec.ReadFile(path)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, Width, m.Cols())

	run, err := edge.Process(m, edge.DefaultParams())
	require.NoError(t, err)
	defer run.Close()
	canny, err := run.Output(edge.StageCanny)
	require.NoError(t, err)
	assert.Positive(t, gocv.CountNonZero(canny))
}

func TestWriteRejectsUnknownExtension(t *testing.T) {
	assert.Error(t, Write(filepath.Join(t.TempDir(), "shapes.gifv"), 90))
}

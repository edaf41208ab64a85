package sheet

import (
	"bytes"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

func TestGridLayout(t *testing.T) {
	red := imaging.New(40, 20, color.NRGBA{255, 0, 0, 255})
	blue := imaging.New(20, 40, color.NRGBA{0, 0, 255, 255})

	out, err := Grid([]image.Image{red, blue, red, blue, red}, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 20), out.Bounds())

	// first tile is a letterboxed red strip centred vertically
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, out.NRGBAAt(5, 0))
	assert.Equal(t, uint8(0), out.NRGBAAt(5, 5).G)
	// fifth tile wraps to the second row
	assert.Equal(t, uint8(0), out.NRGBAAt(5, 15).G)
}

func TestGridRejectsEmpty(t *testing.T) {
	_, err := Grid(nil, 4, 10)
	assert.Error(t, err)
}

func TestFromRunAndSave(t *testing.T) {
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 60, 80, gocv.MatTypeCV8UC3)
	defer src.Close()
	run, err := edge.Process(src, edge.DefaultParams())
	require.NoError(t, err)
	defer run.Close()

	img, err := FromRun(run, 32)
	require.NoError(t, err)
	// source plus seven stages fill two rows of four
	assert.Equal(t, image.Rect(0, 0, 4*32, 2*32), img.Bounds())

	path := filepath.Join(t.TempDir(), "sheet.png")
	require.NoError(t, Save(path, img, 90))

	back, err := FromFiles([]string{path}, 16)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4*16, 16), back.Bounds())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img, codec.PNG, 90))
	decoded, err := codec.Decode(buf.Bytes())
	require.NoError(t, err)
	defer decoded.Close()
	assert.Equal(t, 64, decoded.Rows())

	m, err := ToMat(img)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 64, m.Rows())
	assert.Equal(t, 128, m.Cols())
}

// Package testimage draws the synthetic shapes image used to try the
// detectors without a photo at hand.
package testimage

import (
	"image"
	"image/color"
	"path/filepath"

	"gocv.io/x/gocv"

	"edgedetect/internal/codec"
)

const (
	Width  = 600
	Height = 400
)

// DefaultPath is where the CLI writes the image unless told otherwise.
const DefaultPath = "input/test_image.jpg"

var (
	black   = color.RGBA{A: 255}
	red     = color.RGBA{R: 255, A: 255}
	green   = color.RGBA{G: 255, A: 255}
	blue    = color.RGBA{B: 255, A: 255}
	cyan    = color.RGBA{G: 255, B: 255, A: 255}
	magenta = color.RGBA{R: 255, B: 255, A: 255}
)

const (
	filled = -1
	border = 3
)

var (
	triangle = []image.Point{{450, 50}, {550, 150}, {350, 150}}
	pentagon = []image.Point{{450, 250}, {500, 220}, {520, 270}, {480, 310}, {420, 290}}
)

// Draw renders the shapes on a white BGR canvas. The caller owns the result.
func Draw() gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), Height, Width, gocv.MatTypeCV8UC3)

	rect := image.Rect(50, 50, 200, 150)
	gocv.Rectangle(&img, rect, red, filled)
	gocv.Rectangle(&img, rect, black, border)

	center := image.Pt(350, 100)
	gocv.Circle(&img, center, 60, green, filled)
	gocv.Circle(&img, center, 60, black, border)

	polygon(&img, triangle, blue)

	oval, axes := image.Pt(150, 280), image.Pt(80, 50)
	gocv.Ellipse(&img, oval, axes, 0, 0, 360, cyan, filled)
	gocv.Ellipse(&img, oval, axes, 0, 0, 360, black, border)

	polygon(&img, pentagon, magenta)

	gocv.PutText(&img, "Edge Detection Test", image.Pt(170, 380), gocv.FontHersheySimplex, 1, black, 2)
	return img
}

func polygon(img *gocv.Mat, pts []image.Point, fill color.RGBA) {
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.FillPoly(img, pv, fill)
	gocv.Polylines(img, pv, true, black, border)
}

// Write draws the image and saves it to path; the format follows the
// extension.
func Write(path string, quality int) error {
	f, err := codec.ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	img := Draw()
	defer img.Close()
	return codec.WriteFile(path, img, f, quality)
}

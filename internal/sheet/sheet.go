// Package sheet lays stage outputs out as a single contact-sheet image.
package sheet

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

const (
	Columns     = 4
	DefaultTile = 320
)

var background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Grid pastes tiles left to right, top to bottom, each fitted into a
// tile x tile cell and centred.
func Grid(tiles []image.Image, cols, tile int) (*image.NRGBA, error) {
	if len(tiles) == 0 {
		return nil, errors.New("no tiles")
	}
	if cols < 1 {
		cols = Columns
	}
	if tile < 1 {
		tile = DefaultTile
	}
	rows := (len(tiles) + cols - 1) / cols
	canvas := imaging.New(cols*tile, rows*tile, background)
	for i, img := range tiles {
		fitted := imaging.Fit(img, tile, tile, imaging.Lanczos)
		b := fitted.Bounds()
		x := (i%cols)*tile + (tile-b.Dx())/2
		y := (i/cols)*tile + (tile-b.Dy())/2
		canvas = imaging.Paste(canvas, fitted, image.Pt(x, y))
	}
	return canvas, nil
}

// FromRun builds the 2x4 overview: source first, then every populated stage
// in pipeline order.
func FromRun(run *edge.Run, tile int) (*image.NRGBA, error) {
	src, err := run.Source().ToImage()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	tiles := []image.Image{src}
	for _, s := range run.Stages() {
		m, err := run.Output(s)
		if err != nil {
			return nil, err
		}
		img, err := m.ToImage()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		tiles = append(tiles, img)
	}
	return Grid(tiles, Columns, tile)
}

// FromFiles builds a sheet from images on disk, in the order given.
func FromFiles(paths []string, tile int) (*image.NRGBA, error) {
	tiles := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := imaging.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", filepath.Base(p), err)
		}
		tiles = append(tiles, img)
	}
	return Grid(tiles, Columns, tile)
}

// Save writes img; the format follows the path extension.
func Save(path string, img image.Image, quality int) error {
	return imaging.Save(img, path, imaging.JPEGQuality(quality))
}

// Encode writes img to w in format f.
func Encode(w io.Writer, img image.Image, f codec.Format, quality int) error {
	var format imaging.Format
	switch f {
	case codec.PNG:
		format = imaging.PNG
	case codec.BMP:
		format = imaging.BMP
	case codec.TIFF:
		format = imaging.TIFF
	default:
		format = imaging.JPEG
	}
	return imaging.Encode(w, img, format, imaging.JPEGQuality(quality))
}

// ToMat converts a sheet into a BGR matrix for display.
func ToMat(img image.Image) (gocv.Mat, error) {
	return gocv.ImageToMatRGB(img)
}

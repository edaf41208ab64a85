// Package analysis computes image statistics used by the analyze and compare
// endpoints.
package analysis

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"edgedetect/internal/edge"
)

// HistogramBins is the number of intensity buckets.
const HistogramBins = 256

type Dimensions struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// Brightness summarises grayscale intensity. Std is the population standard
// deviation; Contrast is Max-Min.
type Brightness struct {
	Mean     float64 `json:"mean_brightness"`
	Std      float64 `json:"std_brightness"`
	Min      float64 `json:"min_brightness"`
	Max      float64 `json:"max_brightness"`
	Contrast float64 `json:"contrast"`
}

type Histogram struct {
	Bins   int       `json:"bins"`
	Values []float64 `json:"values"`
}

// Report is the full analysis of one image.
type Report struct {
	Dimensions Dimensions `json:"dimensions"`
	Statistics Brightness `json:"statistics"`
	Histogram  Histogram  `json:"histogram"`
}

// Analyze reports dimensions, brightness and histogram of src.
func Analyze(src gocv.Mat) (Report, error) {
	if src.Empty() {
		return Report{}, fmt.Errorf("%w: empty source", edge.ErrInvalidImage)
	}
	gray, err := toGray(src)
	if err != nil {
		return Report{}, err
	}
	defer gray.Close()

	hist, err := GrayHistogram(gray)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Dimensions: Dimensions{Width: src.Cols(), Height: src.Rows(), Channels: src.Channels()},
		Statistics: GrayBrightness(gray),
		Histogram:  Histogram{Bins: HistogramBins, Values: hist},
	}, nil
}

// GrayBrightness computes brightness statistics of a single-channel 8-bit image.
func GrayBrightness(gray gocv.Mat) Brightness {
	px := pixels(gray)
	if len(px) == 0 {
		return Brightness{}
	}
	mean, variance := stat.PopMeanVariance(px, nil)
	lo, hi := floats.Min(px), floats.Max(px)
	return Brightness{
		Mean:     mean,
		Std:      math.Sqrt(variance),
		Min:      lo,
		Max:      hi,
		Contrast: hi - lo,
	}
}

// GrayHistogram returns the 256-bin intensity histogram of gray.
func GrayHistogram(gray gocv.Mat) ([]float64, error) {
	hist := gocv.NewMat()
	defer hist.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	if err := gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{HistogramBins}, []float64{0, 256}, false); err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	values := make([]float64, HistogramBins)
	for i := range values {
		values[i] = float64(hist.GetFloatAt(i, 0))
	}
	return values, nil
}

// EdgeDensity is the fraction of non-zero samples in m.
func EdgeDensity(m gocv.Mat) float64 {
	total := m.Rows() * m.Cols()
	if total == 0 {
		return 0
	}
	return float64(gocv.CountNonZero(m)) / float64(total)
}

// Densities reports the edge density of the detector outputs present in run,
// keyed by algorithm name.
func Densities(run *edge.Run) map[string]float64 {
	out := make(map[string]float64, 3)
	for name, stage := range map[string]edge.Stage{
		"sobel":     edge.StageSobelCombined,
		"laplacian": edge.StageLaplacian,
		"canny":     edge.StageCanny,
	} {
		if m, err := run.Output(stage); err == nil {
			out[name] = EdgeDensity(m)
		}
	}
	return out
}

func toGray(src gocv.Mat) (gocv.Mat, error) {
	gray := gocv.NewMat()
	var err error
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		err = gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		err = gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	if err != nil {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("grayscale: %w", err)
	}
	return gray, nil
}

func pixels(gray gocv.Mat) []float64 {
	if !gray.IsContinuous() {
		c := gray.Clone()
		defer c.Close()
		gray = c
	}
	raw := gray.ToBytes()
	px := make([]float64, len(raw))
	for i, b := range raw {
		px[i] = float64(b)
	}
	return px
}

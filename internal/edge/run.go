// Package edge implements the edge-detection pipeline: grayscale conversion,
// Gaussian blur, then Sobel, Laplacian and Canny over the blurred image.
//
// A Run owns one source image and every stage output derived from it. Runs
// are not safe for concurrent use; callers process independent images on
// independent Runs.
package edge

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"edgedetect/internal/codec"
)

// Run holds the source image, the stage outputs produced so far and the
// parameters they were produced with.
type Run struct {
	source  gocv.Mat
	outputs map[Stage]gocv.Mat
	params  Params
	observe Observer
}

// NewRun copies src into a new Run. The caller keeps ownership of src.
func NewRun(src gocv.Mat) (*Run, error) {
	if err := checkSource(src); err != nil {
		return nil, err
	}
	return newRun(src.Clone()), nil
}

// DecodeRun decodes data and starts a Run over it.
func DecodeRun(data []byte) (*Run, error) {
	m, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if err := checkSource(m); err != nil {
		m.Close()
		return nil, err
	}
	return newRun(m), nil
}

// Process runs every stage over src with p.
func Process(src gocv.Mat, p Params) (*Run, error) {
	r, err := NewRun(src)
	if err != nil {
		return nil, err
	}
	if err := r.Execute(p); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func newRun(owned gocv.Mat) *Run {
	return &Run{source: owned, outputs: make(map[Stage]gocv.Mat, len(allStages))}
}

func checkSource(src gocv.Mat) error {
	if src.Empty() || src.Rows() == 0 || src.Cols() == 0 {
		return fmt.Errorf("%w: empty source", ErrInvalidImage)
	}
	switch src.Type() {
	case gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC3, gocv.MatTypeCV8UC4:
		return nil
	}
	return fmt.Errorf("%w: unsupported matrix type %v", ErrInvalidImage, src.Type())
}

// Source returns the source image. It must not be modified or closed.
func (r *Run) Source() gocv.Mat { return r.source }

// Params returns the parameters recorded by the stages that have run.
func (r *Run) Params() Params { return r.params }

// Execute validates p and runs every stage in pipeline order. Outputs from
// stages that completed before a failure stay available.
func (r *Run) Execute(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	steps := []struct {
		stage Stage
		run   func() error
	}{
		{StageGrayscale, r.Grayscale},
		{StageBlurred, func() error { return r.Blur(p.BlurKernel, p.Sigma) }},
		{StageSobelCombined, func() error { return r.Sobel(p.SobelKernel) }},
		{StageLaplacian, func() error { return r.Laplacian(p.LaplacianKernel) }},
		{StageCanny, func() error { return r.Canny(p.CannyLow, p.CannyHigh) }},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.run(); err != nil {
			return err
		}
		if r.observe != nil {
			r.observe(step.stage, time.Since(start))
		}
	}
	return nil
}

// Observer receives the wall time of each completed step. The Sobel trio is
// reported once, as StageSobelCombined.
type Observer func(stage Stage, elapsed time.Duration)

// Observe installs fn for subsequent Execute calls. nil removes it.
func (r *Run) Observe(fn Observer) { r.observe = fn }

// Compute runs only what stage needs. StageSobelX, StageSobelY and
// StageSobelCombined are produced together.
func (r *Run) Compute(stage Stage, p Params) error {
	if stage.rank() < 0 {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if err := r.Grayscale(); err != nil {
		return err
	}
	if stage == StageGrayscale {
		return nil
	}
	if err := r.Blur(p.BlurKernel, p.Sigma); err != nil {
		return err
	}
	switch stage {
	case StageSobelX, StageSobelY, StageSobelCombined:
		return r.Sobel(p.SobelKernel)
	case StageLaplacian:
		return r.Laplacian(p.LaplacianKernel)
	case StageCanny:
		return r.Canny(p.CannyLow, p.CannyHigh)
	}
	return nil
}

// Grayscale converts the source to a single intensity channel. A
// single-channel source is copied.
func (r *Run) Grayscale() error {
	dst := gocv.NewMat()
	var err error
	switch r.source.Channels() {
	case 1:
		r.source.CopyTo(&dst)
	case 4:
		err = gocv.CvtColor(r.source, &dst, gocv.ColorBGRAToGray)
	default:
		err = gocv.CvtColor(r.source, &dst, gocv.ColorBGRToGray)
	}
	if err != nil {
		dst.Close()
		return fmt.Errorf("grayscale: %w", err)
	}
	r.put(StageGrayscale, dst)
	return nil
}

// Blur smooths the grayscale output with a Gaussian kernel.
func (r *Run) Blur(kernel Kernel, sigma float64) error {
	if err := validateBlur(kernel, sigma); err != nil {
		return err
	}
	src, err := r.input(StageBlurred)
	if err != nil {
		return err
	}
	dst := gocv.NewMat()
	if err := gocv.GaussianBlur(src, &dst, image.Pt(kernel.Width, kernel.Height), sigma, sigma, gocv.BorderDefault); err != nil {
		dst.Close()
		return fmt.Errorf("blur: %w", err)
	}
	r.params.BlurKernel = kernel
	r.params.Sigma = sigma
	r.put(StageBlurred, dst)
	return nil
}

// Sobel produces sobel_x, sobel_y and their equal-weight blend. Gradients are
// taken in float64, made absolute and saturated to 8 bits.
func (r *Run) Sobel(ksize int) error {
	if err := validateSobel(ksize); err != nil {
		return err
	}
	src, err := r.input(StageSobelX)
	if err != nil {
		return err
	}
	gx, err := absDerivative(src, 1, 0, ksize)
	if err != nil {
		return fmt.Errorf("sobel x: %w", err)
	}
	gy, err := absDerivative(src, 0, 1, ksize)
	if err != nil {
		gx.Close()
		return fmt.Errorf("sobel y: %w", err)
	}
	combined := gocv.NewMat()
	if err := gocv.AddWeighted(gx, 0.5, gy, 0.5, 0, &combined); err != nil {
		gx.Close()
		gy.Close()
		combined.Close()
		return fmt.Errorf("sobel combined: %w", err)
	}
	r.params.SobelKernel = ksize
	r.put(StageSobelX, gx)
	r.put(StageSobelY, gy)
	r.put(StageSobelCombined, combined)
	return nil
}

func absDerivative(src gocv.Mat, dx, dy, ksize int) (gocv.Mat, error) {
	grad := gocv.NewMat()
	defer grad.Close()
	if err := gocv.Sobel(src, &grad, gocv.MatTypeCV64F, dx, dy, ksize, 1, 0, gocv.BorderDefault); err != nil {
		return gocv.NewMat(), err
	}
	return toUint8Abs(grad)
}

// Laplacian applies the second-derivative operator to the blurred output.
func (r *Run) Laplacian(ksize int) error {
	if err := validateLaplacian(ksize); err != nil {
		return err
	}
	src, err := r.input(StageLaplacian)
	if err != nil {
		return err
	}
	lap := gocv.NewMat()
	defer lap.Close()
	if err := gocv.Laplacian(src, &lap, gocv.MatTypeCV64F, ksize, 1, 0, gocv.BorderDefault); err != nil {
		return fmt.Errorf("laplacian: %w", err)
	}
	dst, err := toUint8Abs(lap)
	if err != nil {
		return fmt.Errorf("laplacian: %w", err)
	}
	r.params.LaplacianKernel = ksize
	r.put(StageLaplacian, dst)
	return nil
}

// Canny runs hysteresis edge detection on the blurred output. Thresholds
// must satisfy 0 <= low <= high <= 255.
func (r *Run) Canny(low, high int) error {
	if err := validateCanny(low, high); err != nil {
		return err
	}
	src, err := r.input(StageCanny)
	if err != nil {
		return err
	}
	dst := gocv.NewMat()
	if err := gocv.Canny(src, &dst, float32(low), float32(high)); err != nil {
		dst.Close()
		return fmt.Errorf("canny: %w", err)
	}
	r.params.CannyLow = low
	r.params.CannyHigh = high
	r.put(StageCanny, dst)
	return nil
}

func toUint8Abs(src gocv.Mat) (gocv.Mat, error) {
	dst := gocv.NewMat()
	if err := gocv.ConvertScaleAbs(src, &dst, 1, 0); err != nil {
		dst.Close()
		return gocv.NewMat(), err
	}
	return dst, nil
}

// Output returns the image produced by stage. The Run keeps ownership.
func (r *Run) Output(stage Stage) (gocv.Mat, error) {
	m, ok := r.outputs[stage]
	if !ok {
		return gocv.Mat{}, fmt.Errorf("%w: %s", ErrStageNotReady, stage)
	}
	return m, nil
}

// Has reports whether stage has an output.
func (r *Run) Has(stage Stage) bool {
	_, ok := r.outputs[stage]
	return ok
}

// Stages lists the populated stages in pipeline order.
func (r *Run) Stages() []Stage {
	out := make([]Stage, 0, len(r.outputs))
	for _, s := range allStages {
		if _, ok := r.outputs[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Close releases the source and every output.
func (r *Run) Close() error {
	for s, m := range r.outputs {
		m.Close()
		delete(r.outputs, s)
	}
	return r.source.Close()
}

func (r *Run) input(s Stage) (gocv.Mat, error) {
	in := s.Input()
	m, ok := r.outputs[in]
	if !ok {
		return gocv.Mat{}, fmt.Errorf("%w: %s requires %s", ErrStageNotReady, s, in)
	}
	return m, nil
}

// put stores m for s, replacing any earlier output and discarding outputs
// derived from the replaced one.
func (r *Run) put(s Stage, m gocv.Mat) {
	if old, ok := r.outputs[s]; ok {
		old.Close()
		for _, dep := range allStages {
			if dep.dependsOn(s) {
				if stale, ok := r.outputs[dep]; ok {
					stale.Close()
					delete(r.outputs, dep)
				}
			}
		}
	}
	r.outputs[s] = m
}

// Package camera runs the live edge-detection viewer: grab a frame, run the
// selected stage, draw the overlay, show it, poll the keyboard.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"edgedetect/internal/edge"
	"edgedetect/internal/logging"
	"edgedetect/internal/metrics"
	"edgedetect/internal/sheet"
)

// ErrFrameRead ends the loop when the device stops delivering frames.
var ErrFrameRead = errors.New("could not read frame")

// Mode selects what the viewer shows.
type Mode int

const (
	ModeOriginal Mode = iota
	ModeSobelX
	ModeSobelY
	ModeSobelCombined
	ModeLaplacian
	ModeCanny
	ModeOverview
)

var modeNames = [...]string{
	ModeOriginal:      "original",
	ModeSobelX:        "sobel_x",
	ModeSobelY:        "sobel_y",
	ModeSobelCombined: "sobel_combined",
	ModeLaplacian:     "laplacian",
	ModeCanny:         "canny",
	ModeOverview:      "overview",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode resolves a mode by name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == name {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown camera mode %q", s)
}

// Stage is the pipeline stage the mode displays. Original and overview have
// none.
func (m Mode) Stage() (edge.Stage, bool) {
	switch m {
	case ModeSobelX:
		return edge.StageSobelX, true
	case ModeSobelY:
		return edge.StageSobelY, true
	case ModeSobelCombined:
		return edge.StageSobelCombined, true
	case ModeLaplacian:
		return edge.StageLaplacian, true
	case ModeCanny:
		return edge.StageCanny, true
	}
	return "", false
}

// ModeForKey maps the number keys 0 to 6 to a mode.
func ModeForKey(key int) (Mode, bool) {
	if key < '0' || key > '6' {
		return 0, false
	}
	return Mode(key - '0'), true
}

func isQuit(key int) bool { return key == 'q' || key == 'Q' }

// FrameSource delivers frames into a caller-owned matrix.
type FrameSource interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// Display shows frames and reports key presses; WaitKey returns -1 when no
// key was pressed.
type Display interface {
	Show(img gocv.Mat)
	WaitKey(delay int) int
	Close() error
}

// Options configure a Viewer.
type Options struct {
	Params  edge.Params
	Mode    Mode
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Viewer owns the capture loop and the current mode.
type Viewer struct {
	source  FrameSource
	display Display
	params  edge.Params
	mode    Mode
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewViewer wires a source to a display.
func NewViewer(src FrameSource, disp Display, opts Options) *Viewer {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Viewer{
		source:  src,
		display: disp,
		params:  opts.Params,
		mode:    opts.Mode,
		log:     opts.Log,
		metrics: opts.Metrics,
	}
}

// Mode reports the mode the next frame will be rendered in.
func (v *Viewer) Mode() Mode { return v.mode }

// Run loops until q is pressed, ctx ends or a frame cannot be read. A frame
// the pipeline rejects is logged and skipped.
func (v *Viewer) Run(ctx context.Context) error {
	frame := gocv.NewMat()
	defer frame.Close()

	v.log.WithField("mode", v.mode).Info("live viewer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !v.source.Read(&frame) || frame.Empty() {
			return ErrFrameRead
		}

		out, err := v.Render(frame)
		v.metrics.RecordFrame(v.mode.String(), err)
		if err != nil {
			v.log.WithError(err).WithField("mode", v.mode).Warn("frame skipped")
		} else {
			v.display.Show(out)
			out.Close()
		}

		key := v.display.WaitKey(1)
		if isQuit(key) {
			v.log.Info("live viewer stopped")
			return nil
		}
		if m, ok := ModeForKey(key); ok && m != v.mode {
			v.mode = m
			v.log.WithField("mode", m).Info("mode switched")
		}
	}
}

// Render produces the display image for frame in the current mode. The
// caller owns the result.
func (v *Viewer) Render(frame gocv.Mat) (gocv.Mat, error) {
	out, err := v.renderMode(frame)
	if err != nil {
		return gocv.Mat{}, err
	}
	drawOverlay(&out, v.mode)
	return out, nil
}

func (v *Viewer) renderMode(frame gocv.Mat) (gocv.Mat, error) {
	if v.mode == ModeOriginal {
		return frame.Clone(), nil
	}

	run, err := edge.NewRun(frame)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer run.Close()

	if v.mode == ModeOverview {
		if err := run.Execute(v.params); err != nil {
			return gocv.Mat{}, err
		}
		img, err := sheet.FromRun(run, overviewTile)
		if err != nil {
			return gocv.Mat{}, err
		}
		return sheet.ToMat(img)
	}

	stage, _ := v.mode.Stage()
	if err := run.Compute(stage, v.params); err != nil {
		return gocv.Mat{}, err
	}
	gray, err := run.Output(stage)
	if err != nil {
		return gocv.Mat{}, err
	}
	out := gocv.NewMat()
	if err := gocv.CvtColor(gray, &out, gocv.ColorGrayToBGR); err != nil {
		out.Close()
		return gocv.Mat{}, fmt.Errorf("to bgr: %w", err)
	}
	return out, nil
}

const overviewTile = 160

var (
	overlayBox = image.Rect(10, 10, 350, 120)
	white      = color.RGBA{R: 255, G: 255, B: 255}
	lightGray  = color.RGBA{R: 200, G: 200, B: 200}
)

// drawOverlay darkens the help box to 40% of the frame and writes the mode
// and key bindings over it.
func drawOverlay(img *gocv.Mat, mode Mode) {
	box := overlayBox.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if !box.Empty() {
		roi := img.Region(box)
		black := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), roi.Rows(), roi.Cols(), roi.Type())
		_ = gocv.AddWeighted(roi, 0.4, black, 0.6, 0, &roi)
		black.Close()
		roi.Close()
	}

	font := gocv.FontHersheySimplex
	gocv.PutText(img, "Mode: "+strings.ToUpper(mode.String()), image.Pt(20, 35), font, 0.6, white, 1)
	gocv.PutText(img, "Controls:", image.Pt(20, 60), font, 0.5, lightGray, 1)
	gocv.PutText(img, "1:Sobel-X  2:Sobel-Y  3:Sobel-Combined", image.Pt(20, 80), font, 0.4, lightGray, 1)
	gocv.PutText(img, "4:Laplacian  5:Canny  6:Overview", image.Pt(20, 100), font, 0.4, lightGray, 1)
	gocv.PutText(img, "0:Original  Q:Quit", image.Pt(20, 115), font, 0.4, lightGray, 1)
}

// Device is a capture device.
type Device struct {
	vc *gocv.VideoCapture
}

// OpenDevice opens capture device id at the requested frame size. Zero
// dimensions keep the driver default.
func OpenDevice(id, width, height int) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open camera %d: device not available", id)
	}
	if width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &Device{vc: vc}, nil
}

func (d *Device) Read(dst *gocv.Mat) bool { return d.vc.Read(dst) }

func (d *Device) Close() error { return d.vc.Close() }

// Window is a HighGUI window.
type Window struct {
	w *gocv.Window
}

// NewWindow opens a window titled title.
func NewWindow(title string) *Window {
	return &Window{w: gocv.NewWindow(title)}
}

func (w *Window) Show(img gocv.Mat) { w.w.IMShow(img) }

func (w *Window) WaitKey(delay int) int { return w.w.WaitKey(delay) }

func (w *Window) Close() error { return w.w.Close() }

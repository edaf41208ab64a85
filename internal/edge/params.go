package edge

import (
	"fmt"
	"strconv"
	"strings"
)

// Kernel is a Gaussian blur window in pixels.
type Kernel struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Square returns a size x size kernel.
func Square(size int) Kernel { return Kernel{Width: size, Height: size} }

func (k Kernel) String() string { return fmt.Sprintf("%dx%d", k.Width, k.Height) }

// ParseKernel accepts "5", "5x5" or "5,3".
func ParseKernel(s string) (Kernel, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	var parts []string
	switch {
	case strings.Contains(s, "x"):
		parts = strings.SplitN(s, "x", 2)
	case strings.Contains(s, ","):
		parts = strings.SplitN(s, ",", 2)
	default:
		parts = []string{s, s}
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Kernel{}, paramErr("blur_kernel", s, "not an integer")
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Kernel{}, paramErr("blur_kernel", s, "not an integer")
	}
	return Kernel{Width: w, Height: h}, nil
}

// Params is the resolved numeric configuration of a Run.
type Params struct {
	BlurKernel      Kernel  `json:"blur_kernel"`
	Sigma           float64 `json:"sigma"`
	SobelKernel     int     `json:"sobel_kernel"`
	LaplacianKernel int     `json:"laplacian_kernel"`
	CannyLow        int     `json:"canny_threshold1"`
	CannyHigh       int     `json:"canny_threshold2"`
}

// DefaultParams mirrors the stock detector settings.
func DefaultParams() Params {
	return Params{
		BlurKernel:      Square(5),
		Sigma:           1.4,
		SobelKernel:     3,
		LaplacianKernel: 3,
		CannyLow:        50,
		CannyHigh:       150,
	}
}

// Validate checks every stage parameter and returns the first violation.
func (p Params) Validate() error {
	if err := validateBlur(p.BlurKernel, p.Sigma); err != nil {
		return err
	}
	if err := validateSobel(p.SobelKernel); err != nil {
		return err
	}
	if err := validateLaplacian(p.LaplacianKernel); err != nil {
		return err
	}
	return validateCanny(p.CannyLow, p.CannyHigh)
}

func validateBlur(k Kernel, sigma float64) error {
	if k.Width <= 0 || k.Width%2 == 0 {
		return paramErr("blur_kernel.width", k.Width, "must be a positive odd integer")
	}
	if k.Height <= 0 || k.Height%2 == 0 {
		return paramErr("blur_kernel.height", k.Height, "must be a positive odd integer")
	}
	if !(sigma > 0) {
		return paramErr("sigma", sigma, "must be greater than zero")
	}
	return nil
}

func validateSobel(ksize int) error {
	switch ksize {
	case 1, 3, 5, 7:
		return nil
	}
	return paramErr("sobel_kernel", ksize, "must be one of 1, 3, 5, 7")
}

func validateLaplacian(ksize int) error {
	if ksize < 1 || ksize > 31 || ksize%2 == 0 {
		return paramErr("laplacian_kernel", ksize, "must be an odd integer between 1 and 31")
	}
	return nil
}

func validateCanny(low, high int) error {
	if low < 0 || low > 255 {
		return paramErr("canny_threshold1", low, "must be within [0,255]")
	}
	if high < 0 || high > 255 {
		return paramErr("canny_threshold2", high, "must be within [0,255]")
	}
	if low > high {
		return paramErr("canny_threshold1", low, fmt.Sprintf("must not exceed canny_threshold2 (%d)", high))
	}
	return nil
}

// Package codec converts between encoded image bytes and gocv matrices.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ErrDecode = errors.New("decode image")
	ErrEncode = errors.New("encode image")
)

// Format is an output file format.
type Format string

const (
	JPEG Format = "jpg"
	PNG  Format = "png"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// DefaultQuality is used when a caller passes a quality outside 1..100.
const DefaultQuality = 95

// ParseFormat maps a user supplied format or extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "jpg", "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "bmp":
		return BMP, nil
	case "tif", "tiff":
		return TIFF, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// Ext returns the file extension including the leading dot.
func (f Format) Ext() string { return "." + string(f) }

// MIME returns the content type of encoded bytes.
func (f Format) MIME() string {
	switch f {
	case PNG:
		return "image/png"
	case BMP:
		return "image/bmp"
	case TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

// Decode turns an encoded buffer into a 3-channel BGR matrix. The caller
// owns the returned Mat.
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.Empty() {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("%w: unrecognised image data (%d bytes)", ErrDecode, len(data))
	}
	return m, nil
}

// Encode serialises m. quality applies to JPEG only.
func Encode(m gocv.Mat, f Format, quality int) ([]byte, error) {
	if m.Empty() {
		return nil, fmt.Errorf("%w: empty matrix", ErrEncode)
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var params []int
	if f == JPEG || f == "" {
		f = JPEG
		params = []int{gocv.IMWriteJpegQuality, quality}
	}
	buf, err := gocv.IMEncodeWithParams(gocv.FileExt(f.Ext()), m, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, f, err)
	}
	defer buf.Close()
	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// EncodeBase64 encodes m and returns standard base64 text.
func EncodeBase64(m gocv.Mat, f Format, quality int) (string, error) {
	data, err := Encode(m, f, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ReadFile decodes the image at path.
func ReadFile(path string) (gocv.Mat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.NewMat(), err
	}
	m, err := Decode(data)
	if err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// WriteFile encodes m and writes it to path, creating parent directories.
func WriteFile(path string, m gocv.Mat, f Format, quality int) error {
	data, err := Encode(m, f, quality)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

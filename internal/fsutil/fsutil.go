package fsutil

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultImageExts are the inputs the batch runner picks up.
var DefaultImageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".tif"}

func extSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultImageExts
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// ListImages returns the image files directly inside dir, sorted by name.
// Subdirectories are not descended into. A nil exts uses DefaultImageExts.
func ListImages(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	set := extSet(exts)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := set[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if path carries one of exts (DefaultImageExts when nil).
func IsImageFile(path string, exts []string) bool {
	_, ok := extSet(exts)[strings.ToLower(filepath.Ext(path))]
	return ok
}

// StageOutputPath names the file a stage output of input is written to:
// <dir>/<base>_<stage><ext>.
func StageOutputPath(dir, input, stage, ext string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+"_"+stage+ext)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces an uploaded filename to a safe base name: no path
// components, ASCII letters, digits, '_', '-' and '.' only, no leading dots.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}

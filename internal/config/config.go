package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

const (
	// EnvPath overrides the config file location.
	EnvPath           = "EDGEDETECT_CONFIG"
	defaultConfigPath = "config.yaml"
	defaultWorkers    = 4
)

// Config holds user-editable settings. It is loaded once at startup and
// passed by value or pointer to every surface; nothing mutates it afterwards.
type Config struct {
	Preprocessing Preprocessing `yaml:"preprocessing"`
	EdgeDetection EdgeDetection `yaml:"edge_detection"`
	Output        Output        `yaml:"output"`
	Logging       Logging       `yaml:"logging"`
	Web           Web           `yaml:"web"`
	Performance   Performance   `yaml:"performance"`
	Batch         Batch         `yaml:"batch"`
	Camera        Camera        `yaml:"camera"`
	Storage       Storage       `yaml:"storage"`
	Telemetry     Telemetry     `yaml:"telemetry"`

	// path the config was read from, empty when defaults were used
	source string
}

// Preprocessing configures the Gaussian blur stage.
type Preprocessing struct {
	BlurKernelSize []int   `yaml:"blur_kernel_size"` // [width, height]
	Sigma          float64 `yaml:"sigma"`
}

// EdgeDetection configures the detector stages.
type EdgeDetection struct {
	Sobel     KernelSize `yaml:"sobel"`
	Laplacian KernelSize `yaml:"laplacian"`
	Canny     Canny      `yaml:"canny"`
}

type KernelSize struct {
	KernelSize int `yaml:"kernel_size"`
}

type Canny struct {
	Threshold1 int `yaml:"threshold1"`
	Threshold2 int `yaml:"threshold2"`
}

// Output controls where and how stage outputs are written.
type Output struct {
	Directory string `yaml:"directory"`
	Format    string `yaml:"format"`  // jpg, png, bmp, tiff
	Quality   int    `yaml:"quality"` // jpeg quality 1-100
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`   // empty disables file output
}

// Web configures the HTTP API.
type Web struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Debug             bool     `yaml:"debug"`
	MaxUploadSize     int64    `yaml:"max_upload_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	CORSOrigin        string   `yaml:"cors_origin"`
}

// Performance bounds concurrency.
type Performance struct {
	EnableGPU  bool `yaml:"enable_gpu"`
	MaxWorkers int  `yaml:"max_workers"`
	QueueSize  int  `yaml:"queue_size"`
}

// Batch configures the folder runner.
type Batch struct {
	InputDir     string   `yaml:"input_dir"`
	Extensions   []string `yaml:"extensions"`
	ContactSheet bool     `yaml:"contact_sheet"`
}

// Camera configures the live viewer.
type Camera struct {
	Device      int    `yaml:"device"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	DefaultMode string `yaml:"default_mode"`
	WindowTitle string `yaml:"window_title"`
}

// Storage configures the job history database.
type Storage struct {
	DatabasePath string `yaml:"database_path"`
}

// Telemetry configures OTLP trace export. An empty endpoint disables it.
type Telemetry struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Environment string `yaml:"environment"`
}

// Load reads configuration from path, then $EDGEDETECT_CONFIG, then
// ./config.yaml. A missing file yields the defaults; keys present in the file
// override the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvPath)
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath
	}

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.source = expanded

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Preprocessing: Preprocessing{BlurKernelSize: []int{5, 5}, Sigma: 1.4},
		EdgeDetection: EdgeDetection{
			Sobel:     KernelSize{KernelSize: 3},
			Laplacian: KernelSize{KernelSize: 3},
			Canny:     Canny{Threshold1: 50, Threshold2: 150},
		},
		Output: Output{Directory: "output", Format: "jpg", Quality: 95},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			File:   "edge_detection.log",
		},
		Web: Web{
			Host:              "0.0.0.0",
			Port:              5000,
			MaxUploadSize:     16 << 20,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "bmp", "gif"},
			CORSOrigin:        "*",
		},
		Performance: Performance{MaxWorkers: defaultWorkers, QueueSize: 16},
		Batch: Batch{
			InputDir:   "input",
			Extensions: []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".tif"},
		},
		Camera: Camera{
			Device:      0,
			Width:       640,
			Height:      480,
			DefaultMode: "canny",
			WindowTitle: "Edge Detection - Live",
		},
		Storage:   Storage{DatabasePath: filepath.Join(os.TempDir(), "edgedetect.db")},
		Telemetry: Telemetry{ServiceName: "edgedetect", Insecure: true},
	}
}

// Source reports the file the config was read from, or "" for defaults.
func (c *Config) Source() string { return c.source }

// Params resolves the default engine parameters.
func (c *Config) Params() edge.Params {
	k := edge.Square(5)
	switch len(c.Preprocessing.BlurKernelSize) {
	case 1:
		k = edge.Square(c.Preprocessing.BlurKernelSize[0])
	case 2:
		k = edge.Kernel{Width: c.Preprocessing.BlurKernelSize[0], Height: c.Preprocessing.BlurKernelSize[1]}
	}
	return edge.Params{
		BlurKernel:      k,
		Sigma:           c.Preprocessing.Sigma,
		SobelKernel:     c.EdgeDetection.Sobel.KernelSize,
		LaplacianKernel: c.EdgeDetection.Laplacian.KernelSize,
		CannyLow:        c.EdgeDetection.Canny.Threshold1,
		CannyHigh:       c.EdgeDetection.Canny.Threshold2,
	}
}

// OutputFormat returns the parsed output format.
func (c *Config) OutputFormat() codec.Format {
	f, err := codec.ParseFormat(c.Output.Format)
	if err != nil {
		return codec.JPEG
	}
	return f
}

// Addr is the host:port the web API listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(c.Web.Port))
}

// AllowedExtension reports whether filename carries an upload extension the
// web API accepts.
func (c *Config) AllowedExtension(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range c.Web.AllowedExtensions {
		if strings.TrimPrefix(strings.ToLower(allowed), ".") == ext {
			return true
		}
	}
	return false
}

// Validate checks every section and joins all problems found.
func (c *Config) Validate() error {
	var errs []error
	if n := len(c.Preprocessing.BlurKernelSize); n != 1 && n != 2 {
		errs = append(errs, fmt.Errorf("preprocessing.blur_kernel_size: want 1 or 2 values, got %d", n))
	} else if err := c.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.ParseFormat(c.Output.Format); err != nil {
		errs = append(errs, fmt.Errorf("output.format: %w", err))
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		errs = append(errs, fmt.Errorf("output.quality: %d not in 1..100", c.Output.Quality))
	}
	if c.Output.Directory == "" {
		errs = append(errs, errors.New("output.directory: must not be empty"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: %q is not text or json", c.Logging.Format))
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port: %d out of range", c.Web.Port))
	}
	if c.Web.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("web.max_upload_size: must be positive"))
	}
	if len(c.Web.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("web.allowed_extensions: must not be empty"))
	}
	if c.Performance.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("performance.max_workers: %d must be at least 1", c.Performance.MaxWorkers))
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, errors.New("camera.width/height: must not be negative"))
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

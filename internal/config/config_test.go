package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsMatchEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, edge.DefaultParams(), cfg.Params())
	assert.Equal(t, codec.JPEG, cfg.OutputFormat())
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
	assert.Equal(t, int64(16777216), cfg.Web.MaxUploadSize)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Params(), cfg.Params())
	assert.Empty(t, cfg.Source())
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
preprocessing:
  blur_kernel_size: [7, 3]
  sigma: 2.0
edge_detection:
  canny:
    threshold1: 30
    threshold2: 90
web:
  port: 8080
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	p := cfg.Params()
	assert.Equal(t, edge.Kernel{Width: 7, Height: 3}, p.BlurKernel)
	assert.Equal(t, 2.0, p.Sigma)
	assert.Equal(t, 30, p.CannyLow)
	assert.Equal(t, 90, p.CannyHigh)
	assert.Equal(t, 3, p.SobelKernel)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "output", cfg.Output.Directory)
	assert.Equal(t, path, cfg.Source())
}

func TestLoadHonoursEnvironment(t *testing.T) {
	path := writeConfig(t, "output:\n  format: png\n")
	t.Setenv(EnvPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, codec.PNG, cfg.OutputFormat())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"even blur":       "preprocessing:\n  blur_kernel_size: [4, 4]\n",
		"inverted canny":  "edge_detection:\n  canny:\n    threshold1: 200\n    threshold2: 100\n",
		"bad sobel":       "edge_detection:\n  sobel:\n    kernel_size: 4\n",
		"bad format":      "output:\n  format: gif\n",
		"bad port":        "web:\n  port: 0\n",
		"no workers":      "performance:\n  max_workers: 0\n",
		"unknown key":     "preprocessing:\n  blur: 5\n",
		"too many kernel": "preprocessing:\n  blur_kernel_size: [3, 3, 3]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Output.Quality = 0
	cfg.Web.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output.quality")
	assert.Contains(t, err.Error(), "web.port")
}

func TestAllowedExtension(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.AllowedExtension("photo.JPG"))
	assert.True(t, cfg.AllowedExtension("a.b.png"))
	assert.False(t, cfg.AllowedExtension("notes.txt"))
	assert.False(t, cfg.AllowedExtension("noext"))
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandUser("~/cfg.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cfg.yaml"), got)

	got, err = expandUser("/etc/cfg.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/cfg.yaml", got)
}

func TestYAMLRoundTrip(t *testing.T) {
	data, err := Default().YAML()
	require.NoError(t, err)
	path := writeConfig(t, string(data))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Params(), cfg.Params())
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"edgedetect/internal/camera"
	"edgedetect/internal/config"
	"edgedetect/internal/jobs"
	"edgedetect/internal/logging"
	"edgedetect/internal/server"
	"edgedetect/internal/testimage"
)

func TestCommandsQueueJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType jobs.JobType
		expectIn   string
		expectOut  string
	}{
		{"detect", []string{"detect", filepath.Join(temp, "a.jpg"), "--output", filepath.Join(temp, "out")}, jobs.JobDetect, filepath.Join(temp, "a.jpg"), filepath.Join(temp, "out")},
		{"detect default output", []string{"detect", "b.png"}, jobs.JobDetect, "b.png", root.cfg.Output.Directory},
		{"batch", []string{"batch", "--input", temp, "-o", filepath.Join(temp, "res")}, jobs.JobBatch, temp, filepath.Join(temp, "res")},
		{"batch defaults", []string{"batch"}, jobs.JobBatch, root.cfg.Batch.InputDir, root.cfg.Output.Directory},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if _, err := execute(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			job := fakePipe.jobs[0]
			if job.Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, job.Type)
			}
			if job.InputPath != tc.expectIn || job.Output != tc.expectOut {
				t.Fatalf("expected %s -> %s, got %s -> %s", tc.expectIn, tc.expectOut, job.InputPath, job.Output)
			}
			if !strings.HasPrefix(job.ID, string(tc.expectType)+"-") {
				t.Fatalf("unexpected job id %q", job.ID)
			}
		})
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	bad := [][]string{
		{"detect"},
		{"detect", "a.jpg", "b.jpg"},
		{"detect", "a.jpg", "--canny-low", "200", "--canny-high", "100"},
		{"detect", "a.jpg", "--blur-kernel", "4"},
		{"detect", "a.jpg", "--format", "gifv"},
		{"batch", "--quality", "0"},
		{"batch", "--workers", "0"},
		{"camera", "--mode", "sepia"},
	}
	for _, args := range bad {
		if _, err := execute(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("invalid commands must not queue jobs, got %d", len(fakePipe.jobs))
	}
}

func TestRunnerOptionsApplyOnlyChangedFlags(t *testing.T) {
	root, _ := newTestRoot(t)
	var pf processFlags
	cmd := &cobra.Command{Use: "detect"}
	addProcessFlags(cmd, &pf)
	if err := cmd.Flags().Parse([]string{"--blur-kernel", "7x3", "--canny-high", "200", "--format", "png", "--sheet"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	opts, err := root.runnerOptions(cmd, &pf)
	if err != nil {
		t.Fatalf("runnerOptions: %v", err)
	}
	p := opts.Params
	if p.BlurKernel.Width != 7 || p.BlurKernel.Height != 3 {
		t.Fatalf("blur kernel not applied: %v", p.BlurKernel)
	}
	if p.CannyHigh != 200 || p.CannyLow != root.cfg.Params().CannyLow {
		t.Fatalf("unexpected canny thresholds %d/%d", p.CannyLow, p.CannyHigh)
	}
	if opts.Format != "png" || !opts.Sheet {
		t.Fatalf("output flags not applied: %+v", opts)
	}
	if opts.Quality != root.cfg.Output.Quality {
		t.Fatalf("quality should keep the configured value, got %d", opts.Quality)
	}
}

func TestBatchReportsFailuresWithoutFailing(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.results[jobs.JobBatch] = jobs.Result{
		Error: errors.New("1 of 3 images failed"),
		Meta: map[string]any{
			"total":       3,
			"succeeded":   2,
			"failed":      1,
			"failures":    []map[string]any{{"file": "broken.jpg", "error": "decode image"}},
			"duration_ms": int64(12),
		},
	}

	out, err := execute(root, "batch")
	if err != nil {
		t.Fatalf("partial failure should not fail the command: %v", err)
	}
	for _, want := range []string{"Processed 3 images", "2 succeeded, 1 failed", "[FAIL] broken.jpg: decode image"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBatchFailsWhenFolderUnreadable(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.results[jobs.JobBatch] = jobs.Result{
		Error: os.ErrNotExist,
		Meta:  map[string]any{"total": 0, "succeeded": 0, "failed": 0},
	}
	if _, err := execute(root, "batch"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestDetectAndSheetEndToEnd(t *testing.T) {
	root, _ := newTestRoot(t)
	root.pipeline = nil
	tmp := t.TempDir()
	root.cfg.Storage.DatabasePath = filepath.Join(tmp, "jobs.db")
	t.Cleanup(func() { _ = root.Close() })

	img := filepath.Join(tmp, "input", "shapes.png")
	if err := testimage.Write(img, 90); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	outDir := filepath.Join(tmp, "output")

	out, err := execute(root, "detect", img, "-o", outDir, "--format", "png")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if got := strings.Count(out, "saved "); got != 7 {
		t.Fatalf("expected 7 saved files, got %d:\n%s", got, out)
	}
	for _, stage := range []string{"grayscale", "sobel_combined", "canny"} {
		if _, err := os.Stat(filepath.Join(outDir, "shapes_"+stage+".png")); err != nil {
			t.Fatalf("missing %s output: %v", stage, err)
		}
	}

	recs, err := root.store.RecentJobs(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 || recs[0].JobType != string(jobs.JobDetect) || recs[0].Status != "completed" {
		t.Fatalf("unexpected history %+v", recs)
	}

	out, err = execute(root, "sheet", "shapes", "--dir", outDir, "--format", "png", "--tile", "64")
	if err != nil {
		t.Fatalf("sheet failed: %v", err)
	}
	sheetPath := filepath.Join(outDir, "shapes_results.png")
	if !strings.Contains(out, sheetPath) {
		t.Fatalf("sheet path not reported:\n%s", out)
	}
	if _, err := os.Stat(sheetPath); err != nil {
		t.Fatalf("sheet not written: %v", err)
	}
}

func TestSheetListsMissingOutputs(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "photo_grayscale.jpg"))

	_, err := execute(root, "sheet", "photo", "--dir", dir)
	if err == nil {
		t.Fatalf("expected missing files error")
	}
	if !strings.Contains(err.Error(), "photo_canny.jpg") || strings.Contains(err.Error(), "photo_grayscale.jpg") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTestImageAndAnalyze(t *testing.T) {
	root, _ := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "test_image.png")

	out, err := execute(root, "testimage", "--output", path)
	if err != nil {
		t.Fatalf("testimage failed: %v", err)
	}
	if !strings.Contains(out, "Test image created: "+path) {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = execute(root, "analyze", path)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	var report struct {
		Dimensions struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"dimensions"`
		EdgeDensity map[string]float64 `json:"edge_density"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("analyze output is not JSON: %v\n%s", err, out)
	}
	if report.Dimensions.Width != testimage.Width || report.Dimensions.Height != testimage.Height {
		t.Fatalf("unexpected dimensions %+v", report.Dimensions)
	}
	if report.EdgeDensity["canny"] <= 0 {
		t.Fatalf("expected canny edges, got %v", report.EdgeDensity)
	}
}

func TestServeUsesConfigAndOverrides(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	var got server.Deps
	root.serveFn = func(ctx context.Context, deps server.Deps) error {
		got = deps
		return nil
	}

	if _, err := execute(root, "serve", "--port", "9090"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.Config == nil || got.Config.Web.Port != 9090 {
		t.Fatalf("port override not applied: %+v", got.Config)
	}
	if root.cfg.Web.Port == 9090 {
		t.Fatalf("override must not leak into the shared config")
	}
	if got.Pipeline != fakePipe {
		t.Fatalf("server should receive the job queue")
	}
	if got.Metrics == nil || got.Log == nil {
		t.Fatalf("server deps incomplete: %+v", got)
	}
}

func TestCameraResolvesModeAndDevice(t *testing.T) {
	root, _ := newTestRoot(t)
	var (
		gotCfg  config.Camera
		gotOpts camera.Options
	)
	root.cameraFn = func(ctx context.Context, cfg config.Camera, opts camera.Options) error {
		gotCfg, gotOpts = cfg, opts
		return nil
	}

	if _, err := execute(root, "camera"); err != nil {
		t.Fatalf("camera failed: %v", err)
	}
	if gotOpts.Mode != camera.ModeCanny {
		t.Fatalf("expected configured default mode canny, got %s", gotOpts.Mode)
	}

	if _, err := execute(root, "camera", "--index", "2", "--mode", "laplacian", "--width", "320"); err != nil {
		t.Fatalf("camera failed: %v", err)
	}
	if gotCfg.Device != 2 || gotCfg.Width != 320 || gotCfg.Height != root.cfg.Camera.Height {
		t.Fatalf("unexpected camera config %+v", gotCfg)
	}
	if gotOpts.Mode != camera.ModeLaplacian {
		t.Fatalf("expected laplacian, got %s", gotOpts.Mode)
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "(built-in defaults)") || !strings.Contains(out, "edge_detection:") {
		t.Fatalf("unexpected config output:\n%s", out)
	}

	out, err = execute(root, "config", "validate")
	if err != nil || !strings.Contains(out, "Configuration is valid") {
		t.Fatalf("validate: %v %q", err, out)
	}

	root.cfg.Output.Quality = 0
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}

	out, err = execute(root, "version")
	if err != nil || !strings.Contains(out, server.ServiceName+" v"+server.Version) {
		t.Fatalf("version: %v %q", err, out)
	}
}

func TestNewIDFormat(t *testing.T) {
	id := newID("batch")
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "batch" || len(parts[2]) != 4 {
		t.Fatalf("unexpected id %q", id)
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Output.Directory = filepath.Join(tmp, "output")
	cfg.Batch.InputDir = filepath.Join(tmp, "input")
	cfg.Storage.DatabasePath = ""

	pipe := newFakePipeline()
	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logging.Discard(),
		serveFn:  defaultServe,
		cameraFn: defaultCamera,
	}
	return root, pipe
}

func execute(root *Root, args ...string) (string, error) {
	cmd := NewRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []jobs.Job
	subs      map[int]chan jobs.Result
	nextSubID int
	results   map[jobs.JobType]jobs.Result
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:    make(map[int]chan jobs.Result),
		results: make(map[jobs.JobType]jobs.Result),
	}
}

func (f *fakePipeline) Submit(job jobs.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan jobs.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	res := f.results[job.Type]
	f.mu.Unlock()

	res.Job = job
	if res.Meta == nil {
		res.Meta = map[string]any{"ok": true}
	}
	go func() {
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan jobs.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan jobs.Result, 2)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

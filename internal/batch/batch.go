// Package batch runs the full pipeline over every image in a folder and
// writes each stage output next to the others in an output folder.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"edgedetect/internal/codec"
	"edgedetect/internal/config"
	"edgedetect/internal/edge"
	"edgedetect/internal/fsutil"
	"edgedetect/internal/logging"
	"edgedetect/internal/metrics"
	"edgedetect/internal/sheet"
	"edgedetect/internal/telemetry"
)

// Options control a Runner.
type Options struct {
	Params     edge.Params
	Format     codec.Format
	Quality    int
	Workers    int
	Extensions []string
	// Sheet also writes <base>_sheet<ext>, a grid of the source and every stage.
	Sheet bool
}

// OptionsFromConfig resolves runner options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Params:     cfg.Params(),
		Format:     cfg.OutputFormat(),
		Quality:    cfg.Output.Quality,
		Workers:    cfg.Performance.MaxWorkers,
		Extensions: cfg.Batch.Extensions,
		Sheet:      cfg.Batch.ContactSheet,
	}
}

// Failure names an input that could not be processed.
type Failure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Summary tallies one folder run.
type Summary struct {
	Input     string        `json:"input"`
	Output    string        `json:"output"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Meta flattens s for job results and history.
func (s Summary) Meta() map[string]any {
	failures := make([]map[string]any, len(s.Failures))
	for i, f := range s.Failures {
		failures[i] = map[string]any{"file": f.File, "error": f.Error}
	}
	return map[string]any{
		"input":       s.Input,
		"output":      s.Output,
		"total":       s.Total,
		"succeeded":   s.Succeeded,
		"failed":      s.Failed,
		"failures":    failures,
		"duration_ms": s.Duration.Milliseconds(),
	}
}

// Runner processes folders of images. It is safe for concurrent use.
type Runner struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewRunner builds a Runner. m may be nil.
func NewRunner(opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Format == "" {
		opts.Format = codec.JPEG
	}
	if opts.Quality == 0 {
		opts.Quality = codec.DefaultQuality
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Runner{opts: opts, log: log, metrics: m}
}

// Options returns the resolved options.
func (r *Runner) Options() Options { return r.opts }

type outcome struct {
	file string
	err  error
}

// Run processes every supported file directly inside in and writes stage
// outputs to out. A file that fails is recorded in the summary and the rest
// continue. The returned error is non-nil only when the folder cannot be read
// or ctx ends early; the summary then covers the files finished so far.
func (r *Runner) Run(ctx context.Context, in, out string) (Summary, error) {
	start := time.Now()
	summary := Summary{Input: in, Output: out}

	files, err := fsutil.ListImages(in, r.opts.Extensions)
	if err != nil {
		return summary, fmt.Errorf("list input folder: %w", err)
	}
	summary.Total = len(files)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return summary, fmt.Errorf("create output folder: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "batch.run",
		attribute.String("batch.input", in),
		attribute.Int("batch.files", len(files)),
	)
	defer span.End()

	r.log.WithFields(logrus.Fields{
		"input":   in,
		"output":  out,
		"files":   len(files),
		"workers": r.opts.Workers,
	}).Info("batch started")

	paths := make(chan string)
	results := make(chan outcome)
	var wg sync.WaitGroup
	for i := 0; i < min(r.opts.Workers, max(len(files), 1)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range paths {
				_, err := r.ProcessFile(ctx, p, out)
				results <- outcome{file: p, err: err}
			}
		}()
	}
	go func() {
		defer close(paths)
		for _, f := range files {
			select {
			case <-ctx.Done():
				return
			case paths <- f:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{File: filepath.Base(res.file), Error: res.err.Error()})
			continue
		}
		summary.Succeeded++
	}
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].File < summary.Failures[j].File })
	summary.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("batch.succeeded", summary.Succeeded),
		attribute.Int("batch.failed", summary.Failed),
	)
	r.log.WithFields(logrus.Fields{
		"total":       summary.Total,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"duration_ms": summary.Duration.Milliseconds(),
	}).Info("batch finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// ProcessFile runs the pipeline over one file and writes every stage output
// into out. It returns the paths written.
func (r *Runner) ProcessFile(ctx context.Context, path, out string) (written []string, err error) {
	start := time.Now()
	_, span := telemetry.StartSpan(ctx, "batch.file", attribute.String("file", filepath.Base(path)))
	defer func() {
		dur := time.Since(start)
		logging.LogImage(r.log, path, len(written), dur, err)
		r.metrics.RecordImage("batch", err, dur)
		telemetry.End(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := codec.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	run, err := edge.NewRun(src)
	if err != nil {
		return nil, err
	}
	defer run.Close()
	run.Observe(func(s edge.Stage, d time.Duration) { r.metrics.ObserveStage(s.String(), d) })
	if err := run.Execute(r.opts.Params); err != nil {
		return nil, err
	}

	ext := r.opts.Format.Ext()
	for _, s := range run.Stages() {
		m, err := run.Output(s)
		if err != nil {
			return written, err
		}
		dst := fsutil.StageOutputPath(out, path, s.String(), ext)
		if err := codec.WriteFile(dst, m, r.opts.Format, r.opts.Quality); err != nil {
			return written, fmt.Errorf("write %s: %w", s, err)
		}
		written = append(written, dst)
	}

	if r.opts.Sheet {
		img, err := sheet.FromRun(run, sheet.DefaultTile)
		if err != nil {
			return written, fmt.Errorf("contact sheet: %w", err)
		}
		dst := fsutil.StageOutputPath(out, path, "sheet", ext)
		if err := sheet.Save(dst, img, r.opts.Quality); err != nil {
			return written, fmt.Errorf("contact sheet: %w", err)
		}
		written = append(written, dst)
	}
	return written, nil
}

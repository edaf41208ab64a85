package jobs

import (
	"context"
	"fmt"

	"edgedetect/internal/batch"
)

// runner is the part of batch.Runner the router needs.
type runner interface {
	Run(ctx context.Context, in, out string) (batch.Summary, error)
	ProcessFile(ctx context.Context, path, out string) ([]string, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	runner runner
}

// NewRouter returns the Processor that serves JobBatch and JobDetect.
func NewRouter(r *batch.Runner) Processor {
	return &router{runner: r}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobBatch:
		return r.handleBatch(ctx, job)
	case JobDetect:
		return r.handleDetect(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleBatch fails the job when any file failed; the summary still lists
// the files that succeeded.
func (r *router) handleBatch(ctx context.Context, job Job) Result {
	summary, err := r.runner.Run(ctx, job.InputPath, job.Output)
	meta := summary.Meta()
	if err == nil && summary.Failed > 0 {
		err = fmt.Errorf("%d of %d images failed", summary.Failed, summary.Total)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	written, err := r.runner.ProcessFile(ctx, job.InputPath, job.Output)
	return Result{Job: job, Error: err, Meta: map[string]any{"outputs": written}}
}

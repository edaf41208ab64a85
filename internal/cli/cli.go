// Package cli wires the cobra command tree to the pipeline, the job queue,
// the web server and the live viewer.
package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"edgedetect/internal/batch"
	"edgedetect/internal/camera"
	"edgedetect/internal/config"
	"edgedetect/internal/jobs"
	"edgedetect/internal/logging"
	"edgedetect/internal/metrics"
	"edgedetect/internal/server"
	"edgedetect/internal/storage"
	"edgedetect/internal/telemetry"
)

type pipelineClient interface {
	Submit(job jobs.Job) error
	Subscribe() (<-chan jobs.Result, func())
}

type serverFunc func(ctx context.Context, deps server.Deps) error

func defaultServe(ctx context.Context, deps server.Deps) error {
	return server.New(deps).Start(ctx)
}

type cameraFunc func(ctx context.Context, cfg config.Camera, opts camera.Options) error

func defaultCamera(ctx context.Context, cfg config.Camera, opts camera.Options) error {
	dev, err := camera.OpenDevice(cfg.Device, cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	defer dev.Close()
	win := camera.NewWindow(cfg.WindowTitle)
	defer win.Close()
	return camera.NewViewer(dev, win, opts).Run(ctx)
}

// Root carries what every command shares. Fields left nil are built on
// first use from the loaded configuration.
type Root struct {
	cfgPath string
	cfg     *config.Config
	log     logrus.FieldLogger
	store   *storage.Store
	metrics *metrics.Metrics

	// pipeline overrides the per-command job queue when set.
	pipeline pipelineClient
	serveFn  serverFunc
	cameraFn cameraFunc

	closers []func(context.Context) error
}

// NewRoot returns a Root that loads its configuration on first use.
func NewRoot() *Root {
	return &Root{serveFn: defaultServe, cameraFn: defaultCamera}
}

// setup loads configuration and starts logging and tracing. It is a no-op
// for anything already set.
func (r *Root) setup(ctx context.Context) error {
	if r.cfg == nil {
		cfg, err := config.Load(r.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}
	if r.log == nil {
		logger, closer, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = logger
		r.closers = append(r.closers, func(context.Context) error { return closer.Close() })
		if src := r.cfg.Source(); src != "" {
			logger.WithField("path", src).Debug("configuration loaded")
		}

		shutdown, err := telemetry.SetupProvider(ctx, r.cfg.Telemetry, server.Version)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		r.closers = append(r.closers, shutdown)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return nil
}

// openStore opens the job history once. An empty database path disables it.
func (r *Root) openStore() (*storage.Store, error) {
	if r.store != nil || r.cfg.Storage.DatabasePath == "" {
		return r.store, nil
	}
	store, err := storage.New(r.cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open job history: %w", err)
	}
	r.store = store
	r.closers = append(r.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

func (r *Root) newRunner(opts batch.Options) *batch.Runner {
	return batch.NewRunner(opts, r.log, r.metrics)
}

// queue returns the job queue commands submit to. Unless one was injected,
// a queue with workers workers is started over a runner built from opts and
// stopped on shutdown.
func (r *Root) queue(ctx context.Context, opts batch.Options, workers int) (pipelineClient, error) {
	if r.pipeline != nil {
		return r.pipeline, nil
	}
	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	pl := jobs.New(ctx, jobs.NewRouter(r.newRunner(opts)), jobs.Options{
		Workers:   workers,
		QueueSize: r.cfg.Performance.QueueSize,
		Log:       r.log,
		Store:     store,
		Metrics:   r.metrics,
	})
	r.closers = append(r.closers, func(context.Context) error { pl.Stop(); return nil })
	return pl, nil
}

// Close releases everything setup and queue started, newest first.
func (r *Root) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Root) enqueueAndWait(ctx context.Context, pl pipelineClient, job jobs.Job) (jobs.Result, error) {
	resCh, unsubscribe := pl.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, pl, job); err != nil {
		return jobs.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return jobs.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return jobs.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, pl pipelineClient, job jobs.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := pl.Submit(job); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{"type": job.Type, "id": job.ID, "input": job.InputPath}).Info("job queued")
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

// Package jobs queues folder and single-image jobs onto a fixed worker pool
// and fans results out to subscribers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"edgedetect/internal/logging"
	"edgedetect/internal/metrics"
	"edgedetect/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobBatch runs every image in InputPath (a folder).
	JobBatch JobType = "batch"
	// JobDetect runs a single image file.
	JobDetect JobType = "detect"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job queue is stopped")
)

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Status is the history status for r.
func (r Result) Status() string {
	if r.Error != nil {
		return storage.StatusFailed
	}
	return storage.StatusCompleted
}

// Event is the wire form of a Result.
type Event struct {
	Job    Job            `json:"job"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Event converts r for JSON transport.
func (r Result) Event() Event {
	return Event{Job: r.Job, Status: r.Status(), Error: errString(r.Error), Meta: r.Meta}
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       logrus.FieldLogger
	store     *storage.Store
	metrics   *metrics.Metrics
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// Options configure a Pipeline. Store and Metrics may be nil.
type Options struct {
	Workers   int
	QueueSize int
	Log       logrus.FieldLogger
	Store     *storage.Store
	Metrics   *metrics.Metrics
}

// New starts opts.Workers workers that run jobs through processor until
// ctx ends or Stop is called.
func New(ctx context.Context, processor Processor, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       opts.Log,
		store:     opts.Store,
		metrics:   opts.Metrics,
		jobs:      make(chan Job, opts.QueueSize),
		cancel:    cancel,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	p.record(func(s *storage.Store) error {
		optsJSON, _ := json.Marshal(job.Options)
		return s.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      storage.StatusQueued,
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	})

	select {
	case p.jobs <- job:
		p.metrics.JobQueued()
		return nil
	default:
		p.record(func(s *storage.Store) error {
			return s.RecordJobResult(job.ID, storage.StatusFailed, nil, ErrQueueFull.Error())
		})
		return ErrQueueFull
	}
}

// Stop signals workers to exit, waits for them and closes every subscriber.
// Jobs still queued are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output)
	p.record(func(s *storage.Store) error { return s.RecordJobStart(job.ID) })

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error)
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	p.record(func(s *storage.Store) error {
		return s.RecordJobResult(job.ID, res.Status(), res.Meta, errString(res.Error))
	})
	p.metrics.JobDone(string(job.Type), res.Error)
	p.broadcast(res)
}

func (p *Pipeline) record(fn func(*storage.Store) error) {
	if p.store == nil {
		return
	}
	if err := fn(p.store); err != nil {
		p.log.WithError(err).Warn("job history write failed")
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.WithFields(logrus.Fields{"subscriber": id, "job": res.Job.ID}).Warn("result channel full")
		}
	}
}

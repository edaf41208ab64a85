package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"edgedetect/internal/fsutil"
)

// DefaultSettle is how long a file must go without events before it is
// picked up.
const DefaultSettle = 500 * time.Millisecond

// FileResult reports one file handled by a Watcher.
type FileResult struct {
	File    string
	Outputs []string
	Err     error
}

// Watcher processes supported files as they appear in a folder.
type Watcher struct {
	runner  *Runner
	fs      *fsnotify.Watcher
	in, out string

	// Settle delays processing until writes to a file stop.
	Settle time.Duration
	// OnResult, when set, is called from the Run goroutine after each file.
	OnResult func(FileResult)
}

// NewWatcher starts watching in. Outputs go to out, which must not be the
// watched folder itself.
func (r *Runner) NewWatcher(in, out string) (*Watcher, error) {
	absIn, err := filepath.Abs(in)
	if err != nil {
		return nil, err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return nil, err
	}
	if absIn == absOut {
		return nil, errors.New("output folder must differ from the watched folder")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(in); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", in, err)
	}
	r.log.WithField("dir", in).Info("watching folder")
	return &Watcher{runner: r, fs: fw, in: in, out: out, Settle: DefaultSettle}, nil
}

// Run handles events until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsImageFile(ev.Name, w.runner.opts.Extensions) {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.runner.log.WithError(err).Warn("folder watcher error")

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				outputs, err := w.runner.ProcessFile(ctx, path, w.out)
				if err != nil {
					w.runner.log.WithFields(logrus.Fields{"file": filepath.Base(path)}).WithError(err).Warn("watched file failed")
				}
				if w.OnResult != nil {
					w.OnResult(FileResult{File: path, Outputs: outputs, Err: err})
				}
			}
		}
	}
}

// Close stops watching without waiting for Run.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

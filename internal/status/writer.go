package status

import (
	"context"
	"time"

	"ndefender/internal/logging"
	"ndefender/internal/metrics"
)

// DefaultWriteInterval is how often the state file is rewritten.
const DefaultWriteInterval = 500 * time.Millisecond

// Writer persists the remote-ID state file periodically and whenever
// Notify is called.
type Writer struct {
	Path     string
	Interval time.Duration
	Build    func() StateFile
	Metrics  *metrics.Metrics

	wake chan struct{}
}

// NewWriter returns a writer for path.
func NewWriter(path string, interval time.Duration, build func() StateFile) *Writer {
	return &Writer{Path: path, Interval: interval, Build: build, wake: make(chan struct{}, 1)}
}

// Notify requests an early write. It never blocks.
func (w *Writer) Notify() {
	if w == nil || w.wake == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// WriteOnce writes the current document.
func (w *Writer) WriteOnce() error {
	err := WriteJSONAtomic(w.Path, w.Build())
	w.Metrics.IncStateWrite(err)
	return err
}

// Run writes until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With("path", w.Path)
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWriteInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failing := false
	for {
		if err := w.WriteOnce(); err != nil {
			if !failing {
				log.Warn("state file write failed", "err", err)
			}
			failing = true
		} else if failing {
			log.Info("state file writable again")
			failing = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// Package stream follows append-only JSON-lines files across rotation
// and truncation.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"ndefender/internal/logging"
)

// State of a Tailer.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Error tokens reported to the owning subsystem's health record.
const (
	ErrFileNotFound = "file_not_found"
	ErrRead         = "read_error"
)

// DefaultPoll is the idle sleep between reads at end of file.
const DefaultPoll = 100 * time.Millisecond

const readChunk = 32 * 1024

// Tailer delivers complete lines appended to Path. Delivery is
// at-least-once: a line may repeat after truncation.
type Tailer struct {
	Path    string
	Poll    time.Duration
	Backoff Backoff
	// Report receives an error token, or "" once the file opens again.
	Report func(token string)

	state     atomic.Int32
	f         *os.File
	info      fs.FileInfo
	offset    int64
	partial   []byte
	fromStart bool
}

// NewTailer returns a tailer with default poll and backoff settings.
func NewTailer(path string, report func(string)) *Tailer {
	return &Tailer{Path: path, Poll: DefaultPoll, Backoff: DefaultBackoff(), Report: report}
}

// State returns the current state.
func (t *Tailer) State() State { return State(t.state.Load()) }

func (t *Tailer) setState(s State) { t.state.Store(int32(s)) }

func (t *Tailer) report(token string) {
	if t.Report != nil {
		t.Report(token)
	}
}

// Run follows the file until ctx is done. The first open of a file that
// already exists starts at end of file; a file that appears later or
// replaces a rotated one is read from the start.
func (t *Tailer) Run(ctx context.Context, handle func(line string)) error {
	log := logging.FromContext(ctx).With("path", t.Path)
	if t.Poll <= 0 {
		t.Poll = DefaultPoll
	}
	defer t.close()

	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		switch t.State() {
		case StateClosed:
			t.setState(StateOpening)

		case StateOpening:
			if err := t.open(); err != nil {
				token := ErrRead
				if errors.Is(err, fs.ErrNotExist) {
					token = ErrFileNotFound
					t.fromStart = true
				}
				log.Debug("stream open failed", "err", err)
				t.report(token)
				t.setState(StateClosed)
				if !sleep(ctx, t.Backoff.Next()) {
					return nil
				}
				continue
			}
			log.Info("stream opened", "offset", t.offset)
			t.Backoff.Reset()
			t.report("")
			t.setState(StateOpen)

		case StateOpen:
			n, err := t.f.Read(buf)
			if n > 0 {
				t.offset += int64(n)
				t.emit(buf[:n], handle)
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				log.Warn("stream read failed", "err", err)
				t.report(ErrRead)
				t.close()
				t.setState(StateClosed)
				if !sleep(ctx, t.Poll) {
					return nil
				}
				continue
			}
			if !t.checkFile(log.Debug) {
				if !sleep(ctx, t.Backoff.Next()) {
					return nil
				}
				continue
			}
			if !sleep(ctx, t.Poll) {
				return nil
			}
		}
	}
}

func (t *Tailer) open() error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	offset := int64(0)
	if !t.fromStart {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return err
		}
	}
	t.f, t.info, t.offset, t.partial = f, info, offset, t.partial[:0]
	return nil
}

// checkFile handles rotation, truncation and removal at end of file. It
// returns false when the file vanished and the caller should back off.
func (t *Tailer) checkFile(debug func(string, ...any)) bool {
	st, err := os.Stat(t.Path)
	if err != nil {
		t.close()
		t.fromStart = true
		t.setState(StateClosed)
		if errors.Is(err, fs.ErrNotExist) {
			t.report(ErrFileNotFound)
		} else {
			t.report(ErrRead)
		}
		return false
	}
	if !os.SameFile(st, t.info) {
		debug("stream rotated")
		t.close()
		t.fromStart = true
		t.setState(StateClosed)
		return true
	}
	if st.Size() < t.offset {
		debug("stream truncated", "size", st.Size(), "offset", t.offset)
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			t.close()
			t.setState(StateClosed)
			return true
		}
		t.offset = 0
		t.partial = t.partial[:0]
	}
	return true
}

func (t *Tailer) emit(chunk []byte, handle func(string)) {
	t.partial = append(t.partial, chunk...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		line := string(t.partial[:i])
		t.partial = t.partial[i+1:]
		handle(line)
	}
}

func (t *Tailer) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

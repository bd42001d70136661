// Package replay feeds recorded remote-ID captures through the contact
// tracker as if they were arriving live.
package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ndefender/internal/contact"
	"ndefender/internal/event"
	"ndefender/internal/health"
	"ndefender/internal/hub"
	"ndefender/internal/logging"
	"ndefender/internal/metrics"
	"ndefender/internal/status"
)

// Event sources stamped on loaded records.
const (
	SourceRaw = "raw_replay"
	SourceEK  = "ek_replay"
)

const (
	// DefaultPace is the delay between events when no speed is set.
	DefaultPace = 10 * time.Millisecond

	stateSource    = "replay"
	contactSource  = "remote_id"
	emptyWait      = time.Second
	defaultStateIv = 500 * time.Millisecond
)

// Config selects the captures and how fast they are played.
type Config struct {
	RawPath   string
	EKPath    string
	StatePath string
	// Pace is the fixed delay after each event. Ignored when Speed > 0.
	Pace time.Duration
	// Speed > 0 replays the recorded gaps between events divided by Speed.
	Speed         float64
	Loop          bool
	StateInterval time.Duration
}

// Replayer runs one or more passes over the captures.
type Replayer struct {
	Config
	Tracker *contact.Tracker
	Publish func(obj map[string]any)
	Metrics *metrics.Metrics
	// Health, if set, is marked responsive for every replayed event.
	Health *health.Subsystem

	active atomic.Bool
	mu     sync.Mutex
	last   string
	stats  event.DedupeStats
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// New returns a replayer feeding tracker and publishing lifecycle events.
func New(cfg Config, tracker *contact.Tracker, publish func(map[string]any)) *Replayer {
	if cfg.Pace <= 0 {
		cfg.Pace = DefaultPace
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = defaultStateIv
	}
	return &Replayer{Config: cfg, Tracker: tracker, Publish: publish, now: time.Now, sleep: sleep}
}

// Active reports whether a pass is in progress.
func (r *Replayer) Active() bool { return r.active.Load() }

// Load reads both captures, deduplicates the EK export, filters the raw
// capture and returns the merged events in timestamp order.
func Load(rawPath, ekPath string) ([]event.Event, event.DedupeStats, error) {
	raw, err := event.LoadJSONL(rawPath, SourceRaw)
	if err != nil {
		return nil, event.DedupeStats{}, fmt.Errorf("load raw capture: %w", err)
	}
	ek, err := event.LoadJSONL(ekPath, SourceEK)
	if err != nil {
		return nil, event.DedupeStats{}, fmt.Errorf("load ek capture: %w", err)
	}
	ek, stats := event.Dedupe(ek)

	merged := make([]event.Event, 0, len(raw)+len(ek))
	for _, e := range raw {
		if strings.HasPrefix(strings.ToLower(e.MsgType), "stats_") {
			continue
		}
		if e.BasicID == "" && e.MAC == "" {
			continue
		}
		merged = append(merged, e)
	}
	merged = append(merged, ek...)
	event.SortByTimestamp(merged)
	return merged, stats, nil
}

// Run replays until the captures are exhausted, or forever with Loop.
func (r *Replayer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		r.pass(ctx)
		if !r.Loop {
			break
		}
	}
	return nil
}

func (r *Replayer) pass(ctx context.Context) {
	log := logging.FromContext(ctx).With("raw", r.RawPath, "ek", r.EKPath)
	events, stats, err := Load(r.RawPath, r.EKPath)
	if err != nil {
		log.Warn("replay captures unreadable", "err", err)
	}
	r.Metrics.AddDedupe(stats.Dupes)

	if len(events) == 0 {
		log.Info("replay has no events")
		r.writeState(ctx, "DISCONNECTED", stats)
		r.sleep(ctx, emptyWait)
		r.setActive(false, 0)
		return
	}

	log.Info("replay started", "events", len(events), "ek_dupes", stats.Dupes)
	r.setActive(true, len(events))
	lastWrite := time.Time{}
	var prevTS float64
	for i, e := range events {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && r.Speed > 0 {
			if !r.sleep(ctx, scaledGap(e.TS-prevTS, r.Speed)) {
				break
			}
		}
		prevTS = e.TS
		r.Metrics.IncLine(e.Source)
		if r.Health != nil {
			r.Health.MarkResponse(r.now())
		}
		r.Tracker.Observe(e, r.emit)

		if now := r.now(); now.Sub(lastWrite) >= r.StateInterval {
			r.writeState(ctx, "CONNECTED", stats)
			lastWrite = now
		}
		if r.Speed <= 0 && !r.sleep(ctx, r.Pace) {
			break
		}
	}
	r.writeState(ctx, "DEGRADED", stats)
	r.setActive(false, len(events))
	log.Info("replay finished", "loop", r.Loop)
}

func scaledGap(sec, speed float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec / speed * float64(time.Second))
}

func (r *Replayer) emit(ls []contact.Lifecycle) {
	for _, l := range ls {
		r.Metrics.IncLifecycle(contactSource, string(l.Kind))
		if r.Publish != nil {
			r.Publish(l.Message(contactSource))
		}
	}
}

func (r *Replayer) setActive(active bool, events int) {
	was := r.active.Swap(active)
	if was == active && !active {
		return
	}
	if r.Publish != nil {
		r.Publish(map[string]any{
			"type":      hub.TypeReplayState,
			"timestamp": r.now().UnixMilli(),
			"source":    stateSource,
			"data":      map[string]any{"active": active, "events": events},
		})
	}
}

// Refresh rewrites the state file with the current contacts, keeping the
// last written health state.
func (r *Replayer) Refresh(ctx context.Context) {
	r.mu.Lock()
	state, stats := r.last, r.stats
	r.mu.Unlock()
	if state == "" {
		state = "DEGRADED"
	}
	r.writeState(ctx, state, stats)
}

func (r *Replayer) writeState(ctx context.Context, state string, stats event.DedupeStats) {
	r.mu.Lock()
	r.last, r.stats = state, stats
	r.mu.Unlock()
	if r.StatePath == "" {
		return
	}
	doc := status.StateFile{
		Health:  status.StateHealth{State: state, Source: stateSource, UpdatedTS: r.now().UnixMilli()},
		Counts:  r.Tracker.Stats(),
		Targets: r.Tracker.Snapshot(),
		Dedupe:  &status.StateDedupe{EK: stats},
	}
	err := status.WriteJSONAtomic(r.StatePath, doc)
	r.Metrics.IncStateWrite(err)
	if err != nil {
		logging.FromContext(ctx).Warn("replay state write failed", "path", r.StatePath, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

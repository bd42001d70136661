package contact

import (
	"sort"
	"sync"
	"time"

	"ndefender/internal/event"
)

// DefaultTTL is how long a remote-ID contact survives without observations.
const DefaultTTL = 15 * time.Second

const rateWindowMs = 60_000

// Stats is the tracker summary exposed to status and state snapshots.
type Stats struct {
	Targets int `json:"targets"`
	Msgs60s int `json:"msgs_60s"`
}

// Tracker owns the remote-ID contact table.
type Tracker struct {
	// emitMu orders producers that publish what they produce. It is held
	// across the emit callback; mu is not.
	emitMu sync.Mutex

	mu       sync.Mutex
	ttlMs    int64
	now      func() time.Time
	contacts map[string]*Contact
	window   []int64
}

// NewTracker creates a tracker. A zero ttl selects DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttlMs:    ttl.Milliseconds(),
		now:      time.Now,
		contacts: make(map[string]*Contact),
	}
}

// SetClock overrides the wall clock, for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// TTL returns the configured expiry window.
func (t *Tracker) TTL() time.Duration { return time.Duration(t.ttlMs) * time.Millisecond }

func (t *Tracker) pruneWindow(nowMs int64) {
	i := 0
	for i < len(t.window) && nowMs-t.window[i] > rateWindowMs {
		i++
	}
	if i > 0 {
		t.window = append(t.window[:0], t.window[i:]...)
	}
}

// Ingest applies one event and returns at most one lifecycle transition.
// Events without identity are counted but otherwise ignored.
func (t *Tracker) Ingest(e event.Event) []Lifecycle {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := t.now().UnixMilli()
	t.window = append(t.window, nowMs)
	t.pruneWindow(nowMs)

	id := StableID(e)
	if id == UnknownID {
		return nil
	}
	next := fromEvent(id, e, nowMs)
	prev, ok := t.contacts[id]
	if !ok {
		t.contacts[id] = &next
		c := next
		return []Lifecycle{{Kind: KindNew, TS: nowMs, ID: id, Contact: &c}}
	}

	mergeSticky(*prev, &next)
	changed := significantChange(*prev, next)
	*prev = next
	if !changed {
		return nil
	}
	c := next
	return []Lifecycle{{Kind: KindUpdate, TS: nowMs, ID: id, Contact: &c}}
}

// Expire removes contacts not seen within the TTL.
func (t *Tracker) Expire() []Lifecycle {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := t.now().UnixMilli()
	var lost []Lifecycle
	for id, c := range t.contacts {
		if nowMs-c.LastSeen > t.ttlMs {
			lost = append(lost, Lifecycle{Kind: KindLost, TS: nowMs, ID: id})
			delete(t.contacts, id)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].ID < lost[j].ID })
	return lost
}

// Observe ingests e, expires stale contacts and hands the resulting
// events to emit before any other Observe or Sweep can produce events, so
// every contact's events reach emit in the order they were produced.
func (t *Tracker) Observe(e event.Event, emit func([]Lifecycle)) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	ls := t.Ingest(e)
	ls = append(ls, t.Expire()...)
	if len(ls) > 0 {
		emit(ls)
	}
}

// Sweep is Expire with the ordering of Observe. It returns the number of
// contacts lost.
func (t *Tracker) Sweep(emit func([]Lifecycle)) int {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	lost := t.Expire()
	if len(lost) > 0 {
		emit(lost)
	}
	return len(lost)
}

// Stats returns the contact count and the number of events ingested in
// the last 60 seconds.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneWindow(t.now().UnixMilli())
	return Stats{Targets: len(t.contacts), Msgs60s: len(t.window)}
}

// Snapshot returns copies of all contacts, most recently seen first.
func (t *Tracker) Snapshot() []Contact {
	t.mu.Lock()
	out := make([]Contact, 0, len(t.contacts))
	for _, c := range t.contacts {
		out = append(out, *c)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live contacts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contacts)
}

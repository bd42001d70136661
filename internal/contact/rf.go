package contact

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ndefender/internal/event"
)

// DefaultRFTTL is how long an RF contact survives without reports.
const DefaultRFTTL = 7 * time.Second

// RFAttrs describes an unidentified emission.
type RFAttrs struct {
	CenterHz       *float64 `json:"center_hz"`
	SNRdB          *float64 `json:"snr_db"`
	PeakdB         *float64 `json:"peak_db"`
	BandwidthClass any      `json:"bandwidth_class"`
	FamilyHint     string   `json:"family_hint"`
}

// RFContact is an UNKNOWN_RF contact as reported by the scanner.
type RFContact struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	LastSeen  int64   `json:"last_seen_ts"`
	UnknownRF RFAttrs `json:"unknown_rf"`
}

// RFLifecycle carries the full contact, including for KindLost.
type RFLifecycle struct {
	Kind    Kind
	TS      int64
	Contact RFContact
}

// ParseRF decodes an RF_CONTACT_* record. ok is false for other records
// and for records that carry neither an id nor a center frequency.
func ParseRF(obj map[string]any, now time.Time) (RFLifecycle, bool) {
	evt, _ := obj["type"].(string)
	if evt == "" {
		evt, _ = obj["event"].(string)
	}
	if !strings.HasPrefix(evt, "RF_CONTACT_") {
		return RFLifecycle{}, false
	}
	var kind Kind
	switch evt {
	case "RF_CONTACT_NEW":
		kind = KindNew
	case "RF_CONTACT_UPDATE":
		kind = KindUpdate
	case "RF_CONTACT_LOST":
		kind = KindLost
	default:
		return RFLifecycle{}, false
	}

	data, _ := obj["data"].(map[string]any)
	id := event.String(obj["id"])
	if id == "" {
		id = event.String(data["id"])
	}
	center, hasCenter := event.Number(data["center_hz"])
	if id == "" && hasCenter {
		id = "rf:" + strconv.FormatInt(int64(center), 10)
	}
	if id == "" {
		return RFLifecycle{}, false
	}

	ts := rfTimestamp(obj, now)
	attrs := RFAttrs{
		SNRdB:          numberPtr(data["snr_db"]),
		PeakdB:         numberPtr(data["peak_db"]),
		BandwidthClass: data["bandwidth_class"],
		FamilyHint:     event.String(data["family_hint"]),
	}
	if hasCenter {
		attrs.CenterHz = &center
	}
	if attrs.FamilyHint == "" {
		attrs.FamilyHint = "unknown"
	}
	return RFLifecycle{
		Kind: kind,
		TS:   ts,
		Contact: RFContact{
			ID:        id,
			Type:      TypeUnknownRF,
			LastSeen:  ts,
			UnknownRF: attrs,
		},
	}, true
}

func rfTimestamp(obj map[string]any, now time.Time) int64 {
	for _, k := range []string{"ts_ms", "timestamp", "ts"} {
		if v, ok := event.Number(obj[k]); ok && v != 0 {
			return int64(v)
		}
	}
	if t, ok := event.Number(obj["t"]); ok {
		return int64(t * 1000)
	}
	return now.UnixMilli()
}

func numberPtr(v any) *float64 {
	if f, ok := event.Number(v); ok {
		return &f
	}
	return nil
}

// RFStore holds RF contacts. Updates replace the stored contact wholesale.
type RFStore struct {
	emitMu sync.Mutex

	mu       sync.Mutex
	ttlMs    int64
	now      func() time.Time
	contacts map[string]RFContact
}

// NewRFStore creates a store. A zero ttl selects DefaultRFTTL.
func NewRFStore(ttl time.Duration) *RFStore {
	if ttl <= 0 {
		ttl = DefaultRFTTL
	}
	return &RFStore{ttlMs: ttl.Milliseconds(), now: time.Now, contacts: make(map[string]RFContact)}
}

// SetClock overrides the wall clock, for tests.
func (s *RFStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Apply records a parsed lifecycle: LOST removes, anything else replaces.
func (s *RFStore) Apply(l RFLifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Kind == KindLost {
		delete(s.contacts, l.Contact.ID)
		return
	}
	s.contacts[l.Contact.ID] = l.Contact
}

// Expire removes contacts whose last report is older than the TTL.
func (s *RFStore) Expire() []RFLifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	var lost []RFLifecycle
	for id, c := range s.contacts {
		if nowMs-c.LastSeen > s.ttlMs {
			lost = append(lost, RFLifecycle{Kind: KindLost, TS: nowMs, Contact: c})
			delete(s.contacts, id)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].Contact.ID < lost[j].Contact.ID })
	return lost
}

// Observe applies l and hands it to emit before any other Observe or
// Sweep can produce events.
func (s *RFStore) Observe(l RFLifecycle, emit func([]RFLifecycle)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.Apply(l)
	emit([]RFLifecycle{l})
}

// Sweep is Expire with the ordering of Observe.
func (s *RFStore) Sweep(emit func([]RFLifecycle)) int {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	lost := s.Expire()
	if len(lost) > 0 {
		emit(lost)
	}
	return len(lost)
}

// Snapshot returns all RF contacts, most recently seen first.
func (s *RFStore) Snapshot() []RFContact {
	s.mu.Lock()
	out := make([]RFContact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live RF contacts.
func (s *RFStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}

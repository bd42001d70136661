package contact

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestParseRF(t *testing.T) {
	now := time.UnixMilli(5_000)
	cases := []struct {
		name   string
		obj    map[string]any
		ok     bool
		id     string
		kind   Kind
		ts     int64
		family string
	}{
		{
			name: "explicit id",
			obj:  map[string]any{"type": "RF_CONTACT_NEW", "id": "rf-1", "ts_ms": float64(1234), "data": map[string]any{"center_hz": 5.8e9, "family_hint": "analog_fpv"}},
			ok:   true, id: "rf-1", kind: KindNew, ts: 1234, family: "analog_fpv",
		},
		{
			name: "center frequency id",
			obj:  map[string]any{"event": "RF_CONTACT_UPDATE", "t": 2.5, "data": map[string]any{"center_hz": 5745000000.7}},
			ok:   true, id: "rf:5745000000", kind: KindUpdate, ts: 2500, family: "unknown",
		},
		{
			name: "data id and receipt time",
			obj:  map[string]any{"type": "RF_CONTACT_LOST", "data": map[string]any{"id": "d-9"}},
			ok:   true, id: "d-9", kind: KindLost, ts: 5000, family: "unknown",
		},
		{name: "no identity", obj: map[string]any{"type": "RF_CONTACT_NEW", "data": map[string]any{}}},
		{name: "other record", obj: map[string]any{"type": "RF_SCAN_STATS"}},
		{name: "not rf", obj: map[string]any{"type": "CONTACT_NEW", "id": "x"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l, ok := ParseRF(c.obj, now)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if !ok {
				return
			}
			if l.Contact.ID != c.id || l.Kind != c.kind || l.TS != c.ts || l.Contact.LastSeen != c.ts {
				t.Fatalf("unexpected lifecycle %+v", l)
			}
			if l.Contact.Type != TypeUnknownRF || l.Contact.UnknownRF.FamilyHint != c.family {
				t.Fatalf("unexpected contact %+v", l.Contact)
			}
		})
	}
}

func TestRFStoreReplaceAndExpire(t *testing.T) {
	clk := newClock()
	s := NewRFStore(7 * time.Second)
	s.SetClock(clk.now)

	snr := 12.0
	s.Apply(RFLifecycle{Kind: KindNew, Contact: RFContact{ID: "a", LastSeen: clk.t.UnixMilli(), UnknownRF: RFAttrs{SNRdB: &snr, FamilyHint: "x"}}})
	s.Apply(RFLifecycle{Kind: KindUpdate, Contact: RFContact{ID: "a", LastSeen: clk.t.UnixMilli(), UnknownRF: RFAttrs{FamilyHint: "y"}}})
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].UnknownRF.SNRdB != nil || snap[0].UnknownRF.FamilyHint != "y" {
		t.Fatalf("update must replace wholesale, got %+v", snap)
	}

	clk.advance(7 * time.Second)
	if lost := s.Expire(); len(lost) != 0 {
		t.Fatalf("contact at TTL must survive")
	}
	clk.advance(time.Millisecond)
	lost := s.Expire()
	if len(lost) != 1 || lost[0].Contact.ID != "a" || lost[0].Kind != KindLost {
		t.Fatalf("expected lost contact, got %+v", lost)
	}
	if s.Len() != 0 {
		t.Fatalf("store not empty")
	}
}

func TestRFStoreLostRemoves(t *testing.T) {
	s := NewRFStore(0)
	s.Apply(RFLifecycle{Kind: KindNew, Contact: RFContact{ID: "a", LastSeen: time.Now().UnixMilli()}})
	s.Apply(RFLifecycle{Kind: KindLost, Contact: RFContact{ID: "a"}})
	if s.Len() != 0 {
		t.Fatalf("LOST must remove contact")
	}
}

func TestRFStoreConcurrentUse(t *testing.T) {
	s := NewRFStore(time.Millisecond)
	last := map[string]Kind{}
	emit := func(ls []RFLifecycle) {
		for _, l := range ls {
			last[l.Contact.ID] = l.Kind
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			kinds := []string{"RF_CONTACT_NEW", "RF_CONTACT_UPDATE", "RF_CONTACT_LOST"}
			for i := 0; i < 200; i++ {
				obj := map[string]any{"type": kinds[(i+w)%3], "id": fmt.Sprintf("rf-%d", i%4)}
				if l, ok := ParseRF(obj, time.Now()); ok {
					s.Observe(l, emit)
				}
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Sweep(emit)
			time.Sleep(50 * time.Microsecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Snapshot()
			_ = s.Len()
		}
	}()
	wg.Wait()

	live := 0
	for _, k := range last {
		if k != KindLost {
			live++
		}
	}
	if s.Len() != live {
		t.Fatalf("store holds %d contacts, emitted events leave %d live", s.Len(), live)
	}
}

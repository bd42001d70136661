package event

import (
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, line string) map[string]any {
	t.Helper()
	obj, ok := ParseLine(line)
	if !ok {
		t.Fatalf("ParseLine rejected %q", line)
	}
	return obj
}

func TestNormalizeLayers(t *testing.T) {
	obj := mustParse(t, `{"timestamp": 1700000000.5, "layers": {
		"frame.frame_number": ["42"],
		"OpenDroneID.msgType": ["1"],
		"OpenDroneID.basicID_id_asc": ["SN-123"],
		"OpenDroneID.loc_lat": ["37.7749"],
		"wlan.sa": ["AA:BB:CC:DD:EE:FF"]
	}}`)
	e := Normalize(obj, "live", time.Unix(0, 0))
	if e.TS != 1700000000.5 {
		t.Fatalf("ts = %v", e.TS)
	}
	if e.FrameNo == nil || *e.FrameNo != 42 {
		t.Fatalf("frame_no = %v", e.FrameNo)
	}
	if e.MsgType != "1" || e.BasicID != "SN-123" || e.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected identity fields: %+v", e)
	}
	if e.Lat == nil || *e.Lat != 37.7749 {
		t.Fatalf("lat = %v", e.Lat)
	}
	if e.Source != "live" {
		t.Fatalf("source = %q", e.Source)
	}
}

func TestNormalizeDeepScaledLocation(t *testing.T) {
	obj := mustParse(t, `{"layers": {"opendroneid": [{"opendroneid_message_pack": {
		"opendroneid_OpenDroneID_loc_lat": "377749000",
		"opendroneid_OpenDroneID_loc_lon": "-1224194000",
		"opendroneid_OpenDroneID_loc_geoAlt": "2474",
		"opendroneid_OpenDroneID_operator_id": "OP-9"
	}}]}}`)
	e := Normalize(obj, "ek_replay", time.Unix(10, 0))
	if e.Lat == nil || *e.Lat != 37.7749 {
		t.Fatalf("lat = %v", e.Lat)
	}
	if e.Lon == nil || *e.Lon != -122.4194 {
		t.Fatalf("lon = %v", e.Lon)
	}
	if e.AltM == nil || *e.AltM != 247.4 {
		t.Fatalf("alt = %v", e.AltM)
	}
	if e.OperatorID != "OP-9" {
		t.Fatalf("operator_id = %q", e.OperatorID)
	}
	if e.TS != 10 {
		t.Fatalf("expected receipt time fallback, got %v", e.TS)
	}
}

func TestNormalizeFlatLegacy(t *testing.T) {
	obj := mustParse(t, `{"ts": 5, "rid_type": "location", "basic_id": "B1", "latitude": 1.5,
		"longitude": 2.5, "altitude_m": 30, "pilot_lat": 1.4, "pilot_longitude": 2.4,
		"home_latitude": 1.3, "home_lon": 2.3}`)
	e := Normalize(obj, "raw_replay", time.Now())
	if e.MsgType != "location" || e.BasicID != "B1" {
		t.Fatalf("unexpected: %+v", e)
	}
	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{"lat", e.Lat, 1.5},
		{"lon", e.Lon, 2.5},
		{"alt", e.AltM, 30},
		{"operator_lat", e.OperatorLat, 1.4},
		{"operator_lon", e.OperatorLon, 2.4},
		{"home_lat", e.HomeLat, 1.3},
		{"home_lon", e.HomeLon, 2.3},
	}
	for _, c := range checks {
		if c.got == nil || *c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if e.FrameNo != nil {
		t.Fatalf("expected no frame number")
	}
}

func TestNormalizeNoIdentityKept(t *testing.T) {
	e := Normalize(map[string]any{"foo": "bar"}, "live", time.Now())
	if e.HasIdentity() {
		t.Fatalf("expected no identity: %+v", e)
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
	}{
		{"", false},
		{"   ", false},
		{`{"index":{"_index":"packets"}}`, false},
		{`not json`, false},
		{`[1,2]`, false},
		{` {"a":1} `, true},
	}
	for _, c := range cases {
		if _, ok := ParseLine(c.line); ok != c.ok {
			t.Errorf("ParseLine(%q) ok=%v, want %v", c.line, ok, c.ok)
		}
	}
}

func TestReadJSONL(t *testing.T) {
	in := strings.Join([]string{
		`{"index":{}}`,
		`{"ts": 2, "basic_id": "A"}`,
		`garbage`,
		``,
		`{"ts": 1, "mac": "aa"}`,
	}, "\n")
	events, err := ReadJSONL(strings.NewReader(in), "raw", time.Now)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	SortByTimestamp(events)
	if events[0].MAC != "aa" || events[1].BasicID != "A" {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestLoadJSONLMissing(t *testing.T) {
	events, err := LoadJSONL(t.TempDir()+"/missing.jsonl", "raw")
	if err != nil || events != nil {
		t.Fatalf("expected empty result, got %v %v", events, err)
	}
}

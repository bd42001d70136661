package event

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Lookup order per field. Layer keys are read from the nested "layers"
// object when present (or the record itself), deep keys are searched
// recursively, flat keys are top-level legacy names.
var (
	tsKeys = []string{"ts", "timestamp", "@timestamp"}

	frameLayerKeys = []string{"frame.frame_number", "frame_frame_number"}

	msgTypeLayerKeys = []string{"OpenDroneID.msgType", "opendroneid.msgType"}
	msgTypeFlatKeys  = []string{"msg_type", "type", "rid_type", "OpenDroneID.msgType"}

	operatorLayerKeys = []string{"OpenDroneID.operator_id", "OpenDroneID.operatorId", "opendroneid.operator_id"}
	operatorDeepKey   = "opendroneid_OpenDroneID_operator_id"
	operatorFlatKeys  = []string{"operator_id", "OpenDroneID.operator_id"}

	basicLayerKeys = []string{"OpenDroneID.basicID_id_asc", "OpenDroneID.basicid_id_asc", "opendroneid.basicID_id_asc"}
	basicFlatKeys  = []string{"basic_id", "id", "basicID_id_asc", "OpenDroneID.basicID_id_asc"}

	latLayerKeys = []string{"OpenDroneID.loc_lat", "opendroneid.loc_lat"}
	latDeepKey   = "opendroneid_OpenDroneID_loc_lat"
	lonDeepKey   = "opendroneid_OpenDroneID_loc_lon"
	altDeepKey   = "opendroneid_OpenDroneID_loc_geoAlt"
	latFlatKeys  = []string{"lat", "latitude"}
	lonFlatKeys  = []string{"lon", "longitude"}
	altFlatKeys  = []string{"alt_m", "alt", "altitude_m"}

	macLayerKeys = []string{"wlan.sa", "wlan.ta", "wlan.da", "wlan.bssid", "eth.src", "btle.address", "mac"}

	operatorLatKeys = []string{"operator_lat", "pilot_lat", "operator_latitude", "pilot_latitude"}
	operatorLonKeys = []string{"operator_lon", "pilot_lon", "operator_longitude", "pilot_longitude"}
	homeLatKeys     = []string{"home_lat", "home_latitude"}
	homeLonKeys     = []string{"home_lon", "home_longitude"}
)

const (
	degreeScale   = 1e7
	decimeterUnit = 10.0
)

// Normalize maps a decoded record onto an Event. It never fails: fields
// that cannot be found stay empty and TS falls back to now.
func Normalize(raw map[string]any, source string, now time.Time) Event {
	e := Event{Source: source, Raw: raw}

	if ts, ok := toFloat(firstPresent(raw, tsKeys)); ok {
		e.TS = ts
	} else {
		e.TS = float64(now.UnixNano()) / 1e9
	}

	flat := raw
	if layers, ok := raw["layers"].(map[string]any); ok {
		flat = layers
	}

	fn := pickFirst(flat, frameLayerKeys)
	if fn == nil {
		fn = truthy(raw["frame_frame_number"])
	}
	if n, ok := toInt(fn); ok {
		e.FrameNo = &n
	}

	e.MsgType = toString(pickFirst(flat, msgTypeLayerKeys))
	e.OperatorID = toString(pickFirst(flat, operatorLayerKeys))
	if e.OperatorID == "" {
		e.OperatorID = toString(deepFind(raw, operatorDeepKey))
	}
	e.BasicID = toString(pickFirst(flat, basicLayerKeys))

	if v, ok := toFloat(pickFirst(flat, latLayerKeys)); ok {
		e.Lat = &v
	}
	if e.Lat == nil {
		e.Lat = scaled(deepFind(raw, latDeepKey), degreeScale)
	}
	e.Lon = scaled(deepFind(raw, lonDeepKey), degreeScale)
	e.AltM = scaled(deepFind(raw, altDeepKey), decimeterUnit)

	e.MAC = toString(pickFirst(flat, macLayerKeys))

	if e.MsgType == "" {
		e.MsgType = toString(firstPresent(raw, msgTypeFlatKeys))
	}
	if e.OperatorID == "" {
		e.OperatorID = toString(firstPresent(raw, operatorFlatKeys))
	}
	if e.BasicID == "" {
		e.BasicID = toString(firstPresent(raw, basicFlatKeys))
	}
	if e.Lat == nil {
		e.Lat = floatPtr(firstPresent(raw, latFlatKeys))
	}
	if e.Lon == nil {
		e.Lon = floatPtr(firstPresent(raw, lonFlatKeys))
	}
	if e.AltM == nil {
		e.AltM = floatPtr(firstPresent(raw, altFlatKeys))
	}

	e.OperatorLat = floatPtr(firstPresent(raw, operatorLatKeys))
	e.OperatorLon = floatPtr(firstPresent(raw, operatorLonKeys))
	e.HomeLat = floatPtr(firstPresent(raw, homeLatKeys))
	e.HomeLon = floatPtr(firstPresent(raw, homeLonKeys))
	return e
}

// pick returns flat[k], unwrapping single-value lists as emitted by tshark.
func pick(flat map[string]any, k string) any {
	v := flat[k]
	if l, ok := v.([]any); ok {
		if len(l) == 0 {
			return nil
		}
		return l[0]
	}
	return v
}

// pickFirst returns the first truthy value among keys.
func pickFirst(flat map[string]any, keys []string) any {
	for _, k := range keys {
		if v := truthy(pick(flat, k)); v != nil {
			return v
		}
	}
	return nil
}

// firstPresent returns the value of the first key present in m, even if it
// is empty.
func firstPresent(m map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func truthy(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
	case float64:
		if x == 0 {
			return nil
		}
	case bool:
		if !x {
			return nil
		}
	case []any:
		if len(x) == 0 {
			return nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil
		}
	}
	return v
}

// deepFind searches nested maps and lists for key and returns the first
// non-nil hit. Map keys are visited in sorted order.
func deepFind(v any, key string) any {
	switch x := v.(type) {
	case map[string]any:
		if hit, ok := x[key]; ok {
			return hit
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if r := deepFind(x[k], key); r != nil {
				return r
			}
		}
	case []any:
		for _, it := range x {
			if r := deepFind(it, key); r != nil {
				return r
			}
		}
	}
	return nil
}

// scaled decodes an integer-encoded quantity. Non-integral values are
// assumed to already be in natural units.
func scaled(v any, div float64) *float64 {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	if n, ok := toInt(v); ok {
		f := float64(n) / div
		return &f
	}
	return floatPtr(v)
}

func floatPtr(v any) *float64 {
	if f, ok := toFloat(v); ok {
		return &f
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// toInt accepts integral numbers and integer strings.
func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// String exposes the record string conversion used by Normalize.
func String(v any) string { return toString(v) }

// Number exposes the record numeric conversion used by Normalize.
func Number(v any) (float64, bool) { return toFloat(v) }

// Package event turns decoded remote-ID records into normalized events.
package event

import (
	"sort"
	"time"
)

// Event is one normalized remote-ID observation. Empty strings and nil
// pointers mean the field was not present in the record.
type Event struct {
	TS          float64        `json:"ts"`
	Source      string         `json:"source"`
	MsgType     string         `json:"msg_type,omitempty"`
	OperatorID  string         `json:"operator_id,omitempty"`
	BasicID     string         `json:"basic_id,omitempty"`
	MAC         string         `json:"mac,omitempty"`
	Lat         *float64       `json:"lat,omitempty"`
	Lon         *float64       `json:"lon,omitempty"`
	AltM        *float64       `json:"alt_m,omitempty"`
	OperatorLat *float64       `json:"operator_lat,omitempty"`
	OperatorLon *float64       `json:"operator_lon,omitempty"`
	HomeLat     *float64       `json:"home_lat,omitempty"`
	HomeLon     *float64       `json:"home_lon,omitempty"`
	FrameNo     *int64         `json:"frame_no,omitempty"`
	Raw         map[string]any `json:"-"`
}

// HasIdentity reports whether the event carries anything a contact can be
// keyed on.
func (e Event) HasIdentity() bool {
	return e.BasicID != "" || e.OperatorID != "" || e.MAC != "" || (e.Lat != nil && e.Lon != nil)
}

// Time returns TS as a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.TS)
	return time.Unix(sec, int64((e.TS-float64(sec))*1e9))
}

// SortByTimestamp orders events by TS, keeping input order for ties.
func SortByTimestamp(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].TS < events[j].TS })
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

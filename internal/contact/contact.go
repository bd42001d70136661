// Package contact keeps the live set of remote-ID and RF contacts.
package contact

import (
	"math"
	"strconv"
	"strings"

	"ndefender/internal/event"
)

// Kind is a contact lifecycle transition.
type Kind string

const (
	KindNew    Kind = "NEW"
	KindUpdate Kind = "UPDATE"
	KindLost   Kind = "LOST"
)

// Contact types.
const (
	TypeRemoteID  = "REMOTE_ID"
	TypeUnknownRF = "UNKNOWN_RF"
)

// UnknownID is returned by StableID for events that cannot be keyed.
const UnknownID = "rid:unknown"

// Contact is a remote-ID contact. Attributes are sticky across updates.
type Contact struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	LastSeen    int64    `json:"last_ts"`
	Source      string   `json:"source,omitempty"`
	MsgType     string   `json:"msg_type,omitempty"`
	OperatorID  string   `json:"operator_id,omitempty"`
	BasicID     string   `json:"basic_id,omitempty"`
	MAC         string   `json:"mac,omitempty"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	AltM        *float64 `json:"alt_m"`
	OperatorLat *float64 `json:"operator_lat"`
	OperatorLon *float64 `json:"operator_lon"`
	HomeLat     *float64 `json:"home_lat"`
	HomeLon     *float64 `json:"home_lon"`
}

// Lifecycle is emitted by the tracker. Contact is nil for KindLost.
type Lifecycle struct {
	Kind    Kind
	TS      int64
	ID      string
	Contact *Contact
}

// LegacyType is the event type name used on the internal bus.
func (l Lifecycle) LegacyType() string {
	return "RID_CONTACT_" + string(l.Kind)
}

// Message renders l as an internal bus object tagged with source.
func (l Lifecycle) Message(source string) map[string]any {
	msg := map[string]any{"type": l.LegacyType(), "ts": l.TS, "source": source}
	if l.Contact != nil {
		msg["contact"] = *l.Contact
	} else {
		msg["id"] = l.ID
	}
	return msg
}

// StableID derives the contact key for e: basic id, then MAC, then
// operator id, then position rounded to four decimals.
func StableID(e event.Event) string {
	switch {
	case e.BasicID != "":
		return "rid:" + e.BasicID
	case e.MAC != "":
		return "rid:mac:" + strings.ToLower(e.MAC)
	case e.OperatorID != "":
		return "rid:op:" + e.OperatorID
	case e.Lat != nil && e.Lon != nil:
		return "rid:pos:" + round4(*e.Lat) + ":" + round4(*e.Lon)
	}
	return UnknownID
}

func round4(v float64) string {
	r := math.Round(v*1e4) / 1e4
	s := strconv.FormatFloat(r, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func fromEvent(id string, e event.Event, nowMs int64) Contact {
	return Contact{
		ID:          id,
		Type:        TypeRemoteID,
		LastSeen:    nowMs,
		Source:      e.Source,
		MsgType:     e.MsgType,
		OperatorID:  e.OperatorID,
		BasicID:     e.BasicID,
		MAC:         e.MAC,
		Lat:         e.Lat,
		Lon:         e.Lon,
		AltM:        e.AltM,
		OperatorLat: e.OperatorLat,
		OperatorLon: e.OperatorLon,
		HomeLat:     e.HomeLat,
		HomeLon:     e.HomeLon,
	}
}

// mergeSticky fills fields missing from next with values known in prev.
func mergeSticky(prev Contact, next *Contact) {
	stickyFloat(&next.Lat, prev.Lat)
	stickyFloat(&next.Lon, prev.Lon)
	stickyFloat(&next.AltM, prev.AltM)
	stickyFloat(&next.OperatorLat, prev.OperatorLat)
	stickyFloat(&next.OperatorLon, prev.OperatorLon)
	stickyFloat(&next.HomeLat, prev.HomeLat)
	stickyFloat(&next.HomeLon, prev.HomeLon)
	stickyString(&next.BasicID, prev.BasicID)
	stickyString(&next.OperatorID, prev.OperatorID)
	stickyString(&next.MAC, prev.MAC)
}

func stickyFloat(dst **float64, prev *float64) {
	if *dst == nil && prev != nil {
		*dst = prev
	}
}

func stickyString(dst *string, prev string) {
	if *dst == "" && prev != "" {
		*dst = prev
	}
}

// significantChange reports whether any field that viewers care about
// differs. LastSeen is deliberately excluded.
func significantChange(a, b Contact) bool {
	return a.MsgType != b.MsgType ||
		a.OperatorID != b.OperatorID ||
		a.BasicID != b.BasicID ||
		a.MAC != b.MAC ||
		a.Source != b.Source ||
		!sameFloat(a.Lat, b.Lat) ||
		!sameFloat(a.Lon, b.Lon) ||
		!sameFloat(a.AltM, b.AltM) ||
		!sameFloat(a.OperatorLat, b.OperatorLat) ||
		!sameFloat(a.OperatorLon, b.OperatorLon) ||
		!sameFloat(a.HomeLat, b.HomeLat) ||
		!sameFloat(a.HomeLon, b.HomeLon)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

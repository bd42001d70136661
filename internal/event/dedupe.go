package event

// DedupeStats summarizes one Dedupe pass.
type DedupeStats struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Dupes  int `json:"dupes"`
}

type dedupeKey struct {
	frame      int64
	msgType    string
	operatorID string
	basicID    string
	lat, lon   float64
	hasLat     bool
	hasLon     bool
}

func keyOf(e Event) dedupeKey {
	k := dedupeKey{
		frame:      *e.FrameNo,
		msgType:    e.MsgType,
		operatorID: e.OperatorID,
		basicID:    e.BasicID,
	}
	if e.Lat != nil {
		k.lat, k.hasLat = *e.Lat, true
	}
	if e.Lon != nil {
		k.lon, k.hasLon = *e.Lon, true
	}
	return k
}

// Dedupe drops repeats of the same message within one capture frame. The
// seen set is reset whenever the frame number differs from the previous
// event's. Events without a frame number always pass.
func Dedupe(events []Event) ([]Event, DedupeStats) {
	out := make([]Event, 0, len(events))
	seen := make(map[dedupeKey]struct{})
	var (
		cur    int64
		hasCur bool
		dupes  int
	)
	for _, e := range events {
		sameFrame := (e.FrameNo == nil && !hasCur) || (e.FrameNo != nil && hasCur && *e.FrameNo == cur)
		if !sameFrame {
			clear(seen)
			hasCur = e.FrameNo != nil
			if hasCur {
				cur = *e.FrameNo
			}
		}
		if e.FrameNo == nil {
			out = append(out, e)
			continue
		}
		k := keyOf(e)
		if _, dup := seen[k]; dup {
			dupes++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out, DedupeStats{Before: len(events), After: len(out), Dupes: dupes}
}

// Package simfeed writes a synthetic decoded remote-ID stream for bench
// testing the ingest path without a radio.
package simfeed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"ndefender/internal/logging"
)

const (
	earthRadiusM  = 6371000
	metersPerDeg  = 111000
	degreeScale   = 1e7
	decimeterUnit = 10
)

// Config describes the simulated airspace.
type Config struct {
	Path      string
	Count     int
	CenterLat float64
	CenterLon float64
	RadiusM   float64
	AltM      float64
	Interval  time.Duration
	Seed      int64
}

// Emitter is one simulated drone.
type Emitter struct {
	Serial   string
	Operator string
	MAC      string
	Lat      float64
	Lon      float64
	AltM     float64
}

// Feed moves emitters and renders their broadcasts.
type Feed struct {
	cfg      Config
	rng      *rand.Rand
	emitters []*Emitter
	frame    int64
	now      func() time.Time
}

// New places cfg.Count emitters inside the radius. A zero Seed seeds
// from the clock.
func New(cfg Config) *Feed {
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	if cfg.RadiusM <= 0 {
		cfg.RadiusM = 1000
	}
	if cfg.AltM <= 0 {
		cfg.AltM = 80
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &Feed{cfg: cfg, rng: rand.New(rand.NewSource(seed)), now: time.Now}
	for i := 0; i < cfg.Count; i++ {
		f.emitters = append(f.emitters, f.spawn())
	}
	return f
}

func (f *Feed) spawn() *Emitter {
	id, err := uuid.NewRandomFromReader(f.rng)
	if err != nil {
		id = uuid.New()
	}
	dist := f.rng.Float64() * f.cfg.RadiusM
	bearing := f.rng.Float64() * 2 * math.Pi
	lat, lon := offset(f.cfg.CenterLat, f.cfg.CenterLon, dist, bearing)
	return &Emitter{
		Serial:   fmt.Sprintf("SIM%X", id[:6]),
		Operator: fmt.Sprintf("OP-%X", id[6:9]),
		MAC:      fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", id[10], id[11], id[12], id[13], id[14]),
		Lat:      lat,
		Lon:      lon,
		AltM:     f.cfg.AltM,
	}
}

// Emitters returns the simulated drones.
func (f *Feed) Emitters() []*Emitter { return f.emitters }

// offset moves (lat, lon) by dist meters along bearing.
func offset(lat, lon, dist, bearing float64) (float64, float64) {
	dLat := dist * math.Cos(bearing) / metersPerDeg
	dLon := dist * math.Sin(bearing) / (metersPerDeg * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

// Distance returns the great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// move random-walks e at 15 to 25 m/s for one interval, turning back
// toward the center when it would leave the radius.
func (f *Feed) move(e *Emitter) {
	secs := f.cfg.Interval.Seconds()
	speed := 15 + f.rng.Float64()*10
	heading := f.rng.Float64() * 2 * math.Pi
	lat, lon := offset(e.Lat, e.Lon, speed*secs, heading)
	if Distance(f.cfg.CenterLat, f.cfg.CenterLon, lat, lon) > f.cfg.RadiusM {
		back := math.Atan2(
			(f.cfg.CenterLon-e.Lon)*math.Cos(e.Lat*math.Pi/180),
			f.cfg.CenterLat-e.Lat,
		)
		lat, lon = offset(e.Lat, e.Lon, speed*secs, back)
	}
	e.Lat, e.Lon = lat, lon
	e.AltM = math.Max(0, e.AltM+f.rng.Float64()*2-1)
}

// Record renders e as a decoded OpenDroneID location broadcast. Position
// is in 1e-7 degrees and altitude in decimeters, as the decoder emits.
func (f *Feed) Record(e *Emitter, ts time.Time) map[string]any {
	f.frame++
	return map[string]any{
		"ts": float64(ts.UnixMilli()) / 1000,
		"layers": map[string]any{
			"frame.frame_number":         []any{fmt.Sprint(f.frame)},
			"wlan.sa":                    []any{e.MAC},
			"OpenDroneID.msgType":        []any{"location"},
			"OpenDroneID.basicID_id_asc": []any{e.Serial},
			"OpenDroneID.operator_id":    []any{e.Operator},
			"opendroneid": map[string]any{
				"opendroneid_OpenDroneID_loc_lat":    int64(math.Round(e.Lat * degreeScale)),
				"opendroneid_OpenDroneID_loc_lon":    int64(math.Round(e.Lon * degreeScale)),
				"opendroneid_OpenDroneID_loc_geoAlt": int64(math.Round(e.AltM * decimeterUnit)),
			},
		},
	}
}

// Step moves every emitter once and returns their records.
func (f *Feed) Step() []map[string]any {
	ts := f.now()
	out := make([]map[string]any, 0, len(f.emitters))
	for _, e := range f.emitters {
		f.move(e)
		out = append(out, f.Record(e, ts))
	}
	return out
}

// Run appends one record per emitter to cfg.Path every interval until
// ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With("path", f.cfg.Path)
	file, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer file.Close()

	log.Info("writing simulated remote id feed", "emitters", len(f.emitters), "interval", f.cfg.Interval)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := f.write(file); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *Feed) write(file *os.File) error {
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, rec := range f.Step() {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	// One flush per tick so the tailer sees whole lines.
	return w.Flush()
}

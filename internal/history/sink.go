// Package history records contact lifecycle and controller telemetry in
// GreptimeDB.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"ndefender/internal/contact"
	"ndefender/internal/controller"
	"ndefender/internal/hub"
	"ndefender/internal/logging"
	"ndefender/internal/metrics"
)

// Defaults for a zero-valued Sink.
const (
	DefaultContactTable   = "rid_contacts"
	DefaultTelemetryTable = "controller_telemetry"
	DefaultFlushInterval  = time.Second
	DefaultBatchSize      = 200
)

type contactRow struct {
	ts         time.Time
	id         string
	source     string
	kind       string
	typ        string
	basicID    string
	operatorID string
	mac        string
	lat        *float64
	lon        *float64
	alt        *float64
	centerHz   *float64
	snr        *float64
}

type telemetryRow struct {
	ts        time.Time
	link      string
	rssi      *float64
	uptime    *float64
	scanState string
	selected  *int64
	freqHz    *int64
	rssiRaw   *int64
}

// Sink is a hub subscriber that buffers envelopes and writes them in
// batches. Send never fails, so the hub never drops it; rows beyond the
// buffer limit are discarded oldest first.
type Sink struct {
	Client         Client
	ContactTable   string
	TelemetryTable string
	FlushInterval  time.Duration
	BatchSize      int
	Metrics        *metrics.Metrics

	mu        sync.Mutex
	contacts  []contactRow
	telemetry []telemetryRow
	dropped   int
	wake      chan struct{}
}

// NewSink returns a sink writing through client.
func NewSink(client Client) *Sink {
	return &Sink{
		Client:         client,
		ContactTable:   DefaultContactTable,
		TelemetryTable: DefaultTelemetryTable,
		FlushInterval:  DefaultFlushInterval,
		BatchSize:      DefaultBatchSize,
		wake:           make(chan struct{}, 1),
	}
}

func (s *Sink) limit() int {
	n := s.BatchSize
	if n <= 0 {
		n = DefaultBatchSize
	}
	return n * 10
}

// Send buffers env when it carries a contact or telemetry update.
func (s *Sink) Send(env hub.Envelope) error {
	ts := time.UnixMilli(env.Timestamp)
	s.mu.Lock()
	switch {
	case strings.HasPrefix(env.Type, "CONTACT_"):
		row, ok := contactFrom(env, ts)
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.contacts = append(s.contacts, row)
		if over := len(s.contacts) - s.limit(); over > 0 {
			s.contacts = s.contacts[over:]
			s.dropped += over
		}
	case env.Type == hub.TypeTelemetryUpdate:
		tel, ok := env.Data.(controller.Telemetry)
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.telemetry = append(s.telemetry, telemetryFrom(tel, ts))
		if over := len(s.telemetry) - s.limit(); over > 0 {
			s.telemetry = s.telemetry[over:]
			s.dropped += over
		}
	default:
		s.mu.Unlock()
		return nil
	}
	full := len(s.contacts)+len(s.telemetry) >= s.BatchSize && s.BatchSize > 0
	s.mu.Unlock()
	if full && s.wake != nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func contactFrom(env hub.Envelope, ts time.Time) (contactRow, bool) {
	row := contactRow{ts: ts, source: env.Source, kind: strings.TrimPrefix(env.Type, "CONTACT_")}
	switch d := env.Data.(type) {
	case contact.RFContact:
		row.id = d.ID
		row.typ = d.Type
		row.centerHz = d.UnknownRF.CenterHz
		row.snr = d.UnknownRF.SNRdB
	case map[string]any:
		if c, ok := d["contact"].(contact.Contact); ok {
			row.id = c.ID
			row.typ = c.Type
			row.basicID = c.BasicID
			row.operatorID = c.OperatorID
			row.mac = c.MAC
			row.lat, row.lon, row.alt = c.Lat, c.Lon, c.AltM
		} else if id, ok := d["id"].(string); ok {
			row.id = id
			row.typ = contact.TypeRemoteID
		}
	}
	return row, row.id != ""
}

func telemetryFrom(t controller.Telemetry, ts time.Time) telemetryRow {
	return telemetryRow{
		ts:        ts,
		link:      t.ESP32.Status,
		rssi:      t.ESP32.RSSIdBm,
		uptime:    t.ESP32.UptimeSeconds,
		scanState: t.FPV.ScanState,
		selected:  t.FPV.Selected,
		freqHz:    t.FPV.FreqHz,
		rssiRaw:   t.FPV.RSSIRaw,
	}
}

// Pending returns the number of buffered rows.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts) + len(s.telemetry)
}

// Flush writes every buffered row. Rows are discarded when the write
// fails; the history is best effort.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	contacts, telemetry, dropped := s.contacts, s.telemetry, s.dropped
	s.contacts, s.telemetry, s.dropped = nil, nil, 0
	s.mu.Unlock()

	if dropped > 0 {
		logging.FromContext(ctx).Warn("history buffer overflow", "dropped", dropped)
	}
	var tables []*table.Table
	if len(contacts) > 0 {
		tbl, err := s.contactTable(contacts)
		if err != nil {
			return err
		}
		tables = append(tables, tbl)
	}
	if len(telemetry) > 0 {
		tbl, err := s.telemetryTable(telemetry)
		if err != nil {
			return err
		}
		tables = append(tables, tbl)
	}
	if len(tables) == 0 {
		return nil
	}
	if _, err := s.Client.Write(ctx, tables...); err != nil {
		return fmt.Errorf("greptime write: %w", err)
	}
	s.Metrics.AddHistoryRows(s.ContactTable, len(contacts))
	s.Metrics.AddHistoryRows(s.TelemetryTable, len(telemetry))
	logging.FromContext(ctx).Debug("history flushed", "contacts", len(contacts), "telemetry", len(telemetry))
	return nil
}

func (s *Sink) contactTable(rows []contactRow) (*table.Table, error) {
	tbl, err := table.New(s.ContactTable)
	if err != nil {
		return nil, err
	}
	cols := []struct {
		name string
		typ  types.ColumnType
		tag  bool
	}{
		{"contact_id", types.STRING, true},
		{"source", types.STRING, true},
		{"kind", types.STRING, false},
		{"contact_type", types.STRING, false},
		{"basic_id", types.STRING, false},
		{"operator_id", types.STRING, false},
		{"mac", types.STRING, false},
		{"lat", types.FLOAT64, false},
		{"lon", types.FLOAT64, false},
		{"alt_m", types.FLOAT64, false},
		{"center_hz", types.FLOAT64, false},
		{"snr_db", types.FLOAT64, false},
	}
	for _, c := range cols {
		if c.tag {
			err = tbl.AddTagColumn(c.name, c.typ)
		} else {
			err = tbl.AddFieldColumn(c.name, c.typ)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	for _, r := range rows {
		err := tbl.AddRow(r.id, r.source, r.kind, r.typ, r.basicID, r.operatorID, r.mac,
			optFloat(r.lat), optFloat(r.lon), optFloat(r.alt), optFloat(r.centerHz), optFloat(r.snr), r.ts)
		if err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func (s *Sink) telemetryTable(rows []telemetryRow) (*table.Table, error) {
	tbl, err := table.New(s.TelemetryTable)
	if err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("link", types.STRING); err != nil {
		return nil, err
	}
	for _, c := range []struct {
		name string
		typ  types.ColumnType
	}{
		{"rssi_dbm", types.FLOAT64},
		{"uptime_s", types.FLOAT64},
		{"scan_state", types.STRING},
		{"selected", types.INT64},
		{"freq_hz", types.INT64},
		{"rssi_raw", types.INT64},
	} {
		if err := tbl.AddFieldColumn(c.name, c.typ); err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	for _, r := range rows {
		err := tbl.AddRow(r.link, optFloat(r.rssi), optFloat(r.uptime), r.scanState,
			optInt(r.selected), optInt(r.freqHz), optInt(r.rssiRaw), r.ts)
		if err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// Run flushes every FlushInterval, or sooner when a batch fills, until
// ctx is done. A last flush is attempted on the way out.
func (s *Sink) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	interval := s.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := s.Flush(final); err != nil {
				log.Warn("final history flush failed", "err", err)
			}
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.Flush(ctx); err != nil {
			log.Warn("history flush failed", "err", err)
		}
	}
}

func optFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func optInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

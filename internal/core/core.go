// Package core wires the ingest workers, contact state, health monitors
// and outward surfaces into one runnable unit.
package core

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ndefender/internal/command"
	"ndefender/internal/config"
	"ndefender/internal/contact"
	"ndefender/internal/controller"
	"ndefender/internal/event"
	"ndefender/internal/gps"
	"ndefender/internal/health"
	"ndefender/internal/history"
	"ndefender/internal/hub"
	"ndefender/internal/logging"
	"ndefender/internal/metrics"
	"ndefender/internal/mqttbridge"
	"ndefender/internal/replay"
	"ndefender/internal/server"
	"ndefender/internal/status"
	"ndefender/internal/stream"
)

// Envelope sources of the ingest paths.
const (
	SourceRemoteID = "remote_id"
	SourceRF       = "rf_sensor"
)

// SweepInterval is how often contacts are checked for expiry.
const SweepInterval = 500 * time.Millisecond

// Options replaces the hardware and infrastructure collaborators.
type Options struct {
	Opener   controller.Opener
	Prober   health.Prober
	Audio    command.Audio
	Registry *prometheus.Registry
	Version  string
	// GPSDial overrides the gpsd dialer.
	GPSDial func(ctx context.Context, network, addr string) (net.Conn, error)
	// History overrides the GreptimeDB client built from the config.
	History history.Client
}

// Core owns every long-lived component.
type Core struct {
	Config *config.Config

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Hub        *hub.Hub
	Tracker    *contact.Tracker
	RFStore    *contact.RFStore
	RemoteID   *health.Subsystem
	RFSensor   *health.Subsystem
	GPSHealth  *health.Subsystem
	Controller *controller.State
	Bridge     *controller.Bridge
	Reader     *controller.Reader
	Router     *command.Router
	Builder    *status.Builder
	Writer     *status.Writer
	GPS        *gps.Reader
	Replayer   *replay.Replayer
	Server     *server.Server
	History    *history.Sink
	MQTT       *mqttbridge.Bridge

	prober       health.Prober
	replayActive atomic.Bool
	now          func() time.Time
}

// New builds the components for cfg without starting anything.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if opts.Opener == nil {
		opts.Opener = controller.SerialOpener{}
	}
	if opts.Prober == nil {
		opts.Prober = health.SystemctlProber{}
	}
	if opts.Audio == nil {
		opts.Audio = command.NoAudio{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Core{
		Config:     cfg,
		Registry:   reg,
		Metrics:    metrics.New(reg),
		Tracker:    contact.NewTracker(cfg.RemoteID.TTL()),
		RFStore:    contact.NewRFStore(time.Duration(cfg.RFSensor.TTLMs) * time.Millisecond),
		RemoteID:   health.NewSubsystem(SourceRemoteID),
		RFSensor:   health.NewSubsystem(SourceRF),
		GPSHealth:  health.NewSubsystem("gps"),
		Controller: controller.NewState(),
		prober:     opts.Prober,
		now:        time.Now,
	}
	c.Hub = hub.NewHub(c.Metrics)

	ctl := cfg.Controller
	c.Bridge = controller.NewBridge(ctl.Device, ctl.Baud, opts.Opener)
	c.Reader = &controller.Reader{
		Device:  ctl.Device,
		Baud:    ctl.Baud,
		Opener:  opts.Opener,
		Stale:   time.Duration(ctl.StaleMs) * time.Millisecond,
		State:   c.Controller,
		Bridge:  c.Bridge,
		Publish: c.Hub.PublishEnvelope,
	}
	c.Router = &command.Router{
		Controller: c.Bridge,
		Strongest:  c.Controller.StrongestVRX,
		Audio:      opts.Audio,
		Metrics:    c.Metrics,
		Timeout:    time.Duration(ctl.CommandTimeoutMs) * time.Millisecond,
	}

	mode := cfg.RemoteID.ModeValue()
	c.Builder = &status.Builder{
		Mode:        mode,
		Thresholds:  cfg.RemoteID.Thresholds(),
		RemoteID:    c.RemoteID,
		RFSensor:    c.RFSensor,
		RFEndpoint:  cfg.RFSensor.Endpoint,
		Tracker:     c.Tracker,
		RFStore:     c.RFStore,
		Controller:  c.Controller,
		Replay:      c.replayActive.Load,
		Version:     opts.Version,
		StoragePath: cfg.State.Dir,
	}
	c.Writer = status.NewWriter(cfg.State.StatePath(), cfg.State.Interval(), c.Builder.StateFile)
	c.Writer.Metrics = c.Metrics

	if cfg.GPS.On() {
		c.GPS = gps.NewReader(cfg.GPS.Addr, cfg.State.GPSPath())
		c.GPS.Health = c.GPSHealth
		c.GPS.DialContext = opts.GPSDial
		c.Builder.GPS = c.GPS.Snapshot
	}

	if mode == health.ModeBatch {
		rid := cfg.RemoteID
		c.Replayer = replay.New(replay.Config{
			RawPath:       rid.RawReplayPath,
			EKPath:        rid.EKReplayPath,
			StatePath:     cfg.State.StatePath(),
			Pace:          time.Duration(rid.ReplayPaceMs) * time.Millisecond,
			Speed:         rid.ReplaySpeed,
			Loop:          rid.ReplayLoop,
			StateInterval: cfg.State.Interval(),
		}, c.Tracker, func(obj map[string]any) { c.Hub.Publish(obj) })
		c.Replayer.Metrics = c.Metrics
		c.Replayer.Health = c.RemoteID
		c.Builder.Replay = c.Replayer.Active
	}

	c.Server = server.NewServer(c.Hub, c.Tracker, c.RFStore, c.Router, c.Builder)
	c.Server.Gatherer = reg
	c.Server.StatePath = cfg.State.StatePath()
	if c.GPS != nil {
		c.Server.GPSPath = cfg.State.GPSPath()
	}

	client := opts.History
	if client == nil && cfg.History.Endpoint != "" {
		gc, err := history.NewClient(cfg.History.Endpoint, cfg.History.Database)
		if err != nil {
			return nil, err
		}
		client = gc
	}
	if client != nil {
		h := cfg.History
		c.History = history.NewSink(client)
		c.History.ContactTable = h.ContactTable
		c.History.TelemetryTable = h.TelemetryTable
		c.History.FlushInterval = time.Duration(h.FlushIntervalMs) * time.Millisecond
		c.History.BatchSize = h.BatchSize
		c.History.Metrics = c.Metrics
	}

	if cfg.MQTT.Broker != "" {
		m := cfg.MQTT
		c.MQTT = mqttbridge.New(mqttbridge.Config{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS),
			Encoding:    m.Encoding,
		})
	}
	return c, nil
}

// Run starts every worker and blocks until ctx is done or one of them
// fails.
func (c *Core) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	cfg := c.Config
	mode := cfg.RemoteID.ModeValue()
	g, ctx := errgroup.WithContext(ctx)

	if mode == health.ModeBatch {
		g.Go(func() error { return c.Replayer.Run(ctx) })
	} else {
		path := cfg.RemoteID.InputPath()
		tailer := stream.NewTailer(path, reporter(c.RemoteID))
		g.Go(func() error {
			return tailer.Run(ctx, func(line string) { c.HandleRemoteIDLine(line) })
		})
		mon := &health.Monitor{Unit: cfg.RemoteID.Service, Prober: c.prober, Target: c.RemoteID}
		if mode == health.ModeReplay {
			mon.OnProbe = c.replayActive.Store
		}
		g.Go(func() error { return mon.Run(ctx) })
		g.Go(func() error { return c.Writer.Run(ctx) })
	}
	g.Go(func() error { return c.sweep(ctx) })

	if cfg.RFSensor.On() {
		tailer := stream.NewTailer(cfg.RFSensor.StreamPath, reporter(c.RFSensor))
		g.Go(func() error {
			return tailer.Run(ctx, func(line string) { c.HandleRFLine(line) })
		})
		mon := &health.Monitor{Unit: cfg.RFSensor.Service, Prober: c.prober, Target: c.RFSensor}
		g.Go(func() error { return mon.Run(ctx) })
	}
	if cfg.Controller.On() {
		g.Go(func() error { return c.Reader.Run(ctx) })
	}
	if c.GPS != nil {
		g.Go(func() error { return c.GPS.Run(ctx) })
	}
	if c.History != nil {
		id := c.Hub.Subscribe(c.History)
		g.Go(func() error {
			defer c.Hub.Unsubscribe(id)
			return c.History.Run(ctx)
		})
	}
	if c.MQTT != nil {
		id := c.Hub.Subscribe(c.MQTT)
		g.Go(func() error {
			defer c.Hub.Unsubscribe(id)
			if err := c.MQTT.Connect(ctx); err != nil {
				log.Warn("mqtt bridge not connected yet", "broker", cfg.MQTT.Broker, "err", err)
			}
			return c.MQTT.Run(ctx)
		})
	}
	g.Go(func() error { return c.Server.Run(ctx, cfg.Server.Listen) })

	log.Info("core started", "mode", mode, "listen", cfg.Server.Listen)
	return g.Wait()
}

func reporter(s *health.Subsystem) func(string) {
	return func(token string) {
		if token == "" {
			s.ClearError(stream.ErrFileNotFound, stream.ErrRead)
			return
		}
		s.SetError(token)
	}
}

// HandleRemoteIDLine ingests one decoded remote-ID record.
func (c *Core) HandleRemoteIDLine(line string) {
	obj, ok := event.ParseLine(line)
	if !ok {
		return
	}
	if strings.HasPrefix(event.String(obj["type"]), "stats") {
		return
	}
	src := event.String(obj["source"])
	if src == "" {
		src = "live"
	}
	now := c.now()
	e := event.Normalize(obj, src, now)
	c.Metrics.IncLine(SourceRemoteID)
	if !e.HasIdentity() {
		return
	}
	c.RemoteID.MarkResponse(now)
	c.Tracker.Observe(e, c.publishRID)
	c.Writer.Notify()
}

// HandleRFLine applies one RF scanner record.
func (c *Core) HandleRFLine(line string) {
	obj, ok := event.ParseLine(line)
	if !ok {
		return
	}
	c.Metrics.IncLine(SourceRF)
	now := c.now()
	l, ok := contact.ParseRF(obj, now)
	if !ok {
		return
	}
	c.RFSensor.MarkResponse(now)
	c.RFStore.Observe(l, c.publishRF)
}

func (c *Core) publishRID(ls []contact.Lifecycle) {
	for _, l := range ls {
		c.Metrics.IncLifecycle(SourceRemoteID, string(l.Kind))
		c.Hub.Publish(l.Message(SourceRemoteID))
	}
}

func (c *Core) publishRF(ls []contact.RFLifecycle) {
	for _, l := range ls {
		c.Metrics.IncLifecycle(SourceRF, string(l.Kind))
		c.Hub.PublishEnvelope(hub.Envelope{
			Type:      "CONTACT_" + string(l.Kind),
			Timestamp: l.TS,
			Source:    SourceRF,
			Data:      l.Contact,
		})
	}
}

// sweep expires both contact tables periodically, independent of input.
func (c *Core) sweep(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c.Sweep(ctx)
	}
}

// Sweep runs one expiry pass.
func (c *Core) Sweep(ctx context.Context) {
	lost := c.Tracker.Sweep(c.publishRID)
	c.RFStore.Sweep(c.publishRF)
	if lost == 0 {
		return
	}
	if c.Replayer != nil {
		if !c.Replayer.Active() {
			c.Replayer.Refresh(ctx)
		}
		return
	}
	c.Writer.Notify()
}

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldops/assign"
	"fieldops/config"
	"fieldops/dispatch"
	"fieldops/geo"
	"fieldops/livestate"
	"fieldops/messaging"
	"fieldops/protocol"
	"fieldops/store"
	"fieldops/tracking"
)

type Config struct {
	AppConfig *config.Config
	DB        *store.DB
	Providers *Providers
	Cache     livestate.Cache
	// MsgClient is optional; without it the outbox accumulates until one is attached.
	MsgClient *messaging.Client
	Log       zerolog.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type Engine struct {
	cfg       *config.Config
	db        *store.DB
	providers *Providers
	msgClient *messaging.Client
	coord     *dispatch.Coordinator
	tracker   *tracking.Tracker
	live      *livestate.Manager
	drainer   *messaging.OutboxDrainer
	Events    *EventBus
	log       zerolog.Logger
	now       func() time.Time

	stopOnce     sync.Once
	stopChan     chan struct{}
	wg           sync.WaitGroup
	msgConnected bool
	geoHealthy   bool
}

func New(c Config) *Engine {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	cache := c.Cache
	if cache == nil {
		cache = livestate.NewMemoryStore()
	}
	e := &Engine{
		cfg:        c.AppConfig,
		db:         c.DB,
		providers:  c.Providers,
		msgClient:  c.MsgClient,
		Events:     NewEventBus(c.Log),
		log:        c.Log.With().Str("component", "engine").Logger(),
		now:        now,
		stopChan:   make(chan struct{}),
		geoHealthy: true,
	}
	if e.providers == nil {
		hv := geo.NewHaversine(e.cfg.Geo.AvgSpeedKmh)
		e.providers = &Providers{Provider: hv, Haversine: hv}
	}

	var est assign.Estimator = e.providers.Haversine
	e.coord = dispatch.NewCoordinator(e.db, e.providers.Provider, est, &dispatchEmitter{bus: e.Events}, dispatch.Options{
		Dispatch:    e.cfg.Dispatch,
		EventsTopic: e.cfg.Messaging.EventsTopic,
		RoutesTopic: e.cfg.Messaging.RoutesTopic,
		NodeID:      e.cfg.Messaging.NodeID,
		Now:         now,
	}, c.Log)
	e.live = livestate.NewManager(e.coord, cache, c.Log)
	e.tracker = tracking.NewTracker(e.coord, e.providers.Provider, cache, &trackingNotifier{bus: e.Events}, tracking.Config{
		DriftThreshold:  e.cfg.Dispatch.DriftThreshold,
		StalenessWindow: e.cfg.Dispatch.StalenessWindow,
		SweepInterval:   e.cfg.Dispatch.StaleSweepInterval,
		Now:             now,
	}, c.Log)
	return e
}

// Start loads every organization's committed state and launches the
// background loops. Messaging failures are logged; dispatch keeps working and
// the outbox holds events until the broker is reachable.
func (e *Engine) Start(ctx context.Context) error {
	e.wireEventHandlers()

	if err := e.coord.LoadAll(ctx); err != nil {
		return err
	}
	e.live.SyncAll(ctx)
	e.tracker.Start()

	if e.msgClient != nil {
		e.drainer = messaging.NewOutboxDrainer(e.db, e.msgClient, e.cfg.Messaging.OutboxDrainInterval, e.log)
		e.drainer.Start()

		handler := messaging.NewDeviceHandler(e.tracker, e.coord, e.msgClient, e.cfg.Messaging.RoutesTopic, e.cfg.Messaging.NodeID, e.log)
		ingestor := protocol.NewIngestor(handler, messaging.DeviceFilter, e.log)
		if err := messaging.NewConsumer(e.msgClient, e.cfg.Messaging.TelemetryTopic, ingestor).Start(); err != nil {
			e.log.Error().Err(err).Str("topic", e.cfg.Messaging.TelemetryTopic).Msg("device consumer")
		}
	}

	e.checkConnectionStatus()

	e.wg.Add(2)
	go e.connectionHealthLoop()
	go e.refineLoop()

	e.log.Info().Int("orgs", len(e.coord.Orgs())).Msg("started")
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
	if e.drainer != nil {
		e.drainer.Stop()
	}
	e.tracker.Stop()
	e.coord.Stop()
	e.log.Info().Msg("stopped")
}

// Accessors
func (e *Engine) DB() *store.DB                      { return e.db }
func (e *Engine) AppConfig() *config.Config          { return e.cfg }
func (e *Engine) Coordinator() *dispatch.Coordinator { return e.coord }
func (e *Engine) Tracker() *tracking.Tracker         { return e.tracker }
func (e *Engine) LiveState() *livestate.Manager      { return e.live }
func (e *Engine) MsgClient() *messaging.Client       { return e.msgClient }
func (e *Engine) Providers() *Providers              { return e.providers }

func (e *Engine) checkConnectionStatus() {
	if e.msgClient == nil {
		return
	}
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
	} else if e.msgConnected {
		e.msgConnected = false
		e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
	}
}

func (e *Engine) connectionHealthLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
		}
	}
}

func (e *Engine) refineLoop() {
	defer e.wg.Done()
	interval := e.cfg.Dispatch.RefineInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.RefineDegraded(context.Background())
		}
	}
}

// RefineDegraded re-optimizes routes built on fallback estimates once the
// routing provider answers again. It returns the number of triggers queued.
func (e *Engine) RefineDegraded(ctx context.Context) int {
	queued := 0
	for _, orgID := range e.coord.Orgs() {
		techs := e.coord.DegradedTechnicians(orgID)
		if len(techs) == 0 {
			continue
		}
		if !e.providerHealthy(ctx, orgID, techs) {
			continue
		}
		e.log.Info().Str("org", orgID).Strs("technicians", techs).Msg("refining degraded routes")
		e.coord.Trigger(orgID, dispatch.Trigger{
			Kinds:       []dispatch.TriggerKind{dispatch.TriggerRefine},
			Technicians: techs,
		})
		queued++
	}
	return queued
}

func (e *Engine) providerHealthy(ctx context.Context, orgID string, techs []string) bool {
	fb := e.providers.Fallback
	if fb == nil {
		return true
	}
	healthy := fb.Healthy()
	if !healthy {
		snap, err := e.coord.View(ctx, orgID)
		if err != nil {
			return false
		}
		for _, id := range techs {
			t := snap.Technician(id)
			jobs := snap.RouteJobs(id)
			if t == nil || len(jobs) == 0 {
				continue
			}
			healthy = fb.Probe(ctx, t.Position(), jobs[0].Point())
			break
		}
	}
	if healthy && !e.geoHealthy {
		e.Events.Emit(Event{Type: EventProviderRecovered, OrgID: orgID, Payload: ConnectionEvent{Detail: "routing provider recovered"}})
	}
	e.geoHealthy = healthy
	return healthy
}

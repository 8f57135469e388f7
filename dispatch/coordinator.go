// Package dispatch owns each organization's schedule. All mutations go
// through a per-organization commit that checks staleness, validates the
// schedule invariants, persists atomically, and only then publishes the new
// snapshot. Readers see published snapshots and never block writers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fieldops/assign"
	"fieldops/config"
	"fieldops/geo"
	"fieldops/protocol"
	"fieldops/route"
	"fieldops/store"
)

// Options configures a Coordinator.
type Options struct {
	Dispatch    config.DispatchConfig
	EventsTopic string
	RoutesTopic string
	NodeID      string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type Coordinator struct {
	db        *store.DB
	assigner  *assign.Engine
	optimizer *route.Optimizer
	emitter   Emitter
	validate  *validator.Validate
	cfg       config.DispatchConfig
	opts      Options
	now       func() time.Time
	log       zerolog.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	orgs map[string]*orgQueue

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// orgQueue serializes commits for one organization.
type orgQueue struct {
	id string

	mu        sync.Mutex
	suspended error
	degraded  map[string]bool

	view atomic.Pointer[Snapshot]

	triggers   chan Trigger
	overflowMu sync.Mutex
	overflow   *Trigger
}

// NewCoordinator builds a coordinator. provider drives route sequencing; est
// gives the assignment engine cheap non-blocking estimates.
func NewCoordinator(db *store.DB, provider geo.Provider, est assign.Estimator, emitter Emitter, opts Options, log zerolog.Logger) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Dispatch.MaxAssignAttempts <= 0 {
		opts.Dispatch.MaxAssignAttempts = 5
	}
	if opts.Dispatch.TriggerQueueSize <= 0 {
		opts.Dispatch.TriggerQueueSize = 64
	}
	return &Coordinator{
		db:        db,
		assigner:  assign.New(opts.Dispatch.Weights, est),
		optimizer: route.New(provider, opts.Dispatch.SearchBudget, opts.Dispatch.MaxSearchIterations),
		emitter:   emitter,
		validate:  validator.New(),
		cfg:       opts.Dispatch,
		opts:      opts,
		now:       now,
		log:       log.With().Str("component", "dispatch").Logger(),
		tracer:    otel.Tracer("fieldops/dispatch"),
		orgs:      make(map[string]*orgQueue),
		stop:      make(chan struct{}),
	}
}

// Stop ends every trigger worker and waits for in-flight replans.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// LoadAll opens a queue for every organization that has data.
func (c *Coordinator) LoadAll(ctx context.Context) error {
	ids, err := c.db.ListOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	for _, id := range ids {
		if _, err := c.queue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Orgs returns the IDs of every loaded organization.
func (c *Coordinator) Orgs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.orgs))
	for id := range c.orgs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// queue returns the organization's commit queue, starting it on first use.
// The store is read outside c.mu so one organization's load never holds up
// another's.
func (c *Coordinator) queue(ctx context.Context, orgID string) (*orgQueue, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrNotFound)
	}
	if q := c.loaded(orgID); q != nil {
		return q, nil
	}
	snap, err := LoadSnapshot(ctx, c.db, orgID)
	if err != nil {
		return nil, err
	}
	return c.register(orgID, snap), nil
}

// existing returns the queue of an organization that has stored data and its
// current view. For an organization with nothing stored it returns a nil
// queue and an empty snapshot, and starts nothing.
func (c *Coordinator) existing(ctx context.Context, orgID string) (*orgQueue, *Snapshot, error) {
	if orgID == "" {
		return nil, nil, fmt.Errorf("%w: organization is required", ErrNotFound)
	}
	if q := c.loaded(orgID); q != nil {
		return q, q.view.Load(), nil
	}
	snap, err := LoadSnapshot(ctx, c.db, orgID)
	if err != nil {
		return nil, nil, err
	}
	if snap.Seq == 0 {
		return nil, snap, nil
	}
	q := c.register(orgID, snap)
	return q, q.view.Load(), nil
}

// openFor resolves the queue a change built by build commits through. An
// organization with nothing stored gets a queue only once build yields
// something to commit, so rejected requests for unknown IDs start nothing.
// A nil queue with a nil error means there is nothing to commit.
func (c *Coordinator) openFor(ctx context.Context, orgID string, build func(s *Snapshot) (*proposal, error)) (*orgQueue, *Snapshot, error) {
	q, snap, err := c.existing(ctx, orgID)
	if err != nil || q != nil {
		return q, snap, err
	}
	p, err := build(snap)
	if err != nil {
		return nil, snap, err
	}
	if len(p.events) == 0 {
		return nil, snap, nil
	}
	q = c.register(orgID, snap)
	return q, q.view.Load(), nil
}

func (c *Coordinator) loaded(orgID string) *orgQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orgs[orgID]
}

// register installs a queue for snap unless a concurrent load won the race,
// in which case the winner is returned and snap is discarded.
func (c *Coordinator) register(orgID string, snap *Snapshot) *orgQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.orgs[orgID]; ok {
		return q
	}
	q := &orgQueue{
		id:       orgID,
		degraded: make(map[string]bool),
		triggers: make(chan Trigger, c.cfg.TriggerQueueSize),
	}
	q.view.Store(snap)
	c.orgs[orgID] = q

	c.wg.Add(1)
	go c.worker(q)
	return q
}

// LoadSnapshot reads an organization's current schedule from the store.
func LoadSnapshot(ctx context.Context, db *store.DB, orgID string) (*Snapshot, error) {
	s := NewSnapshot(orgID)
	jobs, err := db.ListWorkOrders(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load jobs for %s: %w", orgID, err)
	}
	for _, j := range jobs {
		s.Jobs[j.ID] = j
	}
	techs, err := db.ListTechnicians(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load technicians for %s: %w", orgID, err)
	}
	for _, t := range techs {
		s.Techs[t.ID] = t
	}
	routes, err := db.ListRouteStops(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load routes for %s: %w", orgID, err)
	}
	for id, stops := range routes {
		s.Routes[id] = stops
	}
	if s.Seq, err = db.MaxSeq(ctx, orgID); err != nil {
		return nil, fmt.Errorf("load seq for %s: %w", orgID, err)
	}
	return s, nil
}

// View returns the organization's latest committed snapshot.
// An organization with nothing stored reads as an empty snapshot at seq 0.
func (c *Coordinator) View(ctx context.Context, orgID string) (*Snapshot, error) {
	_, snap, err := c.existing(ctx, orgID)
	return snap, err
}

// Suspension returns the store error that halted the org, or nil.
func (c *Coordinator) Suspension(ctx context.Context, orgID string) error {
	q, _, err := c.existing(ctx, orgID)
	if err != nil || q == nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// Resume reloads a suspended organization from the store and re-opens its
// queue. The reload discards any in-memory state the failed commit left.
func (c *Coordinator) Resume(ctx context.Context, orgID, actor string) error {
	q, _, err := c.existing(ctx, orgID)
	if err != nil || q == nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	snap, err := LoadSnapshot(ctx, c.db, orgID)
	if err != nil {
		return fmt.Errorf("%w: reload: %v", ErrSuspended, err)
	}
	was := q.suspended
	q.suspended = nil
	q.view.Store(snap)
	if was != nil {
		c.log.Info().Str("org", orgID).Str("actor", actor).Int64("seq", snap.Seq).Msg("queue resumed")
		if err := c.db.AppendAudit(orgID, "organization", orgID, "resumed", was.Error(), "", actor); err != nil {
			c.log.Warn().Err(err).Str("org", orgID).Msg("audit resume")
		}
	}
	return nil
}

// DegradedTechnicians lists technicians whose committed route used fallback travel estimates.
func (c *Coordinator) DegradedTechnicians(orgID string) []string {
	c.mu.Lock()
	q := c.orgs[orgID]
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.degraded))
	for id := range q.degraded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// settleDegraded clears flags for routes a replan found already current with
// exact estimates. Nothing changes if a commit landed after seq.
func (q *orgQueue) settleDegraded(seq int64, flags map[string]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.view.Load().Seq != seq {
		return
	}
	for id, degraded := range flags {
		if !degraded {
			delete(q.degraded, id)
		}
	}
}

// proposal is a set of schedule events computed against baseSeq.
type proposal struct {
	baseSeq int64
	actor   string
	events  []*store.ScheduleEvent
	audit   []*store.AuditEntry
	// degraded maps technicians whose route is rewritten to whether the new
	// route relied on fallback estimates.
	degraded map[string]bool
}

func (p *proposal) add(ev *store.ScheduleEvent) {
	p.events = append(p.events, ev)
}

// touched lists every job and technician whose committed state the proposal
// depends on.
func (p *proposal) touched() (jobs, techs []string) {
	for _, ev := range p.events {
		switch ev.Kind {
		case store.EventJobCreated:
			continue
		case store.EventRouteSet:
			var rp routePayload
			if err := json.Unmarshal(ev.Payload, &rp); err == nil {
				for _, st := range rp.Stops {
					jobs = append(jobs, st.JobID)
				}
			}
			techs = append(techs, ev.TechnicianID)
		case store.EventJobState:
			jobs = append(jobs, ev.JobID)
		case store.EventTechnicianState, store.EventTechnicianRegistered:
			techs = append(techs, ev.TechnicianID)
		}
	}
	return jobs, techs
}

// commit validates p against the current snapshot and persists it. It
// returns the committed events with sequence numbers assigned.
func (c *Coordinator) commit(ctx context.Context, q *orgQueue, p *proposal) ([]*store.ScheduleEvent, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.commit", trace.WithAttributes(
		attribute.String("org", q.id), attribute.Int("events", len(p.events))))
	defer span.End()

	events, suspended, err := c.commitLocked(ctx, q, p)
	if suspended != nil {
		c.emitter.EmitQueueSuspended(q.id, suspended)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("seq", events[len(events)-1].Seq))
	c.emitter.EmitScheduleCommitted(q.id, events[len(events)-1].Seq, events)
	for techID, degraded := range p.degraded {
		if degraded {
			c.emitter.EmitRouteDegraded(q.id, techID)
		}
	}
	return events, nil
}

// commitLocked also returns the store error when this commit suspended the queue.
func (c *Coordinator) commitLocked(ctx context.Context, q *orgQueue, p *proposal) ([]*store.ScheduleEvent, error, error) {
	if len(p.events) == 0 {
		return nil, nil, errors.New("commit: empty proposal")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.suspended != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSuspended, q.suspended)
	}

	cur := q.view.Load()
	jobIDs, techIDs := p.touched()
	for _, id := range jobIDs {
		if j := cur.Jobs[id]; j != nil && j.LastSeq > p.baseSeq {
			return nil, nil, fmt.Errorf("%w: job %s changed at seq %d after %d", ErrStaleState, id, j.LastSeq, p.baseSeq)
		}
	}
	for _, id := range techIDs {
		if t := cur.Techs[id]; t != nil && t.LastSeq > p.baseSeq {
			return nil, nil, fmt.Errorf("%w: technician %s changed at seq %d after %d", ErrStaleState, id, t.LastSeq, p.baseSeq)
		}
	}

	now := c.now().UTC()
	ov := cur.overlay()
	for i, ev := range p.events {
		ev.OrgID = q.id
		ev.Seq = cur.Seq + int64(i) + 1
		ev.CreatedAt = now
		if ev.Actor == "" {
			ev.Actor = p.actor
		}
		if err := ov.apply(ev); err != nil {
			return nil, nil, err
		}
	}
	if err := ov.validate(); err != nil {
		return nil, nil, err
	}

	cm := &store.Commit{OrgID: q.id, Events: p.events, Routes: make(map[string][]store.RouteStop)}
	for id := range ov.ownJobs {
		cm.Jobs = append(cm.Jobs, ov.Jobs[id])
	}
	sort.Slice(cm.Jobs, func(a, b int) bool { return cm.Jobs[a].ID < cm.Jobs[b].ID })
	for id := range ov.ownTechs {
		cm.Technicians = append(cm.Technicians, ov.Techs[id])
	}
	sort.Slice(cm.Technicians, func(a, b int) bool { return cm.Technicians[a].ID < cm.Technicians[b].ID })
	for id := range ov.setRoute {
		stops := ov.Routes[id]
		if stops == nil {
			stops = []store.RouteStop{}
		}
		cm.Routes[id] = stops
	}
	for _, ev := range p.events {
		if ev.Kind == store.EventJobState && (ev.ToState == string(StateScheduled) || ev.ToState == string(StateCancelled)) {
			cm.ClearQueue = append(cm.ClearQueue, ev.JobID)
		}
	}
	for _, a := range p.audit {
		a.OrgID = q.id
		if a.Actor == "" {
			a.Actor = p.actor
		}
	}
	cm.Audit = p.audit
	if err := c.outbox(cm, ov, p); err != nil {
		return nil, nil, err
	}

	if err := c.db.CommitSchedule(context.WithoutCancel(ctx), cm); err != nil {
		q.suspended = err
		c.log.Error().Err(err).Str("org", q.id).Int64("seq", cur.Seq).Msg("commit failed, suspending queue")
		return nil, err, fmt.Errorf("%w: %v", ErrSuspended, err)
	}

	ov.seal()
	q.view.Store(ov)
	for techID, degraded := range p.degraded {
		if degraded {
			q.degraded[techID] = true
		} else {
			delete(q.degraded, techID)
		}
	}
	c.log.Debug().Str("org", q.id).Int64("seq", ov.Seq).Int("events", len(p.events)).Str("actor", p.actor).Msg("committed")
	return p.events, nil, nil
}

// outbox queues a consumer envelope for each event and a device route update
// for each rewritten route, inside the same transaction as the commit.
func (c *Coordinator) outbox(cm *store.Commit, ov *Snapshot, p *proposal) error {
	src := protocol.Address{Role: protocol.RoleCore, Node: c.opts.NodeID, Org: cm.OrgID}
	for _, ev := range cm.Events {
		msg := protocol.ScheduleEvent{
			Seq:          ev.Seq,
			Kind:         string(ev.Kind),
			JobID:        ev.JobID,
			TechnicianID: ev.TechnicianID,
			FromState:    ev.FromState,
			ToState:      ev.ToState,
			Actor:        ev.Actor,
			SkillWaived:  ev.SkillWaived,
			Degraded:     ev.Degraded,
			Data:         ev.Payload,
			CommittedAt:  ev.CreatedAt,
		}
		dst := protocol.Address{Role: protocol.RoleConsumer, Node: "*", Org: cm.OrgID}
		if err := c.appendEnvelope(cm, c.opts.EventsTopic, protocol.TypeScheduleEvent, src, dst, msg); err != nil {
			return err
		}
	}

	techIDs := make([]string, 0, len(cm.Routes))
	for id := range cm.Routes {
		techIDs = append(techIDs, id)
	}
	sort.Strings(techIDs)
	for _, id := range techIDs {
		upd := protocol.RouteUpdate{TechnicianID: id, Seq: ov.Seq, Degraded: p.degraded[id], Stops: []protocol.RouteStop{}}
		for _, st := range cm.Routes[id] {
			j := ov.Jobs[st.JobID]
			upd.Stops = append(upd.Stops, protocol.RouteStop{
				JobID:            st.JobID,
				Index:            st.Index,
				PlannedArrival:   st.PlannedArrival,
				PlannedDeparture: st.PlannedDeparture,
				Lat:              j.Lat,
				Lon:              j.Lon,
				DurationMin:      j.DurationMin,
				State:            string(j.State),
			})
		}
		dst := protocol.Address{Role: protocol.RoleDevice, Node: id, Org: cm.OrgID}
		if err := c.appendEnvelope(cm, c.opts.RoutesTopic, protocol.TypeRouteUpdate, src, dst, upd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) appendEnvelope(cm *store.Commit, topic, msgType string, src, dst protocol.Address, payload any) error {
	if topic == "" {
		return nil
	}
	env, err := protocol.NewEnvelope(msgType, src, dst, payload)
	if err != nil {
		return fmt.Errorf("build %s envelope: %w", msgType, err)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	cm.Outbox = append(cm.Outbox, &store.OutboxMessage{Topic: topic, Payload: data, MsgType: msgType, NodeID: dst.Node})
	return nil
}

// mutate builds a proposal from the latest snapshot and commits it,
// rebuilding on ErrStaleState up to the configured retry limit.
func (c *Coordinator) mutate(ctx context.Context, orgID string, build func(s *Snapshot) (*proposal, error)) ([]*store.ScheduleEvent, *Snapshot, error) {
	q, snap, err := c.openFor(ctx, orgID, build)
	if err != nil || q == nil {
		return nil, snap, err
	}
	for attempt := 0; ; attempt++ {
		snap := q.view.Load()
		p, err := build(snap)
		if err != nil {
			return nil, snap, err
		}
		if len(p.events) == 0 {
			return nil, snap, nil
		}
		p.baseSeq = snap.Seq
		events, err := c.commit(ctx, q, p)
		if err == nil {
			return events, q.view.Load(), nil
		}
		if !errors.Is(err, ErrStaleState) || attempt >= c.cfg.MaxCommitRetries {
			return nil, snap, err
		}
		c.log.Debug().Err(err).Str("org", orgID).Int("attempt", attempt+1).Msg("retrying stale proposal")
	}
}

// Trigger queues a re-optimization for the organization's worker. Triggers
// that arrive while a replan runs are merged into the next one.
func (c *Coordinator) Trigger(orgID string, t Trigger) {
	q, _, err := c.existing(context.Background(), orgID)
	if err != nil {
		c.log.Warn().Err(err).Str("org", orgID).Msg("trigger dropped")
		return
	}
	if q == nil {
		c.log.Debug().Str("org", orgID).Msg("trigger for empty organization dropped")
		return
	}
	select {
	case q.triggers <- t:
	default:
		q.overflowMu.Lock()
		if q.overflow == nil {
			q.overflow = &t
		} else {
			q.overflow.merge(t)
		}
		q.overflowMu.Unlock()
	}
}

func (c *Coordinator) worker(q *orgQueue) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		var t Trigger
		select {
		case <-c.stop:
			return
		case t = <-q.triggers:
		}
	drain:
		for {
			select {
			case more := <-q.triggers:
				t.merge(more)
			default:
				break drain
			}
		}
		q.overflowMu.Lock()
		if q.overflow != nil {
			t.merge(*q.overflow)
			q.overflow = nil
		}
		q.overflowMu.Unlock()

		if _, err := c.Replan(ctx, q.id, t); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("org", q.id).Interface("trigger", t).Msg("replan failed")
		}
	}
}

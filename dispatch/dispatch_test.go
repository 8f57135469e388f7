package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldops/config"
	"fieldops/geo"
	"fieldops/protocol"
	"fieldops/store"
)

const org = "acme"

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

// grid charges 100 minutes per degree of Manhattan distance, so 0.1 deg = 10 min.
type grid struct{}

func (grid) Estimate(a, b geo.Point) geo.Estimate {
	m := (math.Abs(a.Lat-b.Lat) + math.Abs(a.Lon-b.Lon)) * 100
	return geo.Estimate{Minutes: math.Round(m*1000) / 1000, Km: m}
}

func (g grid) Distance(_ context.Context, a, b geo.Point) (geo.Estimate, error) {
	return g.Estimate(a, b), nil
}

// recorder is an Emitter that remembers what it was told.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (r *recorder) EmitScheduleCommitted(orgID string, seq int64, events []*store.ScheduleEvent) {
	r.add("committed:%d", seq)
}
func (r *recorder) EmitJobCreated(orgID, jobID string) { r.add("created:%s", jobID) }
func (r *recorder) EmitJobCancelled(orgID, jobID, technicianID string) {
	r.add("cancelled:%s:%s", jobID, technicianID)
}
func (r *recorder) EmitJobFailed(orgID, jobID, technicianID, reason string) {
	r.add("failed:%s:%s", jobID, technicianID)
}
func (r *recorder) EmitJobCompleted(orgID, jobID, technicianID string) {
	r.add("completed:%s:%s", jobID, technicianID)
}
func (r *recorder) EmitTechnicianRegistered(orgID, technicianID string) {
	r.add("registered:%s", technicianID)
}
func (r *recorder) EmitTechnicianAvailable(orgID, technicianID string) {
	r.add("available:%s", technicianID)
}
func (r *recorder) EmitTechnicianUnavailable(orgID, technicianID string, released []string) {
	r.add("unavailable:%s:%s", technicianID, strings.Join(released, ","))
}
func (r *recorder) EmitJobUnassignable(orgID, jobID, reason string, attempts int, escalated bool) {
	r.add("unassignable:%s:%s:%d:%t", jobID, reason, attempts, escalated)
}
func (r *recorder) EmitRouteDegraded(orgID, technicianID string) { r.add("degraded:%s", technicianID) }
func (r *recorder) EmitQueueSuspended(orgID string, err error)   { r.add("suspended:%s", orgID) }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: dbPath},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

func testCoordinator(t *testing.T) (*Coordinator, *store.DB, *recorder) {
	t.Helper()
	return testCoordinatorWith(t, grid{})
}

// testCoordinatorWith routes with provider while assignment keeps the grid.
func testCoordinatorWith(t *testing.T, provider geo.Provider) (*Coordinator, *store.DB, *recorder) {
	t.Helper()
	db := testDB(t)
	rec := &recorder{}
	c := NewCoordinator(db, provider, grid{}, rec, Options{
		Dispatch: config.DispatchConfig{
			SearchBudget:        200 * time.Millisecond,
			MaxSearchIterations: 500,
			MaxCommitRetries:    3,
			MaxAssignAttempts:   3,
			TriggerQueueSize:    8,
			Weights:             config.ScoreWeights{Priority: 100, Cost: 1, Idle: 0.1},
		},
		EventsTopic: "fieldops.schedule-events",
		RoutesTopic: "fieldops.routes",
		NodeID:      "core",
		Now:         func() time.Time { return at(7, 0) },
	}, zerolog.Nop())
	t.Cleanup(c.Stop)
	return c, db, rec
}

func fp(v float64) *float64 { return &v }

func jobIntake(id string, lat float64, skills ...string) WorkOrderIntake {
	return WorkOrderIntake{
		ID:            id,
		JobNumber:     "WO-" + id,
		Skills:        skills,
		DurationMin:   30,
		Priority:      store.PriorityNormal,
		EarliestStart: at(8, 0),
		LatestStart:   at(12, 0),
		Lat:           fp(lat),
		Lon:           fp(0),
		Capacity:      1,
	}
}

func techIntake(id string, lat float64, skills ...string) TechnicianIntake {
	return TechnicianIntake{
		ID:            id,
		Name:          "Tech " + id,
		Skills:        skills,
		CapacityLimit: 5,
		ShiftStart:    at(8, 0),
		ShiftEnd:      at(16, 0),
		BaseLat:       lat,
	}
}

func mustTech(t *testing.T, c *Coordinator, in TechnicianIntake) {
	t.Helper()
	if _, err := c.RegisterTechnician(context.Background(), org, in, "hr"); err != nil {
		t.Fatalf("register %s: %v", in.ID, err)
	}
}

func mustJob(t *testing.T, c *Coordinator, in WorkOrderIntake) {
	t.Helper()
	if _, err := c.CreateWorkOrder(context.Background(), org, in, "intake"); err != nil {
		t.Fatalf("create %s: %v", in.ID, err)
	}
}

func mustReplan(t *testing.T, c *Coordinator, tr Trigger) *ReplanResult {
	t.Helper()
	res, err := c.Replan(context.Background(), org, tr)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	return res
}

func view(t *testing.T, c *Coordinator) *Snapshot {
	t.Helper()
	s, err := c.View(context.Background(), org)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return s
}

func routeIDs(s *Snapshot, techID string) []string {
	var ids []string
	for _, st := range s.Routes[techID] {
		ids = append(ids, st.JobID)
	}
	return ids
}

// checkInvariants validates every technician and job in the snapshot.
func checkInvariants(t *testing.T, s *Snapshot) {
	t.Helper()
	ov := s.overlay()
	for id := range ov.Techs {
		ov.ownTechs[id] = true
	}
	for id := range ov.Jobs {
		ov.ownJobs[id] = true
	}
	if err := ov.validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestAssignSingleJobWithinWindow(t *testing.T) {
	c, db, _ := testCoordinator(t)
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	j1 := jobIntake("j1", 40.1, "hvac")
	j1.EarliestStart, j1.LatestStart = at(9, 0), at(10, 0)
	mustJob(t, c, j1)

	res := mustReplan(t, c, Trigger{Kinds: []TriggerKind{TriggerNewJob}, Assign: true})
	if len(res.Assigned) != 1 || res.Assigned[0].TechnicianID != "t1" {
		t.Fatalf("assigned = %+v", res.Assigned)
	}

	s := view(t, c)
	job := s.Jobs["j1"]
	if job.State != StateScheduled || job.TechnicianID != "t1" || job.RouteIndex != 0 {
		t.Fatalf("job = %s on %q at %d", job.State, job.TechnicianID, job.RouteIndex)
	}
	arr := s.Routes["t1"][0].PlannedArrival
	if arr.Before(at(9, 0)) || arr.After(at(10, 0)) {
		t.Errorf("arrival %v outside window", arr)
	}
	checkInvariants(t, s)

	events, err := db.ListScheduleEvents(context.Background(), org, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []store.EventKind
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []store.EventKind{store.EventTechnicianRegistered, store.EventJobCreated, store.EventRouteSet, store.EventJobState}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}

func TestUnassignableSkillGoesToQueue(t *testing.T) {
	c, db, rec := testCoordinator(t)
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.1, "electrical"))

	res := mustReplan(t, c, Trigger{Assign: true})
	if len(res.Unassignable) != 1 || res.Unassignable[0].Reason != "NoSkillMatch" {
		t.Fatalf("unassignable = %+v", res.Unassignable)
	}
	if st := view(t, c).Jobs["j2"].State; st != StateUnscheduled {
		t.Errorf("state = %s, want unscheduled", st)
	}
	q, err := db.ListQueue(context.Background(), org)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(q) != 1 || q[0].JobID != "j2" || q[0].Reason != "NoSkillMatch" {
		t.Fatalf("queue = %+v", q)
	}
	if !rec.has("unassignable:j2:NoSkillMatch:1:false") {
		t.Errorf("emitter calls = %v", rec.calls)
	}
}

func TestUnassignableEscalatesAfterRepeatedAttempts(t *testing.T) {
	c, db, rec := testCoordinator(t)
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.1, "electrical"))
	for i := 0; i < 3; i++ {
		mustReplan(t, c, Trigger{Assign: true})
	}
	q, err := db.ListQueue(context.Background(), org)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(q) != 1 || q[0].Attempts != 3 || !q[0].Escalated {
		t.Fatalf("queue = %+v", q)
	}
	if !rec.has("unassignable:j2:NoSkillMatch:3:true") {
		t.Errorf("escalation not emitted: %v", rec.calls)
	}
}

func TestQueueClearedOnceScheduled(t *testing.T) {
	c, db, _ := testCoordinator(t)
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustReplan(t, c, Trigger{Assign: true}) // nobody on shift yet
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	q, err := db.ListQueue(context.Background(), org)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(q) != 0 {
		t.Errorf("queue should be empty once scheduled, got %+v", q)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	c, _, _ := testCoordinator(t)
	tech := techIntake("t1", 40.0, "hvac")
	tech.CapacityLimit = 2
	mustTech(t, c, tech)
	for i, lat := range []float64{40.1, 40.2, 40.3} {
		mustJob(t, c, jobIntake(fmt.Sprintf("j%d", i+1), lat, "hvac"))
	}

	res := mustReplan(t, c, Trigger{Assign: true})
	if len(res.Assigned) != 2 {
		t.Fatalf("assigned %d jobs, want 2", len(res.Assigned))
	}
	if len(res.Unassignable) != 1 || res.Unassignable[0].Reason != "NoCapacity" {
		t.Fatalf("unassignable = %+v", res.Unassignable)
	}
	s := view(t, c)
	if used := s.UsedCapacity("t1"); used > 2 {
		t.Errorf("used capacity %d exceeds 2", used)
	}
	checkInvariants(t, s)
}

func TestCancelRetimesRemainingRoute(t *testing.T) {
	c, _, rec := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.2, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	s := view(t, c)
	if got := routeIDs(s, "t1"); !reflect.DeepEqual(got, []string{"j1", "j2"}) {
		t.Fatalf("route = %v", got)
	}
	if want := at(8, 50); !s.Routes["t1"][1].PlannedArrival.Equal(want) {
		t.Fatalf("j2 arrival = %v, want %v", s.Routes["t1"][1].PlannedArrival, want)
	}

	job, err := c.CancelWorkOrder(ctx, org, "j1", "dispatcher")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job.State != StateCancelled || job.TechnicianID != "" {
		t.Errorf("cancelled job = %s on %q", job.State, job.TechnicianID)
	}
	if !rec.has("cancelled:j1:t1") {
		t.Errorf("cancel not emitted: %v", rec.calls)
	}

	mustReplan(t, c, Trigger{Kinds: []TriggerKind{TriggerCancelled}, Technicians: []string{"t1"}})
	s = view(t, c)
	if got := routeIDs(s, "t1"); !reflect.DeepEqual(got, []string{"j2"}) {
		t.Fatalf("route = %v", got)
	}
	if want := at(8, 20); !s.Routes["t1"][0].PlannedArrival.Equal(want) {
		t.Errorf("j2 arrival = %v, want %v from the technician's position", s.Routes["t1"][0].PlannedArrival, want)
	}
	checkInvariants(t, s)
}

func TestCancelRejectedOnceInProgress(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})
	for _, ev := range []string{StatusDeparted, StatusArrived} {
		if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: ev}); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if _, err := c.CancelWorkOrder(ctx, org, "j1", "dispatcher"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentForceAssignOneWins(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 40.5, "hvac"))
	mustJob(t, c, jobIntake("j3", 40.2, "hvac"))
	base := view(t, c).Seq

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, tech := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(i int, tech string) {
			defer wg.Done()
			_, errs[i] = c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j3", TechnicianID: tech, BaseSeq: base}, "dispatcher-"+tech)
		}(i, tech)
	}
	wg.Wait()

	won, stale := -1, 0
	for i, err := range errs {
		switch {
		case err == nil:
			won = i
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won < 0 || stale != 1 {
		t.Fatalf("errors = %v, want exactly one success and one ErrStaleState", errs)
	}

	s := view(t, c)
	winner := []string{"t1", "t2"}[won]
	if j := s.Jobs["j3"]; j.State != StateScheduled || j.TechnicianID != winner {
		t.Errorf("j3 = %s on %q, want scheduled on %s", j.State, j.TechnicianID, winner)
	}
	checkInvariants(t, s)
}

// gate holds every route query until release is closed.
type gate struct {
	arrived atomic.Int32
	release chan struct{}
}

func (g *gate) Distance(ctx context.Context, a, b geo.Point) (geo.Estimate, error) {
	g.arrived.Add(1)
	<-g.release
	return grid{}.Distance(ctx, a, b)
}

func TestConcurrentForceAssignWithoutBaseSeqOneWins(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	c, _, _ := testCoordinatorWith(t, g)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 40.5, "hvac"))
	mustJob(t, c, jobIntake("j3", 40.2, "hvac"))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, tech := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(i int, tech string) {
			defer wg.Done()
			_, errs[i] = c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j3", TechnicianID: tech}, "dispatcher-"+tech)
		}(i, tech)
	}
	// Both dispatchers have read the schedule once both are routing.
	deadline := time.Now().Add(5 * time.Second)
	for g.arrived.Load() < 2 {
		if time.Now().After(deadline) {
			close(g.release)
			t.Fatal("overrides never reached routing")
		}
		time.Sleep(time.Millisecond)
	}
	close(g.release)
	wg.Wait()

	won, stale := -1, 0
	for i, err := range errs {
		switch {
		case err == nil:
			won = i
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won < 0 || stale != 1 {
		t.Fatalf("errors = %v, want exactly one success and one ErrStaleState", errs)
	}
	s := view(t, c)
	if j := s.Jobs["j3"]; j.TechnicianID != []string{"t1", "t2"}[won] {
		t.Errorf("j3 on %q, want the winner", j.TechnicianID)
	}
	checkInvariants(t, s)
}

func TestForceAssignWaivesSkill(t *testing.T) {
	c, db, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "electrical"))

	if _, err := c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j1", TechnicianID: "t1"}, "dana"); !errors.Is(err, ErrNoSkillMatch) {
		t.Fatalf("err = %v, want ErrNoSkillMatch", err)
	}
	job, err := c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j1", TechnicianID: "t1", WaiveSkills: true}, "dana")
	if err != nil {
		t.Fatalf("force assign: %v", err)
	}
	if !job.SkillWaived || job.State != StateScheduled {
		t.Errorf("job = %+v", job)
	}
	checkInvariants(t, view(t, c))

	entries, err := db.ListEntityAudit("work_order", "j1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == "force_assign_skill_waived" && e.Actor == "dana" && e.NewValue == "t1" {
			found = true
		}
	}
	if !found {
		t.Errorf("no waiver audit entry in %+v", entries)
	}
}

func TestForceAssignRespectsCapacityAndWindows(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	tech := techIntake("t1", 40.0, "hvac")
	tech.CapacityLimit = 1
	mustTech(t, c, tech)
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	big := jobIntake("j2", 40.1, "hvac")
	big.Capacity = 2
	mustJob(t, c, big)
	far := jobIntake("j3", 45.0, "hvac")
	far.LatestStart = at(8, 30)
	far.Capacity = 0
	mustJob(t, c, far)

	if _, err := c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j2", TechnicianID: "t1"}, "dana"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("err = %v, want ErrNoCapacity", err)
	}
	if _, err := c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j3", TechnicianID: "t1"}, "dana"); !errors.Is(err, ErrNoTimeWindowFit) {
		t.Errorf("err = %v, want ErrNoTimeWindowFit", err)
	}
	if s := view(t, c); len(s.Routes["t1"]) != 0 {
		t.Errorf("rejected overrides changed the route: %v", routeIDs(s, "t1"))
	}
}

func TestForceReorder(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.2, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	stops, err := c.ForceReorder(ctx, org, ReorderRequest{TechnicianID: "t1", JobIDs: []string{"j2", "j1"}}, "dana")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if stops[0].JobID != "j2" || stops[1].JobID != "j1" {
		t.Fatalf("stops = %+v", stops)
	}
	checkInvariants(t, view(t, c))

	if _, err := c.ForceReorder(ctx, org, ReorderRequest{TechnicianID: "t1", JobIDs: []string{"j1"}}, "dana"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("partial order err = %v, want ErrInvalidTransition", err)
	}
}

func TestStaleBaseSeqRejected(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 40.5, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	base := view(t, c).Seq
	mustReplan(t, c, Trigger{Assign: true})

	_, err := c.ForceAssign(ctx, org, ForceAssignRequest{JobID: "j1", TechnicianID: "t2", BaseSeq: base}, "dana")
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
	if j := view(t, c).Jobs["j1"]; j.TechnicianID != "t1" {
		t.Errorf("stale override moved the job to %s", j.TechnicianID)
	}
}

func TestStatusLifecycle(t *testing.T) {
	c, _, rec := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.2, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	_, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j2", Event: StatusDeparted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("departing for a later stop: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusArrived}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("arrive before depart: err = %v, want ErrInvalidTransition", err)
	}

	job, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusDeparted, At: at(8, 0)})
	if err != nil {
		t.Fatalf("depart: %v", err)
	}
	if job.State != StateEnRoute || view(t, c).Techs["t1"].State != TechBusy {
		t.Fatalf("after depart: job %s, tech %s", job.State, view(t, c).Techs["t1"].State)
	}

	job, err = c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusArrived, At: at(8, 12)})
	if err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if job.State != StateInProgress || job.ArrivedAt == nil || !job.ArrivedAt.Equal(at(8, 12)) {
		t.Fatalf("after arrive: %+v", job)
	}

	job, err = c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusCompleted, At: at(8, 45)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	s := view(t, c)
	if job.State != StateCompleted || s.Techs["t1"].State != TechIdle {
		t.Fatalf("after complete: job %s, tech %s", job.State, s.Techs["t1"].State)
	}
	if got := routeIDs(s, "t1"); !reflect.DeepEqual(got, []string{"j2"}) {
		t.Errorf("route after completion = %v", got)
	}
	if s.UsedCapacity("t1") != 2 {
		t.Errorf("completed job should keep its capacity slot, used = %d", s.UsedCapacity("t1"))
	}
	if !rec.has("completed:j1:t1") {
		t.Errorf("completion not emitted: %v", rec.calls)
	}
	checkInvariants(t, s)

	if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusCompleted}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completing twice: err = %v", err)
	}
}

func TestBlockedJobGoesToAnotherTechnician(t *testing.T) {
	c, _, rec := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 40.5, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})
	if tech := view(t, c).Jobs["j1"].TechnicianID; tech != "t1" {
		t.Fatalf("j1 on %s, want t1", tech)
	}

	for _, ev := range []string{StatusDeparted, StatusArrived} {
		if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: ev}); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	job, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusBlocked, Reason: "no access"})
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if job.State != StateUnscheduled || job.BlockedBy != "t1" || job.FailedAttempts != 1 {
		t.Fatalf("after block: %+v", job)
	}
	if !rec.has("failed:j1:t1") {
		t.Errorf("failure not emitted: %v", rec.calls)
	}

	mustReplan(t, c, Trigger{Kinds: []TriggerKind{TriggerFailed}, Technicians: []string{"t1"}, Assign: true})
	s := view(t, c)
	if j := s.Jobs["j1"]; j.State != StateScheduled || j.TechnicianID != "t2" {
		t.Errorf("j1 = %s on %q, want scheduled on t2", j.State, j.TechnicianID)
	}
	checkInvariants(t, s)
}

func TestUnavailableReleasesUnstartedJobs(t *testing.T) {
	c, _, rec := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustJob(t, c, jobIntake("j2", 40.2, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})
	if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusDeparted}); err != nil {
		t.Fatalf("depart: %v", err)
	}

	tech, err := c.SetTechnicianState(ctx, org, "t1", TechUnavailable, "dispatcher")
	if err != nil {
		t.Fatalf("set unavailable: %v", err)
	}
	if tech.State != TechUnavailable {
		t.Fatalf("state = %s", tech.State)
	}
	s := view(t, c)
	if got := routeIDs(s, "t1"); !reflect.DeepEqual(got, []string{"j1"}) {
		t.Errorf("route = %v, started job must stay", got)
	}
	if st := s.Jobs["j2"].State; st != StateUnscheduled {
		t.Errorf("j2 = %s, want unscheduled", st)
	}
	if !rec.has("unavailable:t1:j2") {
		t.Errorf("release not emitted: %v", rec.calls)
	}
	checkInvariants(t, s)

	mustTech(t, c, techIntake("t2", 40.3, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})
	if j := view(t, c).Jobs["j2"]; j.TechnicianID != "t2" {
		t.Errorf("j2 on %q, want t2", j.TechnicianID)
	}

	if _, err := c.SetTechnicianState(ctx, org, "t2", TechBusy, "dispatcher"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("manual busy: err = %v", err)
	}
}

func TestDriftReoptimizesOnlyThatTechnician(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 41.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustJob(t, c, jobIntake("j2", 41.1, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	before := view(t, c)
	if before.Jobs["j1"].TechnicianID != "t1" || before.Jobs["j2"].TechnicianID != "t2" {
		t.Fatalf("initial assignment: j1 on %s, j2 on %s", before.Jobs["j1"].TechnicianID, before.Jobs["j2"].TechnicianID)
	}
	t2Seq := before.Techs["t2"].LastSeq
	t2Route := append([]store.RouteStop(nil), before.Routes["t2"]...)

	moved, err := c.UpdateLocation(ctx, org, "t1", 40.05, 0, at(7, 0))
	if err != nil || !moved {
		t.Fatalf("update location: moved=%v err=%v", moved, err)
	}
	res := mustReplan(t, c, Trigger{Kinds: []TriggerKind{TriggerDrift}, Technicians: []string{"t1"}})
	if !reflect.DeepEqual(res.Rerouted, []string{"t1"}) {
		t.Fatalf("rerouted = %v", res.Rerouted)
	}

	after := view(t, c)
	if want := at(8, 5); !after.Routes["t1"][0].PlannedArrival.Equal(want) {
		t.Errorf("t1 arrival = %v, want %v", after.Routes["t1"][0].PlannedArrival, want)
	}
	if after.Techs["t2"].LastSeq != t2Seq || !sameRoute(after.Routes["t2"], t2Route) {
		t.Errorf("t2 was touched by a drift on t1")
	}
}

func TestReplayReproducesState(t *testing.T) {
	c, db, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustTech(t, c, techIntake("t2", 40.5, "hvac", "electrical"))
	for i, lat := range []float64{40.1, 40.2, 40.3, 40.6} {
		mustJob(t, c, jobIntake(fmt.Sprintf("j%d", i+1), lat, "hvac"))
	}
	mustJob(t, c, jobIntake("j5", 40.4, "electrical"))
	mustReplan(t, c, Trigger{Assign: true})
	if _, err := c.ApplyStatus(ctx, org, StatusUpdate{TechnicianID: "t1", JobID: "j1", Event: StatusDeparted}); err != nil {
		t.Fatalf("depart: %v", err)
	}
	if _, err := c.CancelWorkOrder(ctx, org, "j2", "dispatcher"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustReplan(t, c, Trigger{Technicians: []string{"t1"}})
	if _, err := c.UpdateLocation(ctx, org, "t2", 40.45, 0, at(7, 1)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	events, err := db.ListScheduleEvents(ctx, org, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	replayed, err := Replay(org, events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	loaded, err := LoadSnapshot(ctx, db, org)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := replayed.Diff(loaded); len(diff) > 0 {
		t.Errorf("replay differs from store:\n%s", strings.Join(diff, "\n"))
	}
	if diff := replayed.Diff(view(t, c)); len(diff) > 0 {
		t.Errorf("replay differs from live view:\n%s", strings.Join(diff, "\n"))
	}
	checkInvariants(t, loaded)
}

func TestStoreFailureSuspendsQueue(t *testing.T) {
	c, db, rec := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	seq := view(t, c).Seq

	if _, err := db.Exec(`ALTER TABLE outbox RENAME TO outbox_off`); err != nil {
		t.Fatalf("rename: %v", err)
	}
	_, err := c.CreateWorkOrder(ctx, org, jobIntake("j1", 40.1, "hvac"), "intake")
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("err = %v, want ErrSuspended", err)
	}
	if !rec.has("suspended:" + org) {
		t.Errorf("suspension not emitted: %v", rec.calls)
	}
	s := view(t, c)
	if s.Seq != seq || s.Jobs["j1"] != nil {
		t.Fatalf("failed commit leaked into the view: seq %d, job %v", s.Seq, s.Jobs["j1"])
	}
	if _, err := db.GetWorkOrder(ctx, org, "j1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed commit leaked into the store: %v", err)
	}

	if _, err := db.Exec(`ALTER TABLE outbox_off RENAME TO outbox`); err != nil {
		t.Fatalf("rename back: %v", err)
	}
	if _, err := c.CreateWorkOrder(ctx, org, jobIntake("j1", 40.1, "hvac"), "intake"); !errors.Is(err, ErrSuspended) {
		t.Fatalf("queue should stay suspended until resumed, err = %v", err)
	}
	if err := c.Resume(ctx, org, "ops"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := c.CreateWorkOrder(ctx, org, jobIntake("j1", 40.1, "hvac"), "intake"); err != nil {
		t.Fatalf("create after resume: %v", err)
	}
	if got := view(t, c).Seq; got != seq+1 {
		t.Errorf("seq = %d, want %d", got, seq+1)
	}
}

func TestLocationPingsAreIdempotent(t *testing.T) {
	c, db, _ := testCoordinator(t)
	ctx := context.Background()
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	seq := view(t, c).Seq

	moved, err := c.UpdateLocation(ctx, org, "t1", 40.2, 0, at(9, 0))
	if err != nil || !moved {
		t.Fatalf("first ping: moved=%v err=%v", moved, err)
	}
	for _, ts := range []time.Time{at(9, 0), at(8, 59)} {
		moved, err := c.UpdateLocation(ctx, org, "t1", 41.0, 0, ts)
		if err != nil {
			t.Fatalf("ping at %v: %v", ts, err)
		}
		if moved {
			t.Errorf("ping at %v should be ignored", ts)
		}
	}
	tech := view(t, c).Techs["t1"]
	if tech.CurrentLat == nil || *tech.CurrentLat != 40.2 {
		t.Errorf("location = %v, want 40.2", tech.CurrentLat)
	}
	if view(t, c).Seq != seq {
		t.Error("pings must not append schedule events")
	}
	stored, err := db.GetTechnician(ctx, org, "t1")
	if err != nil {
		t.Fatalf("get technician: %v", err)
	}
	if stored.CurrentLat == nil || *stored.CurrentLat != 40.2 {
		t.Errorf("stored location = %v", stored.CurrentLat)
	}

	if err := c.MarkLocationStale(ctx, org, "t1", true); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if !view(t, c).Techs["t1"].LocationStale {
		t.Error("technician should be stale")
	}
	if _, err := c.UpdateLocation(ctx, org, "t1", 40.3, 0, at(9, 5)); err != nil {
		t.Fatalf("fresh ping: %v", err)
	}
	if view(t, c).Techs["t1"].LocationStale {
		t.Error("a fresh ping should clear staleness")
	}
}

func TestIntakeValidation(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()

	noLoc := jobIntake("j1", 40.1)
	noLoc.Lat = nil
	if _, err := c.CreateWorkOrder(ctx, org, noLoc, "intake"); !errors.Is(err, ErrInvalidWorkOrder) {
		t.Errorf("missing location: err = %v", err)
	}
	backwards := jobIntake("j2", 40.1)
	backwards.EarliestStart, backwards.LatestStart = at(12, 0), at(9, 0)
	if _, err := c.CreateWorkOrder(ctx, org, backwards, "intake"); !errors.Is(err, ErrInvalidWorkOrder) {
		t.Errorf("inverted window: err = %v", err)
	}
	noDuration := jobIntake("j3", 40.1)
	noDuration.DurationMin = 0
	if _, err := c.CreateWorkOrder(ctx, org, noDuration, "intake"); !errors.Is(err, ErrInvalidWorkOrder) {
		t.Errorf("zero duration: err = %v", err)
	}
	mustJob(t, c, jobIntake("j4", 40.1))
	if _, err := c.CreateWorkOrder(ctx, org, jobIntake("j4", 40.1), "intake"); !errors.Is(err, ErrInvalidWorkOrder) {
		t.Errorf("duplicate id: err = %v", err)
	}

	shift := techIntake("t1", 40.0)
	shift.ShiftEnd = shift.ShiftStart.Add(-time.Hour)
	if _, err := c.RegisterTechnician(ctx, org, shift, "hr"); !errors.Is(err, ErrInvalidTechnician) {
		t.Errorf("inverted shift: err = %v", err)
	}
}

func TestOutboxCarriesRouteUpdates(t *testing.T) {
	c, db, _ := testCoordinator(t)
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))
	mustReplan(t, c, Trigger{Assign: true})

	msgs, err := db.ListPendingOutbox(100)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var events, routes int
	for _, m := range msgs {
		switch m.MsgType {
		case protocol.TypeScheduleEvent:
			events++
		case protocol.TypeRouteUpdate:
			routes++
			if m.NodeID != "t1" || m.Topic != "fieldops.routes" {
				t.Errorf("route update to %s on %s", m.NodeID, m.Topic)
			}
		}
	}
	if events != 4 || routes != 1 {
		t.Errorf("outbox has %d events and %d route updates, want 4 and 1", events, routes)
	}
}

func TestTriggerWorkerAssigns(t *testing.T) {
	c, _, _ := testCoordinator(t)
	mustTech(t, c, techIntake("t1", 40.0, "hvac"))
	mustJob(t, c, jobIntake("j1", 40.1, "hvac"))

	c.Trigger(org, Trigger{Kinds: []TriggerKind{TriggerNewJob}, Assign: true})
	c.Trigger(org, Trigger{Kinds: []TriggerKind{TriggerRefine}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if view(t, c).Jobs["j1"].State == StateScheduled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never scheduled j1")
}

func TestTriggerMerge(t *testing.T) {
	tr := Trigger{Kinds: []TriggerKind{TriggerDrift}, Technicians: []string{"t1"}}
	tr.merge(Trigger{Kinds: []TriggerKind{TriggerNewJob, TriggerDrift}, Technicians: []string{"t2", "t1"}, Assign: true})
	if !tr.Assign {
		t.Error("assign should be sticky")
	}
	if !reflect.DeepEqual(tr.Technicians, []string{"t1", "t2"}) {
		t.Errorf("technicians = %v", tr.Technicians)
	}
	if !reflect.DeepEqual(tr.Kinds, []TriggerKind{TriggerDrift, TriggerNewJob}) {
		t.Errorf("kinds = %v", tr.Kinds)
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]store.JobState{
		{StateUnscheduled, StateScheduled},
		{StateScheduled, StateEnRoute},
		{StateEnRoute, StateInProgress},
		{StateInProgress, StateCompleted},
		{StateInProgress, StateFailed},
		{StateFailed, StateUnscheduled},
		{StateEnRoute, StateCancelled},
	}
	for _, p := range allowed {
		if !IsValidTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	denied := [][2]store.JobState{
		{StateUnscheduled, StateEnRoute},
		{StateInProgress, StateCancelled},
		{StateCompleted, StateScheduled},
		{StateCancelled, StateUnscheduled},
	}
	for _, p := range denied {
		if IsValidTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be rejected", p[0], p[1])
		}
	}
}

func TestUnknownOrgReadsStartNothing(t *testing.T) {
	c, _, _ := testCoordinator(t)
	ctx := context.Background()
	before := runtime.NumGoroutine()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("ghost-%d", i)
		s, err := c.View(ctx, id)
		if err != nil {
			t.Fatalf("view %s: %v", id, err)
		}
		if s.Seq != 0 || len(s.Jobs) != 0 {
			t.Fatalf("view %s = seq %d with %d jobs", id, s.Seq, len(s.Jobs))
		}
		c.Trigger(id, Trigger{Assign: true})
		if res, err := c.Replan(ctx, id, Trigger{Assign: true}); err != nil || res.Seq != 0 {
			t.Fatalf("replan %s = %+v, %v", id, res, err)
		}
	}
	if _, err := c.CancelWorkOrder(ctx, "ghost-x", "missing", "dispatcher"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel err = %v, want ErrNotFound", err)
	}
	if _, err := c.UpdateLocation(ctx, "ghost-x", "t9", 40, 0, at(8, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("location err = %v, want ErrNotFound", err)
	}

	if orgs := c.Orgs(); len(orgs) != 0 {
		t.Fatalf("orgs = %v, want none loaded", orgs)
	}
	if after := runtime.NumGoroutine(); after > before+5 {
		t.Errorf("goroutines grew from %d to %d", before, after)
	}

	// The first accepted change starts the organization.
	mustTech(t, c, techIntake("t1", 40.0))
	if orgs := c.Orgs(); !reflect.DeepEqual(orgs, []string{org}) {
		t.Errorf("orgs = %v, want [%s]", orgs, org)
	}
}

func TestOptimizerRejectionReportedInfeasible(t *testing.T) {
	// Real travel takes twice as long as the assignment estimate, so the
	// chosen technician passes scoring and then fails routing.
	slow := geo.ProviderFunc(func(ctx context.Context, a, b geo.Point) (geo.Estimate, error) {
		e := grid{}.Estimate(a, b)
		e.Minutes *= 2
		return e, nil
	})
	c, db, _ := testCoordinatorWith(t, slow)
	mustTech(t, c, techIntake("t1", 40.0))
	j := jobIntake("j1", 41.0)
	j.LatestStart = at(10, 0)
	mustJob(t, c, j)

	res := mustReplan(t, c, Trigger{Assign: true})
	if len(res.Assigned) != 0 {
		t.Fatalf("assigned = %+v", res.Assigned)
	}
	if len(res.Unassignable) != 1 || res.Unassignable[0].Reason != ReasonInfeasible {
		t.Fatalf("unassignable = %+v, want %s", res.Unassignable, ReasonInfeasible)
	}
	q, err := db.ListQueue(context.Background(), org)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(q) != 1 || q[0].Reason != ReasonInfeasible {
		t.Errorf("queue = %+v", q)
	}
}

func TestUnchangedRouteClearsDegradedFlag(t *testing.T) {
	var fallback atomic.Bool
	fallback.Store(true)
	provider := geo.ProviderFunc(func(ctx context.Context, a, b geo.Point) (geo.Estimate, error) {
		e := grid{}.Estimate(a, b)
		e.Degraded = fallback.Load()
		return e, nil
	})
	c, _, _ := testCoordinatorWith(t, provider)
	mustTech(t, c, techIntake("t1", 40.0))
	mustJob(t, c, jobIntake("j1", 40.1))

	res := mustReplan(t, c, Trigger{Assign: true})
	if !res.Degraded {
		t.Fatalf("first replan should be degraded: %+v", res)
	}
	if got := c.DegradedTechnicians(org); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("degraded = %v, want [t1]", got)
	}
	seq := view(t, c).Seq

	// The provider recovers and the route comes out identical.
	fallback.Store(false)
	res = mustReplan(t, c, Trigger{Kinds: []TriggerKind{TriggerManual}, Technicians: []string{"t1"}})
	if len(res.Rerouted) != 0 {
		t.Fatalf("rerouted = %v, want none", res.Rerouted)
	}
	if got := view(t, c).Seq; got != seq {
		t.Errorf("seq moved from %d to %d", seq, got)
	}
	if got := c.DegradedTechnicians(org); len(got) != 0 {
		t.Errorf("degraded = %v, want none", got)
	}
}

package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/bus"
	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/connector/fake"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
	"github.com/experimaestro/xpm/store/sqlstore"
)

func init() {
	if lvl, err := log.ParseLevel(os.Getenv("XPM_LOGLEVEL")); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(log.WarnLevel)
	}
}

// recorder keeps every message published on the bus.
type recorder struct {
	mu   sync.Mutex
	msgs []resource.Message
}

func (r *recorder) Notify(msg resource.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) changes(id resource.ID) []resource.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []resource.State
	for _, m := range r.msgs {
		if c, ok := m.(resource.ResourceChanged); ok && c.ID == id {
			states = append(states, c.New)
		}
	}
	return states
}

type fixture struct {
	sched *Scheduler
	store store.Store
	conn  *fake.Connector
	rec   *recorder
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	st, err := sqlstore.Open(sqlstore.MemoryPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return newFixtureOn(t, st, cfg)
}

// newFixtureOn builds a scheduler with a fresh cache over an existing store.
func newFixtureOn(t *testing.T, st store.Store, cfg *Config) *fixture {
	conn := fake.New(connector.DefaultID)
	rec := &recorder{}
	b := bus.New(nil)
	b.AddListener(rec)
	s, err := New(cfg, st, b, connector.NewRegistry(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sched: s, store: st, conn: conn, rec: rec}
}

func (f *fixture) data(t *testing.T, locator string, state resource.State) *resource.Resource {
	r, err := f.sched.Submit(context.Background(), resource.NewData(locator, state), nil)
	if err != nil {
		t.Fatalf("submitting %s: %v", locator, err)
	}
	return r
}

func (f *fixture) job(t *testing.T, locator string, priority int, deps ...DependencySpec) *resource.Resource {
	job := &resource.JobData{Commands: [][]string{{"echo", locator}}, Priority: priority}
	r, err := f.sched.Submit(context.Background(), resource.NewJob(locator, job), deps)
	if err != nil {
		t.Fatalf("submitting %s: %v", locator, err)
	}
	return r
}

func read(locator string) DependencySpec {
	return DependencySpec{Locator: locator, Kind: resource.DepReadAccess}
}

// launched dispatches once and returns the process started for locator.
func (f *fixture) launched(t *testing.T, locator string) *fake.Process {
	f.sched.dispatch()
	p := f.conn.Process(locator)
	if p == nil {
		t.Fatalf("%s was not launched, files: %v", locator, f.conn.Files())
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, r *resource.Resource, st resource.State) {
	waitFor(t, r.Locator()+" to be "+st.String(), func() bool { return r.State() == st })
}

func expectState(t *testing.T, r *resource.Resource, st resource.State) {
	t.Helper()
	if r.State() != st {
		t.Fatalf("expected %s to be %s, got %s", r.Locator(), st, r.State())
	}
}

func TestDoneUpstreamMakesJobReady(t *testing.T) {
	f := newFixture(t, nil)
	a := f.data(t, "/data/a", resource.DONE)
	b := f.job(t, "/jobs/b", 0, read("/data/a"))

	expectState(t, b, resource.READY)
	deps := b.Dependencies()
	if len(deps) != 1 || deps[0].From() != a.ID() || deps[0].Status() != resource.DepOK {
		t.Fatalf("unexpected dependencies %s", spew.Sdump(deps))
	}
	stored, err := f.store.IngoingDependencies(b.ID())
	if err != nil || len(stored) != 1 || stored[0].Status() != resource.DepOK {
		t.Fatalf("dependency not persisted: %v %s", err, spew.Sdump(stored))
	}
	persisted, _ := f.store.ResourceByID(b.ID())
	if persisted.State() != resource.READY || persisted.ReadyAt().IsZero() {
		t.Errorf("state not persisted: %s %s", persisted.State(), persisted.ReadyAt())
	}
}

func TestRunningUpstreamMakesJobWait(t *testing.T) {
	f := newFixture(t, nil)
	a := f.job(t, "/jobs/a", 0)
	expectState(t, a, resource.READY)
	p := f.launched(t, "/jobs/a")
	expectState(t, a, resource.RUNNING)

	b := f.job(t, "/jobs/b", 0, read("/jobs/a"))
	expectState(t, b, resource.WAITING)
	if st := b.Dependency(a.ID()).Status(); st != resource.DepWait {
		t.Fatalf("expected WAIT, got %s", st)
	}

	p.Finish(0)
	waitState(t, a, resource.DONE)
	waitState(t, b, resource.READY)
	if code := a.Job().ExitCode; code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestBlockedUpstreamHoldsJob(t *testing.T) {
	for _, st := range []resource.State{resource.ON_HOLD, resource.ERROR} {
		f := newFixture(t, nil)
		f.data(t, "/data/a", st)
		b := f.job(t, "/jobs/b", 0, read("/data/a"))
		expectState(t, b, resource.ON_HOLD)
		if ds := b.Dependencies()[0].Status(); ds != resource.DepHold {
			t.Errorf("upstream %s: expected HOLD, got %s", st, ds)
		}
	}
}

func TestFailedJobHoldsDependents(t *testing.T) {
	f := newFixture(t, nil)
	a := f.job(t, "/jobs/a", 0)
	p := f.launched(t, "/jobs/a")
	b := f.job(t, "/jobs/b", 0, read("/jobs/a"))
	c := f.job(t, "/jobs/c", 0, read("/jobs/b"))

	p.Finish(3)
	waitState(t, a, resource.ERROR)
	waitState(t, b, resource.ON_HOLD)
	waitState(t, c, resource.ON_HOLD)
	if code := a.Job().ExitCode; code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
}

func TestSetStateUnchangedIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.data(t, "/data/a", resource.DONE)
	before := f.rec.count()
	changed, err := f.sched.SetState(a, resource.DONE)
	if changed || err != nil {
		t.Fatalf("expected a no-op, got %t %v", changed, err)
	}
	if n := f.rec.count(); n != before {
		t.Errorf("expected no message, got %d", n-before)
	}

	changed, err = f.sched.SetState(a, resource.ERROR)
	if !changed || err != nil {
		t.Fatalf("expected a transition, got %t %v", changed, err)
	}
	if got := f.rec.changes(a.ID()); len(got) != 1 || got[0] != resource.ERROR {
		t.Errorf("unexpected notifications %v", got)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.data(t, "/data/a", resource.DONE)
	b := f.job(t, "/jobs/b", 0, read("/data/a"))

	if err := f.sched.Delete(ctx, a, false); !xpmerrors.Is(err, xpmerrors.ErrHasDependents) {
		t.Fatalf("expected ErrHasDependents, got %v", err)
	}
	for _, r := range []*resource.Resource{a, b} {
		if _, err := f.store.ResourceByID(r.ID()); err != nil {
			t.Fatalf("%s should still be stored: %v", r, err)
		}
	}

	if err := f.sched.Delete(ctx, a, true); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*resource.Resource{a, b} {
		if _, err := f.store.ResourceByID(r.ID()); errors.Cause(err) != store.ErrNotFound {
			t.Errorf("%s should be deleted, got %v", r, err)
		}
	}
	if _, err := f.sched.Resource(b.ID()); !xpmerrors.Is(err, xpmerrors.ErrUnknownResource) {
		t.Errorf("expected ErrUnknownResource, got %v", err)
	}
}

func TestDeleteRunningFails(t *testing.T) {
	f := newFixture(t, nil)
	a := f.job(t, "/jobs/a", 0)
	f.launched(t, "/jobs/a")
	if err := f.sched.Delete(context.Background(), a, true); !xpmerrors.Is(err, xpmerrors.ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	expectState(t, a, resource.RUNNING)
}

func TestSubmitReplace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.job(t, "/jobs/a", 0)
	if _, err := f.sched.SetState(a, resource.ERROR); err != nil {
		t.Fatal(err)
	}

	again := f.job(t, "/jobs/a", 5)
	if again.ID() != a.ID() {
		t.Fatalf("expected the replacement to keep id %s, got %s", a.ID(), again.ID())
	}
	expectState(t, again, resource.READY)
	if cached, _ := f.sched.Resource(a.ID()); cached != again {
		t.Error("the cache still holds the replaced instance")
	}

	f.launched(t, "/jobs/a")
	job := resource.NewJob("/jobs/a", &resource.JobData{Commands: [][]string{{"true"}}})
	if _, err := f.sched.Submit(ctx, job, nil); !xpmerrors.Is(err, xpmerrors.ErrCannotOverwrite) {
		t.Fatalf("expected ErrCannotOverwrite, got %v", err)
	}

	d := f.data(t, "/data/d", resource.DONE)
	kept, err := f.sched.Submit(ctx, resource.NewData("/data/d", resource.WAITING), nil)
	if err != nil {
		t.Fatal(err)
	}
	if kept.ID() != d.ID() || kept.State() != resource.DONE {
		t.Errorf("expected the DONE resource back, got %s %s", kept.ID(), kept.State())
	}
}

func TestSubmitUnknownUpstream(t *testing.T) {
	f := newFixture(t, nil)
	job := resource.NewJob("/jobs/b", &resource.JobData{Commands: [][]string{{"true"}}})
	if _, err := f.sched.Submit(context.Background(), job, []DependencySpec{read("/nope")}); !xpmerrors.Is(err, xpmerrors.ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
	if r, _ := f.store.ResourceByLocator("/jobs/b"); r != nil {
		t.Errorf("nothing should be stored, got %s", r)
	}
	if job.IsStored() {
		t.Error("the rolled back resource kept an id")
	}
}

func TestSubmitSelfDependency(t *testing.T) {
	f := newFixture(t, nil)
	job := resource.NewJob("/jobs/a", &resource.JobData{Commands: [][]string{{"true"}}})
	_, err := f.sched.Submit(context.Background(), job, []DependencySpec{read("/jobs/a")})
	if !xpmerrors.Is(err, xpmerrors.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if xpmerrors.IsInvariant(err) {
		t.Error("a bad definition is not a graph corruption")
	}
}

func TestReplacedInstanceSeesRunningJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := f.job(t, "/jobs/a", 0)
	if _, err := f.sched.SetState(old, resource.ERROR); err != nil {
		t.Fatal(err)
	}
	a := f.job(t, "/jobs/a", 0)
	if a.ID() != old.ID() {
		t.Fatalf("resubmission changed the id from %s to %s", old.ID(), a.ID())
	}
	p := f.launched(t, "/jobs/a")
	expectState(t, a, resource.RUNNING)

	if err := f.sched.Delete(ctx, old, false); !xpmerrors.Is(err, xpmerrors.ErrRunning) {
		t.Errorf("expected ErrRunning deleting through the replaced instance, got %v", err)
	}
	if _, err := f.store.ResourceByID(a.ID()); err != nil {
		t.Fatalf("running job was deleted: %v", err)
	}
	if _, err := f.sched.Restart(ctx, old, RestartOptions{}); !xpmerrors.Is(err, xpmerrors.ErrRunning) {
		t.Errorf("expected ErrRunning restarting through the replaced instance, got %v", err)
	}
	if err := f.sched.Clean(ctx, old, false); !xpmerrors.Is(err, xpmerrors.ErrRunning) {
		t.Errorf("expected ErrRunning cleaning through the replaced instance, got %v", err)
	}
	if _, ok := f.conn.File("/jobs/a" + resource.RunExt); !ok {
		t.Error("run script of the running job was removed")
	}

	p.Finish(0)
	waitState(t, a, resource.DONE)
}

func TestLostWaitKeepsJobRunning(t *testing.T) {
	f := newFixture(t, nil)
	f.data(t, "/data/a", resource.DONE)
	a := f.job(t, "/jobs/a", 0, DependencySpec{Locator: "/data/a", Kind: resource.DepExclusive})
	p := f.launched(t, "/jobs/a")

	p.Lose(errors.New("connection reset"))
	waitFor(t, "the run to be dropped", func() bool { return !f.sched.isRunning(a.ID()) })
	expectState(t, a, resource.RUNNING)
	if d := a.Dependencies()[0]; !d.IsLocked() {
		t.Error("exclusive lock released while the job may still run")
	}
	if _, ok := f.conn.File("/data/a" + resource.LockExt); !ok {
		t.Error("lock file removed while the job may still run")
	}

	f.sched.sweep()
	expectState(t, a, resource.RUNNING)

	p.Finish(0)
	f.sched.sweep()
	waitState(t, a, resource.DONE)
	if _, ok := f.conn.File("/data/a" + resource.LockExt); ok {
		t.Error("lock file kept after the adopted job finished")
	}
}

func TestLaunchWritesRunFiles(t *testing.T) {
	f := newFixture(t, &Config{NotifyURL: "http://localhost:8080/"})
	a := f.job(t, "/jobs/a", 0)
	p := f.launched(t, "/jobs/a")

	script, ok := f.conn.File("/jobs/a" + resource.RunExt)
	if !ok {
		t.Fatalf("no run script, files: %v", f.conn.Files())
	}
	url := fmt.Sprintf("http://localhost:8080/notify/%d", int64(a.ID()))
	if p.Spec.NotificationURL != url {
		t.Errorf("expected notification URL %s, got %s", url, p.Spec.NotificationURL)
	}
	if script != connector.RunScript(p.Spec) {
		t.Error("run script does not match the process spec")
	}
	if _, ok := f.conn.File("/jobs/a" + resource.StartLockExt); ok {
		t.Error("the start lock should be gone once started")
	}
	if _, ok := f.conn.File("/jobs/a" + resource.LockExt); !ok {
		t.Error("the job lock should be held while running")
	}
	job := a.Job()
	if job.RunID == "" || job.ProcessID != p.Pid() {
		t.Errorf("run not recorded: %s", spew.Sdump(job))
	}
}

func TestKillIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.data(t, "/data/a", resource.DONE)
	b := f.job(t, "/jobs/b", 0, DependencySpec{Locator: "/data/a", Kind: resource.DepExclusive})
	f.launched(t, "/jobs/b")
	if _, ok := f.conn.File("/data/a" + resource.LockExt); !ok {
		t.Fatal("exclusive lock not taken")
	}

	killed, err := f.sched.Kill(b.ID())
	if !killed || err != nil {
		t.Fatalf("expected a kill, got %t %v", killed, err)
	}
	if killed, err := f.sched.Kill(b.ID()); killed || err != nil {
		t.Fatalf("second kill should do nothing, got %t %v", killed, err)
	}
	waitState(t, b, resource.ERROR)
	waitFor(t, "lock release", func() bool {
		_, held := f.conn.File("/data/a" + resource.LockExt)
		return !held && !f.sched.isRunning(b.ID())
	})
	if d := b.Dependencies()[0]; d.IsLocked() || d.Status() != resource.DepUnactive {
		t.Errorf("dependency not unlocked: %s", d)
	}
	if code := b.Job().ExitCode; code != xpmerrors.KilledExitCode {
		t.Errorf("expected exit code %d, got %d", xpmerrors.KilledExitCode, code)
	}
	if killed, _ := f.sched.Kill(b.ID()); killed {
		t.Error("killing a finished job should do nothing")
	}
}

func TestExclusiveContentionKeepsJobReady(t *testing.T) {
	f := newFixture(t, nil)
	f.data(t, "/data/a", resource.DONE)
	f.conn.WriteFile("/data/a"+resource.LockExt, []byte("1"), 0644)
	b := f.job(t, "/jobs/b", 0, DependencySpec{Locator: "/data/a", Kind: resource.DepExclusive})

	f.sched.dispatch()
	expectState(t, b, resource.READY)
	if p := f.conn.Process("/jobs/b"); p != nil {
		t.Fatal("job launched without its exclusive lock")
	}
	if d := b.Dependencies()[0]; d.IsLocked() || d.Status() != resource.DepOK {
		t.Errorf("failed lock not rolled back: %s", d)
	}

	f.conn.Remove("/data/a" + resource.LockExt)
	f.launched(t, "/jobs/b")
	expectState(t, b, resource.RUNNING)
}

func TestTokenLimitsConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	token, err := f.sched.Submit(ctx, resource.NewToken("/tokens/gpu", 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	dep := DependencySpec{Locator: "/tokens/gpu", Kind: resource.DepToken}
	a := f.job(t, "/jobs/a", 1, dep)
	b := f.job(t, "/jobs/b", 0, dep)
	expectState(t, a, resource.READY)
	expectState(t, b, resource.READY)

	p := f.launched(t, "/jobs/a")
	expectState(t, a, resource.RUNNING)
	expectState(t, b, resource.WAITING)
	if used := token.Token().Used; used != 1 {
		t.Fatalf("expected 1 token holder, got %d", used)
	}
	if f.conn.Process("/jobs/b") != nil {
		t.Fatal("b launched without a token")
	}

	p.Finish(0)
	waitState(t, b, resource.READY)
	if used := token.Token().Used; used != 0 {
		t.Errorf("expected the token back, got %d holders", used)
	}
	stored, _ := f.store.ResourceByID(token.ID())
	f.store.LoadData(stored)
	if used := stored.Token().Used; used != 0 {
		t.Errorf("token usage not persisted: %d", used)
	}
}

func TestDispatchOrderAndSlots(t *testing.T) {
	f := newFixture(t, &Config{MaxRunning: 1})
	low := f.job(t, "/jobs/low", 0)
	high := f.job(t, "/jobs/high", 10)

	f.sched.dispatch()
	expectState(t, high, resource.RUNNING)
	expectState(t, low, resource.READY)

	f.conn.Process("/jobs/high").Finish(0)
	waitState(t, high, resource.DONE)
	waitFor(t, "slot release", func() bool { return !f.sched.isRunning(high.ID()) })
	f.launched(t, "/jobs/low")
	expectState(t, low, resource.RUNNING)
}

func TestConnectorSlots(t *testing.T) {
	f := newFixture(t, &Config{ConnectorSlots: map[string]int{connector.DefaultID: 1}})
	a := f.job(t, "/jobs/a", 0)
	b := f.job(t, "/jobs/b", 0)
	f.sched.dispatch()
	running := 0
	for _, r := range []*resource.Resource{a, b} {
		if r.State() == resource.RUNNING {
			running++
		}
	}
	if running != 1 {
		t.Errorf("expected one running job, got %d", running)
	}
}

func TestLaunchFailureHoldsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.data(t, "/data/a", resource.DONE)
	b := f.job(t, "/jobs/b", 0, DependencySpec{Locator: "/data/a", Kind: resource.DepExclusive})
	f.conn.StartErr = os.ErrPermission

	f.sched.dispatch()
	expectState(t, b, resource.ON_HOLD)
	if _, held := f.conn.File("/data/a" + resource.LockExt); held {
		t.Error("exclusive lock not released")
	}
	if _, held := f.conn.File("/jobs/b" + resource.LockExt); held {
		t.Error("job lock not released")
	}
	if f.sched.isRunning(b.ID()) {
		t.Error("slot not released")
	}
	got := f.rec.changes(b.ID())
	if len(got) < 2 || got[len(got)-2] != resource.RUNNING || got[len(got)-1] != resource.ON_HOLD {
		t.Errorf("unexpected transitions %v", got)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.job(t, "/jobs/a", 0)
	p := f.launched(t, "/jobs/a")
	b := f.job(t, "/jobs/b", 0, read("/jobs/a"))
	p.Finish(1)
	waitState(t, a, resource.ERROR)
	waitState(t, b, resource.ON_HOLD)
	waitFor(t, "a to complete", func() bool { return !f.sched.isRunning(a.ID()) })

	n, err := f.sched.Restart(ctx, a, RestartOptions{Recursive: true})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 restarts, got %d %v", n, err)
	}
	expectState(t, a, resource.READY)
	expectState(t, b, resource.WAITING)
	if _, ok := f.conn.File("/jobs/a" + resource.CodeExt); ok {
		t.Error("stale exit code left behind")
	}

	f.launched(t, "/jobs/a").Finish(0)
	waitState(t, b, resource.READY)
	waitFor(t, "a to complete again", func() bool { return !f.sched.isRunning(a.ID()) })

	if n, _ := f.sched.Restart(ctx, a, RestartOptions{}); n != 0 {
		t.Errorf("a DONE job needs Done to restart, got %d", n)
	}
	if n, err := f.sched.Restart(ctx, a, RestartOptions{Done: true}); n != 1 || err != nil {
		t.Errorf("expected 1 restart, got %d %v", n, err)
	}
	expectState(t, b, resource.WAITING)

	data := f.data(t, "/data/x", resource.ERROR)
	if _, err := f.sched.Restart(ctx, data, RestartOptions{}); !xpmerrors.IsUnsupported(err) {
		t.Errorf("expected unsupported, got %v", err)
	}
}

func TestCleanAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.data(t, "/data/a", resource.DONE)
	b := f.job(t, "/jobs/b", 0, read("/data/a"))
	if err := f.sched.SetTag(b, "model", "bert"); err != nil {
		t.Fatal(err)
	}
	f.launched(t, "/jobs/b").Finish(0)
	waitState(t, b, resource.DONE)
	waitFor(t, "b to complete", func() bool { return !f.sched.isRunning(b.ID()) })

	info, err := f.sched.Status(b)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != resource.DONE || info.Tags["model"] != "bert" || info.ExitCode == nil || *info.ExitCode != 0 {
		t.Errorf("unexpected status %s", spew.Sdump(info))
	}
	if len(info.Dependencies) != 1 || info.Dependencies[0].Locator != "/data/a" {
		t.Errorf("unexpected dependencies %s", spew.Sdump(info.Dependencies))
	}

	if err := f.sched.Clean(ctx, b, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.conn.File("/jobs/b" + resource.RunExt); ok {
		t.Error("run script not cleaned")
	}
	if _, ok := f.conn.File("/jobs/b" + resource.DoneExt); !ok {
		t.Error("done file removed without removeFiles")
	}
	if err := f.sched.Clean(ctx, b, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.conn.File("/jobs/b" + resource.DoneExt); ok {
		t.Error("done file not removed")
	}
}

func TestStartRunsLoop(t *testing.T) {
	f := newFixture(t, &Config{SweepInterval: 50 * time.Millisecond, MaxSweepsPerSec: 100})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.sched.Stop()

	a := f.job(t, "/jobs/a", 0)
	p, err := f.conn.WaitStarted(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	p.Finish(0)
	waitState(t, a, resource.DONE)
}

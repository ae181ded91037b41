package scheduler

import (
	"context"
	"testing"

	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/resource"
)

// crashRunning records r as RUNNING with pid in the store, as a scheduler
// that died mid-run would have left it.
func crashRunning(t *testing.T, f *fixture, r *resource.Resource, pid int) {
	if err := r.UpdateJob(func(job *resource.JobData) { job.ProcessID = pid }); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdatePayload(r); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateState(r.ID(), resource.RUNNING, r.State(), r.ReadyAt()); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverRunningJobs(t *testing.T) {
	f := newFixture(t, nil)
	dead := f.job(t, "/jobs/dead", 0)
	finished := f.job(t, "/jobs/finished", 0)
	alive := f.job(t, "/jobs/alive", 0)
	blocked := f.job(t, "/jobs/blocked", 0, read("/jobs/dead"))
	next := f.job(t, "/jobs/next", 0, read("/jobs/finished"))
	crashRunning(t, f, dead, 4242)
	crashRunning(t, f, finished, 4343)
	crashRunning(t, f, alive, 4444)

	restarted := newFixtureOn(t, f.store, nil)
	restarted.conn.WriteFile("/jobs/finished"+resource.DoneExt, nil, 0644)
	restarted.conn.WriteFile("/jobs/alive"+resource.PidExt, []byte("1001\n"), 0644)
	// The first process started on the fake host gets pid 1001.
	other := &connector.ProcessSpec{Locator: "/jobs/x", RunScript: "/jobs/x" + resource.RunExt, Files: resource.JobFiles("/jobs/x", nil)}
	restarted.conn.WriteFile(other.RunScript, []byte("#!/bin/sh\n"), 0755)
	restarted.conn.WriteFile(other.Files.Lock, nil, 0644)
	if p, err := restarted.conn.ProcessBuilder().Start(other); err != nil || p.Pid() != 1001 {
		t.Fatalf("cannot start a live process: %v", err)
	}

	if err := restarted.sched.recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	get := func(r *resource.Resource) *resource.Resource {
		got, err := restarted.sched.Resource(r.ID())
		if err != nil {
			t.Fatal(err)
		}
		return got
	}
	expectState(t, get(dead), resource.ERROR)
	if code := get(dead).Job().ExitCode; code != -1 {
		t.Errorf("expected exit code -1 for a vanished job, got %d", code)
	}
	expectState(t, get(finished), resource.DONE)
	expectState(t, get(alive), resource.RUNNING)
	expectState(t, get(blocked), resource.ON_HOLD)
	expectState(t, get(next), resource.READY)
}

func TestRecoverRechecksHeldJobs(t *testing.T) {
	f := newFixture(t, nil)
	f.data(t, "/data/a", resource.ERROR)
	b := f.job(t, "/jobs/b", 0, read("/data/a"))
	expectState(t, b, resource.ON_HOLD)
	up, _ := f.store.ResourceByLocator("/data/a")
	if err := f.store.UpdateState(up.ID(), resource.DONE, resource.ERROR, up.ReadyAt()); err != nil {
		t.Fatal(err)
	}

	kept := newFixtureOn(t, f.store, nil)
	if err := kept.sched.recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	held, _ := kept.sched.Resource(b.ID())
	expectState(t, held, resource.ON_HOLD)

	rechecked := newFixtureOn(t, f.store, &Config{RecheckOnHold: true})
	if err := rechecked.sched.recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	ready, _ := rechecked.sched.Resource(b.ID())
	expectState(t, ready, resource.READY)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/experimaestro/xpm/resource"
)

func TestSupersedeHoldsStaleTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	clock := time.Unix(1500000000, 0)
	f.sched.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	shared := f.job(t, "/jobs/shared", 0)
	old := f.job(t, "/jobs/old", 0)
	first, err := f.sched.NewExperiment(ctx, "mnist")
	if err != nil {
		t.Fatal(err)
	}
	for id, r := range map[string]*resource.Resource{"shared": shared, "old": old} {
		if err := f.sched.AddTask(ctx, first, r, id); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := f.sched.Supersede(ctx, "mnist"); n != 0 || err != nil {
		t.Fatalf("a single run supersedes nothing, got %d %v", n, err)
	}

	second, err := f.sched.NewExperiment(ctx, "mnist")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sched.AddTask(ctx, second, shared, "shared"); err != nil {
		t.Fatal(err)
	}
	n, err := f.sched.Supersede(ctx, "mnist")
	if n != 1 || err != nil {
		t.Fatalf("expected 1 held job, got %d %v", n, err)
	}
	expectState(t, old, resource.ON_HOLD)
	expectState(t, shared, resource.READY)

	if n, err := f.sched.RestartExperiment(ctx, first.ID, RestartOptions{}); n != 1 || err != nil {
		t.Errorf("expected 1 restart, got %d %v", n, err)
	}
	expectState(t, old, resource.READY)
}

func TestHoldExperiment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.job(t, "/jobs/a", 0)
	b := f.job(t, "/jobs/b", 0, read("/jobs/a"))
	outside := f.job(t, "/jobs/c", 0, read("/jobs/b"))
	exp, err := f.sched.NewExperiment(ctx, "cifar")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []*resource.Resource{a, b} {
		if err := f.sched.AddTask(ctx, exp, r, r.Locator()); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.sched.HoldExperiment(ctx, exp.ID)
	if n != 2 || err != nil {
		t.Fatalf("expected 2 held jobs, got %d %v", n, err)
	}
	expectState(t, a, resource.ON_HOLD)
	expectState(t, b, resource.ON_HOLD)
	expectState(t, outside, resource.ON_HOLD)

	if _, err := f.sched.NewExperiment(ctx, ""); err == nil {
		t.Error("an unnamed experiment was created")
	}
}

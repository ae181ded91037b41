package resource

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
)

func Test_AcceptHoldsOnBlockingUpstream(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("Blocking upstream gives HOLD whatever the kind", prop.ForAll(
		func(u upstream) bool {
			d := NewDependency(u.res.ID(), 2, u.kind)
			status := d.Accept(u.res)
			if u.res.State().IsBlocking() {
				return status == DepHold
			}
			return status != DepHold
		},
		genUpstream(),
	))
	properties.TestingRun(t)
}

func Test_AcceptDelegatesWhenDone(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("DONE upstream delegates to the kind check", prop.ForAll(
		func(u upstream) bool {
			d := NewDependency(u.res.ID(), 2, u.kind)
			if u.res.State() != DONE {
				return true
			}
			return d.Accept(u.res) == d.acceptDone(u.res)
		},
		genUpstream(),
	))
	properties.Property("Active upstream gives WAIT", prop.ForAll(
		func(u upstream) bool {
			d := NewDependency(u.res.ID(), 2, u.kind)
			if !u.res.State().IsActive() {
				return true
			}
			return d.Accept(u.res) == DepWait
		},
		genUpstream(),
	))
	properties.TestingRun(t)
}

func TestAcceptScenarios(t *testing.T) {
	a := Restore(1, KindData, "/data/a", RUNNING, WAITING, time.Time{})
	d := NewDependency(a.ID(), 2, DepReadAccess)
	if s := d.Accept(a); s != DepWait {
		t.Errorf("expected WAIT for a RUNNING upstream, got %s", s)
	}

	a = Restore(1, KindData, "/data/a", ON_HOLD, WAITING, time.Time{})
	if s := d.Accept(a); s != DepHold {
		t.Errorf("expected HOLD for an ON_HOLD upstream, got %s", s)
	}
	if s := d.acceptDone(a); s != DepOK {
		t.Errorf("expected the kind check alone to accept, got %s", s)
	}

	a = Restore(1, KindData, "/data/a", DONE, RUNNING, time.Time{})
	if s := d.Accept(a); s != DepOK {
		t.Errorf("expected OK for a DONE upstream, got %s", s)
	}
}

func TestTokenAccept(t *testing.T) {
	token := NewToken("/tokens/gpu", 1)
	token.Stored(1)
	d := NewDependency(1, 2, DepToken)
	if s := d.Accept(token); s != DepOK {
		t.Fatalf("expected OK for a free token, got %s", s)
	}
	d.Update(token)
	if err := d.Locked("run-1", nil); err != nil {
		t.Fatal(err)
	}
	if ok, err := token.AcquireToken(); !ok || err != nil {
		t.Fatalf("cannot acquire the token: %v", err)
	}

	other := NewDependency(1, 3, DepToken)
	if s := other.Accept(token); s != DepWait {
		t.Errorf("expected WAIT for an exhausted token, got %s", s)
	}
	if s := d.Accept(token); s != DepOK {
		t.Errorf("expected the holder to stay OK, got %s", s)
	}

	data := NewData("/data/a", DONE)
	if s := other.Accept(data); s != DepError {
		t.Errorf("expected ERROR for a token dependency on data, got %s", s)
	}
}

func TestUpdateReportsChanges(t *testing.T) {
	a := Restore(1, KindData, "/data/a", WAITING, WAITING, time.Time{})
	d := NewDependency(1, 2, DepReadAccess)

	changed, old := d.Update(a)
	if !changed || old != DepUnknown || d.Status() != DepWait {
		t.Errorf("expected UNKNOWN->WAIT, got changed=%v old=%s new=%s", changed, old, d.Status())
	}
	if changed, _ := d.Update(a); changed {
		t.Errorf("second update should not change the status")
	}
	a.Transition(DONE, time.Now())
	if changed, old := d.Update(a); !changed || old != DepWait || d.Status() != DepOK {
		t.Errorf("expected WAIT->OK, got changed=%v old=%s new=%s", changed, old, d.Status())
	}
}

type countingReleaser struct{ released int }

func (c *countingReleaser) Release() error { c.released++; return nil }

func TestLockUnlock(t *testing.T) {
	d := RestoreDependency(1, 2, DepExclusive, DepOK, "")

	if _, _, err := d.Unlock(); !xpmerrors.IsInvariant(err) {
		t.Fatalf("expected an invariant violation unlocking a free dependency, got %v", err)
	}

	h := &countingReleaser{}
	if err := d.Locked("run-1", h); err != nil {
		t.Fatal(err)
	}
	if err := d.Locked("run-1", h); err != nil {
		t.Errorf("locking twice with the same ref should be a no-op: %v", err)
	}
	if err := d.Locked("run-2", h); !xpmerrors.IsInvariant(err) {
		t.Errorf("expected an invariant violation locking with another ref, got %v", err)
	}

	ref, handle, err := d.Unlock()
	if err != nil || ref != "run-1" || handle != h {
		t.Fatalf("unexpected unlock result %q %v %v", ref, handle, err)
	}
	if d.Status() != DepUnactive || d.IsLocked() {
		t.Errorf("expected UNACTIVE and unlocked, got %s locked=%v", d.Status(), d.IsLocked())
	}

	waiting := RestoreDependency(1, 3, DepReadAccess, DepWait, "")
	if err := waiting.Locked("run-3", nil); !xpmerrors.IsInvariant(err) {
		t.Errorf("expected an invariant violation locking a WAIT dependency, got %v", err)
	}
}

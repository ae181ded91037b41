package hooks

import (
	"testing"
)

const stack = `goroutine 1 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:24 +0x5e
github.com/experimaestro/xpm/common/log/hooks.contextHook.Fire()
	/home/u/src/github.com/experimaestro/xpm/common/log/hooks/context_hook.go:24 +0x25
github.com/sirupsen/logrus.LevelHooks.Fire()
	/home/u/pkg/mod/github.com/sirupsen/logrus@v1.4.2/hooks.go:28 +0x8f
github.com/experimaestro/xpm/scheduler.(*Scheduler).dispatch()
	/home/u/src/github.com/experimaestro/xpm/scheduler/dispatch.go:87 +0x1a2
`

func TestCallSite(t *testing.T) {
	if site := callSite(stack); site != "scheduler/dispatch.go:87" {
		t.Errorf("unexpected call site %q", site)
	}
	if site := callSite("goroutine 1 [running]:\n"); site != "" {
		t.Errorf("expected empty call site, got %q", site)
	}
}

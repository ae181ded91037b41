package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook annotates every entry with the file:line of the logging call.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	entry.Data["file:line"] = callSite(string(debug.Stack()))
	return nil
}

// callSite walks a goroutine stack dump and returns the first frame outside
// of logrus and this hook, trimmed to a module-relative path.
func callSite(stack string) string {
	lines := strings.Split(stack, "\n")
	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "/") || !strings.Contains(line, ".go:") {
			continue
		}
		if strings.Contains(line, "sirupsen/logrus") ||
			strings.Contains(line, "context_hook.go:") ||
			strings.Contains(line, "runtime/debug") {
			continue
		}
		ctx := strings.Split(line, "xpm/")
		site := ctx[len(ctx)-1]
		if idx := strings.Index(site, " +0x"); idx >= 0 {
			site = site[:idx]
		}
		return site
	}
	return ""
}

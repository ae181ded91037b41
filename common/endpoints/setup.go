package endpoints

import (
	"time"

	"github.com/experimaestro/xpm/common/stats"
)

type StatScope string

// MakeStatsReceiver returns a finagle style receiver rooted at scope, with
// latencies in milliseconds.
func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	return stats.DefaultStatsReceiver().Scope(string(scope)).Precision(time.Millisecond)
}

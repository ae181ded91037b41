package resource

import (
	"fmt"
	"time"

	"github.com/leanovate/gopter"
)

// genState picks any valid state.
func genState() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		s := allStates[genParams.Rng.Intn(len(allStates))]
		return gopter.NewGenResult(s, gopter.NoShrinker)
	}
}

// upstream pairs a stored upstream resource with the kind of dependency
// taken on it. Token dependencies get a token payload.
type upstream struct {
	res  *Resource
	kind DependencyKind
}

func (u upstream) String() string {
	return fmt.Sprintf("{%s %s %s}", u.res.Locator(), u.res.State(), u.kind)
}

func genUpstream() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		state := allStates[genParams.Rng.Intn(len(allStates))]
		kind := DependencyKind(genParams.Rng.Intn(3))
		var r *Resource
		if kind == DepToken {
			limit := genParams.Rng.Intn(3)
			r = Restore(1, KindToken, "/tokens/t", state, state, time.Time{})
			r.token = &TokenData{Limit: limit, Used: genParams.Rng.Intn(limit + 1)}
		} else {
			r = Restore(1, KindData, "/data/a", state, state, time.Time{})
		}
		r.dataLoaded = true
		return gopter.NewGenResult(upstream{r, kind}, gopter.NoShrinker)
	}
}

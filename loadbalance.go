package redisipc

import (
	"sort"
	"time"
)

// consumerRank is the total-order key the dispatcher sorts worker candidates
// by. Smaller ranks first, field by field:
//
//  1. consumers absent from the snapshot (never seen by Redis, so truly idle)
//  2. fewer pending entries
//  3. longer active idle time ("least recently busy"; only counted while the
//     consumer is not inactive)
//  4. longer idle time overall
type consumerRank struct {
	present    bool
	pending    int64
	activeIdle time.Duration
	idle       time.Duration
}

func rankOf(name string, snapshot map[string]ConsumerStat) consumerRank {
	stat, ok := snapshot[name]
	if !ok {
		return consumerRank{}
	}
	rank := consumerRank{
		present: true,
		pending: stat.Pending,
		idle:    stat.Idle,
	}
	if stat.Inactive == 0 {
		rank.activeIdle = stat.Idle
	}
	return rank
}

// less reports whether a ranks strictly ahead of b. The comparison is a
// strict weak order: equal keys are not ordered either way.
func (a consumerRank) less(b consumerRank) bool {
	if a.present != b.present {
		return !a.present
	}
	if a.pending != b.pending {
		return a.pending < b.pending
	}
	if a.activeIdle != b.activeIdle {
		return a.activeIdle > b.activeIdle
	}
	return a.idle > b.idle
}

// pickConsumer returns the least-busy candidate under the snapshot. Ties keep
// the candidates' given order. Empty candidates yield "".
func pickConsumer(candidates []string, snapshot map[string]ConsumerStat) string {
	if len(candidates) == 0 {
		return ""
	}
	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return rankOf(ranked[i], snapshot).less(rankOf(ranked[j], snapshot))
	})
	return ranked[0]
}

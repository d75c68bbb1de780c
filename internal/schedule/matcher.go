package schedule

import (
	"sort"
	"time"
)

// Match returns the period active at t. Among overlapping candidates the one
// sorting last wins: the latest start, or on equal start the earliest end.
// ok is false when nothing matches.
func Match(periods []Period, t time.Time) (active Period, ok bool) {
	tod := TimeOfDayOf(t)

	stack := make([]Period, 0, len(periods))
	for _, p := range periods {
		if p.IncludesDay(t) && p.Includes(tod) {
			stack = append(stack, p)
		}
	}
	if len(stack) == 0 {
		return Period{}, false
	}

	sort.SliceStable(stack, func(i, j int) bool { return stack[i].Less(stack[j]) })
	return stack[len(stack)-1], true
}

// Package trigger turns incoming events into run requests.
//
// An Engine looks at every enabled trigger in the current dependency graph
// and decides which build types an event should start, on which branches.
// It never schedules anything itself: matches are handed to an Enqueuer,
// normally the scheduler.
//
// Three kinds of events are understood:
//
//   - event.VcsCommit starts build types with a vcs trigger whose branch
//     filter accepts the commit's branch and whose path filter, if any,
//     accepts at least one changed path.
//   - event.BuildFinished starts build types with a finish_build trigger
//     watching the finished build type.
//   - event.ScheduleTick starts build types whose cron expression fires at
//     the tick's minute, once for every literal branch in the filter.
//
// A single event starts at most one run per build type and branch.
package trigger

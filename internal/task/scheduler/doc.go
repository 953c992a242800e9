// Package scheduler decides which pending tasks are due and in what order a
// cycle should dispatch them.
//
// It does not run anything and owns no timers: the manager feeds it the
// pending set on every cycle. Interval patterns are parsed once and cached
// until Reset.
package scheduler

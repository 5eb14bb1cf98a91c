/*
Package runner provides the periodic-worker abstraction shared by the
scheduler and agent: a named Func plus a fixed Interval, run on its
own goroutine until the shared stop signal fires.

A Worker that overruns its interval is logged and re-run immediately
rather than piling up on a ticker channel; a Worker that panics is
recovered and logged rather than taking down its sibling workers. This
replaces a generic "register any callback" thread registry with a
fixed, inspectable set of named workers per process.
*/
package runner

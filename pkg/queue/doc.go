/*
Package queue implements the Job Queue: a Redis-backed priority broker
for the work the Reconciler, Traffic Collector, Limit Enforcer and DDNS
Watcher hand off to worker goroutines.

Jobs are JSON types.Job records stored as strings under
aurora:jobs:<id>; membership in one of
three sorted sets (ready, delayed, claimed) drives arrival, scheduling
and crash-safe retry. BZPOPMIN on the ready set, scored by
priority*1e13+unixMillis, always returns the highest-priority,
oldest-eligible job first.

Priority constants: 0 operator-triggered reconcile, 3 server init/usage
probe, 4 port/server cleanup, 6 traffic collection fanout, 10
background housekeeping.
*/
package queue

/*
Package storage provides BoltDB-backed state persistence for Aurora's
control-plane data: servers, ports, forward rules, traffic usage, users
and their quota policies, and uploaded files.

All data is serialized as JSON and stored in separate buckets, one per
entity kind, keyed by id. Secondary lookups (by server+port number, by
owning port) are served by a bucket scan, matching the scale of a single
control-plane instance managing a modest fleet of hosts.

UpdatePortUsage is the one operation that matters for correctness under
concurrency: both the traffic collector and the reconciler's cleanup path
read-modify-write a port's usage counters, and BoltDB serializes all
writers against a single bucket, so the read-your-own-write guarantee
falls out of the transaction boundary rather than an application-level
lock.
*/
package storage

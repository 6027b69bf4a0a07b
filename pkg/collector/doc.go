/*
Package collector implements the Traffic Collector: the per-server
procedure that reads accumulated byte counters off a managed host and
rolls them into PortUsage.

list_all's output is parsed against TrafficLinePattern, summed per port
per direction, and folded into PortUsage.Download/Upload using a
checkpoint-equality rule that avoids double-counting a delta against a
usage row that changed underneath it — a snapshot taken before the
remote round trip feeds a single read-modify-write closure
(pkg/storage.Store.UpdatePortUsage) so collector and reconciler writers
never interleave.
*/
package collector

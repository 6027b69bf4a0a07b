/*
Package reconciler implements the Reconciler: the component that drives a
ForwardRule's on-host state (NAT filter, binary, config file, systemd
unit) into agreement with its desired configuration by executing the
Rule Translator's ActionPlan over a Host Connector session.

Work is invoked per unit from a queue job, with zerolog fields on every
log line and per-cycle error isolation so one server's failure never
aborts another's cycle. A "starting" status write is dropped whenever the
rule has already reached "running", so a stale write can never regress
further progress, and discovered host facts are persisted on the server
only once, at run completion. extractServiceErrorLines keeps only a
failed unit's own journal message, filtering out everything else
journalctl prints alongside it.
*/
package reconciler

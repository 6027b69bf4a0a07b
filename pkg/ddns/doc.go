/*
Package ddns implements the DDNS Watcher: a periodic sweep that re-resolves
every DNS-following ForwardRule's remote hostname and, on a change, pushes
the new address into the reconcile path.

Only rules whose method is in the DNS-following whitelist and whose
config already carries both a RemoteAddress and a previously resolved
RemoteIP are candidates; a literal IP address is never re-queried. Every
candidate whose address changed enqueues the same ReconcileRule job
regardless of method, since the Rule Translator already emits the
method-appropriate plan from that single entry point.
*/
package ddns

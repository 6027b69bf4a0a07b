/*
Package enforcer implements the Limit Enforcer: the policy decision and
its on-host effect once a Port's or ServerUser's usage crosses a quota or
expiry boundary.

An expiry deadline always wins over a quota evaluation, and applying an
action is idempotent: a speed tier already in effect on a Port is never
re-enqueued.
*/
package enforcer

/*
Package streambus implements the Stream Bus: a Redis-backed publish/
subscribe channel keyed by job id, carrying a long-running remote
operation's command output to the UI live while a subscriber is
attached, and replaying it from a time-ordered history for one that
joins late.

Every message is both PUBLISHed on "<prefix>:<job>" and ZADDed into
"<prefix>:<job>:history" scored by Unix-microsecond timestamp, plus
indexed (by Unix-millisecond timestamp) into "<prefix>:task:ids" for the daily retention sweep. A
reserved stopword string terminates both the live and the replayed
stream.
*/
package streambus

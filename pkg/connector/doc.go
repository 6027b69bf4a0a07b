/*
Package connector implements the Host Connector described in the
reconciliation engine's design: the one place that opens an SSH session
to a managed Server, runs commands through it (escalating via sudo when
the connected user isn't root), and transfers files idempotently.

Run always allocates a PTY so stdout and stderr interleave the way an
interactive shell would, matching the combined-output capture the
Reconciler's plan execution and the Traffic Collector's fact-gathering
both depend on. EnsureFile/PutFile avoid re-uploading unchanged content by
comparing MD5 sums before writing.

Callers that want live output streamed to an operator attach a Publisher
(typically pkg/streambus.Bus) via WithStream; Close() publishes the
stream's stopword so a subscriber knows the connection's output is done,
even if the command that ran over it already finished earlier.
*/
package connector

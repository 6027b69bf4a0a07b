/*
Package api implements the Control API: the thin HTTP+WebSocket boundary
in front of the storage, queue, and stream-bus packages.

A *Server wraps the core components; route handlers are instrumented
with aurora_api_requests_total/aurora_api_request_duration_seconds, JSON
request/response bodies, and errors mapped to HTTP status codes across a
small REST surface: upsert/delete Server/Port/ForwardRule, job status
lookup, and a WebSocket job-output stream.

No authentication, pagination or GraphQL shape is implemented here: the
boundary trusts its caller and validates only the shape of what it's
given.
*/
package api

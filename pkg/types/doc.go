/*
Package types defines Aurora's core domain model: the entities the
control plane persists and the values its packages pass between each
other.

# Entities

Server, Port and ForwardRule form the configuration tree an operator
edits: a Server hosts Ports, and a Port carries at most one ForwardRule
selecting a forwarding Method and its method-specific configuration.
PortUsage holds the Traffic Collector's accumulated byte counters for a
Port. User, ServerUser and PortUser grant access and carry per-grant
quota/expiry policy. File is stored-blob metadata (path, size, MD5) (SSH keys,
uploaded artifacts). Job is the Job Queue's unit of work.

# Config as typed structs

Rather than an untyped JSON bag, Server/Port/ForwardRule "config" is
modeled as a concrete struct with omitempty JSON tags: ServerConfig,
PortConfig, RuleConfig (with one
populated method-specific sub-struct per types.Method), ServerUserConfig.
A field the schema doesn't know about is rejected at decode time by
pkg/api's strict request decoder (DisallowUnknownFields), not silently
accepted into a map.

# ActionPlan and RemoteStep

ActionPlan is the Rule Translator's output: an ordered list of
RemoteStep values, each a discriminated union over StepKind carrying
only the fields its kind uses. The Reconciler executes a plan's steps
in order against a Server via the Host Connector.

# Ownership

The store is the only writer of persisted rows. Within that, the
Reconciler owns ForwardRule.Status, ServerConfig and RuleConfig.Runner/
Error; the Traffic Collector owns PortUsage and ServerUser.Download/
Upload; the Limit Enforcer owns Port.EgressLimit/IngressLimit.
*/
package types

/*
Package translator implements the Rule Translator: a pure function
turning a Port's ForwardRule into the ordered RemoteStep plan the
Reconciler executes against a Server.

Each Method owns a config class naming its binary, version argument and
service template; ServeNodes rewriting and remote-ip derivation follow
gost's own node-URL conventions, and the NAT argument shape follows
iptables' own rule grammar. The "Port not allowed" ServeNode check
verifies every gost-family ServeNode's port matches the owning Port
before a plan is ever built.

Translate never touches the network or the store: DNS resolution of a
rule's RemoteAddress happens in the caller (the Reconciler, via
pkg/dns) before Translate is invoked, and the result is read from
RuleConfig.RemoteIP — already cached there by the time a RemoteStep
needs it.

The small proxy methods exposed as siblings of gost (socks, wss, mwss,
shadowsocks) are not separate binaries: gost's own ServeNodes URL
schemes (socks5://, wss://, mwss://, ss://) cover all of them, so this
package synthesizes a single-entry GostConfig for each and reuses the
gost binary/service/config plumbing throughout. v2ray keeps its own
binary and config shape. iptables needs neither a binary nor a systemd
unit: InstallFilter against the kernel's NAT table is the entire plan.
*/
package translator

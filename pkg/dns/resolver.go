// Package dns resolves a ForwardRule's remote hostname to an IP address
// for the Rule Translator and the DDNS Watcher.
//
// Resolution tries an operator-pinned override, then DNS-over-HTTPS
// providers in a fixed order, then the OS resolver — IPv4 preferred
// over IPv6 throughout, and an IP literal always passes through
// unresolved.
package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/types"
)

// dohProvider is one DNS-over-HTTPS endpoint tried in order.
type dohProvider struct {
	name string
	url  string
}

// dohProviders are tried in a fixed cloudflare-then-aliyun order.
var dohProviders = []dohProvider{
	{name: "cloudflare", url: "https://cloudflare-dns.com/dns-query"},
	{name: "aliyun", url: "https://dns.alidns.com/resolve"},
}

// Resolver resolves hostnames using an operator override, DoH, then the
// OS resolver, in that order.
type Resolver struct {
	// Override, when set, is a DNS server (host[:port]) queried first for
	// every non-literal lookup — the DNS_SERVER environment escape hatch.
	// When it gives no answer, resolution falls through to DoH and then
	// the OS resolver.
	Override string

	httpClient *http.Client
}

// NewResolver constructs a Resolver. override may be empty.
func NewResolver(override string) *Resolver {
	return &Resolver{
		Override:   override,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Resolve returns an IP address for addr. IP literals pass through
// verbatim; everything else is looked up via the override (if any), then
// DoH providers in order, then the OS resolver — IPv4 answers preferred
// over IPv6 at every step.
func (r *Resolver) Resolve(ctx context.Context, addr string) (string, error) {
	if types.RemoteIPLiteral(addr) {
		return addr, nil
	}

	if r.Override != "" {
		ip, err := r.queryCustomServer(ctx, addr, r.Override)
		if err == nil && ip != "" {
			return ip, nil
		}
		log.Logger.Warn().Str("host", addr).Str("server", r.Override).Msg("custom DNS override failed, falling through")
	}

	if ip, err := r.resolveViaDoH(ctx, addr, "A"); err == nil && ip != "" {
		return ip, nil
	}
	if ip, err := r.resolveViaDoH(ctx, addr, "AAAA"); err == nil && ip != "" {
		return ip, nil
	}

	return r.resolveViaSystem(ctx, addr)
}

// queryCustomServer resolves addr against a single DNS server specified
// as host[:port], mirroring get_ipv4_by_custom_server.
func (r *Resolver) queryCustomServer(ctx context.Context, addr, server string) (string, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, server)
		},
	}
	return firstV4ThenV6(ctx, resolver, addr)
}

// resolveViaSystem uses the OS resolver, matching get_ipv4_by_system /
// get_ipv6's fallback behavior.
func (r *Resolver) resolveViaSystem(ctx context.Context, addr string) (string, error) {
	return firstV4ThenV6(ctx, net.DefaultResolver, addr)
}

func firstV4ThenV6(ctx context.Context, resolver *net.Resolver, addr string) (string, error) {
	ips, err := resolver.LookupIP(ctx, "ip4", addr)
	if err == nil && len(ips) > 0 {
		return ips[0].String(), nil
	}
	ips, err = resolver.LookupIP(ctx, "ip6", addr)
	if err == nil && len(ips) > 0 {
		return ips[0].String(), nil
	}
	return "", fmt.Errorf("dns: no records for %s", addr)
}

type dohAnswer struct {
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// resolveViaDoH queries every configured DoH provider in order for the
// given record type ("A" or "AAAA"), returning the first answer.
func (r *Resolver) resolveViaDoH(ctx context.Context, addr, recordType string) (string, error) {
	for _, p := range dohProviders {
		ip, err := r.queryDoH(ctx, p, addr, recordType)
		if err == nil && ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("dns: no DoH answer for %s", addr)
}

func (r *Resolver) queryDoH(ctx context.Context, p dohProvider, addr, recordType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("name", addr)
	q.Set("type", recordType)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed dohAnswer
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	for _, a := range parsed.Answer {
		if a.Data != "" && net.ParseIP(a.Data) != nil {
			return a.Data, nil
		}
	}
	return "", fmt.Errorf("dns: empty DoH response from %s", p.name)
}

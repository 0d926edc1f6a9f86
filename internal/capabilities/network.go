package capabilities

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Network is the sandboxed HTTP client capability: a case-insensitive
// host allowlist behind a read-write lock (for runtime additions, spec
// §4.7) plus DNS-rebinding defense — every resolved address is checked
// against the restricted-IP predicate before the request is sent.
//
// Grounded on original_source/crates/core/src/capabilities.rs's
// SafeHttpClient: same default allowlist, same two-stage
// host-then-resolved-IP check, same idempotent add_host semantics.
type Network struct {
	mu           sync.RWMutex
	allowedHosts map[string]struct{}
	client       *http.Client
	resolver     *net.Resolver
}

// defaultAllowedHosts mirrors the teacher-domain defaults: the well
// known reasoning-engine API hosts an agent is expected to reach
// without additional operator configuration.
var defaultAllowedHosts = []string{
	"api.deepseek.com",
	"api.cerebras.ai",
	"api.openai.com",
	"api.anthropic.com",
}

// NewNetwork builds a Network capability seeded with the defaults plus
// any operator-configured extra hosts.
func NewNetwork(extraHosts []string) *Network {
	hosts := make(map[string]struct{}, len(defaultAllowedHosts)+len(extraHosts))
	for _, h := range defaultAllowedHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	for _, h := range extraHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &Network{
		allowedHosts: hosts,
		client:       &http.Client{Timeout: 30 * time.Second},
		resolver:     net.DefaultResolver,
	}
}

func (n *Network) Kind() Kind { return KindNetwork }

// AddHost adds a host to the allowlist at runtime. Returns true if it
// was newly inserted, false if it was already present — callers
// (spec §8) rely on this to detect idempotent re-adds.
func (n *Network) AddHost(host string) bool {
	normalized := strings.ToLower(host)
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.allowedHosts[normalized]; exists {
		return false
	}
	n.allowedHosts[normalized] = struct{}{}
	return true
}

func (n *Network) isWhitelisted(host string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.allowedHosts[strings.ToLower(host)]
	return ok
}

// isRestrictedAddr implements the DNS-rebinding defense predicate from
// spec §4.7: private/loopback/link-local/broadcast/documentation/
// unspecified IPv4, and loopback/unspecified/unique-local/multicast
// IPv6.
func isRestrictedAddr(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		if ip4.IsPrivate() || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() ||
			ip4[0] == 0 || ip4.Equal(net.IPv4bcast) || ip4.IsUnspecified() {
			return true
		}
		// documentation ranges: 192.0.2.0/24, 198.51.100.0/24, 203.0.113.0/24
		docNets := []string{"192.0.2.0/24", "198.51.100.0/24", "203.0.113.0/24"}
		for _, cidr := range docNets {
			_, n, _ := net.ParseCIDR(cidr)
			if n.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// unique local fc00::/7
	if len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

// Request is the capability-gated HTTP call surface exposed to
// plugins. Body may be nil.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	Status int
	Body   []byte
}

// Do sends an HTTP request after enforcing the host allowlist and the
// resolved-address restriction. Policy violations and transport
// failures are returned as plain wrapped errors, not as kernelerr
// types.
func (n *Network) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("capabilities: invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("capabilities: URL has no host")
	}
	if !n.isWhitelisted(host) {
		return nil, fmt.Errorf("capabilities: host %q denied by security policy (not whitelisted)", host)
	}

	addrs, err := n.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("capabilities: dns lookup failed for %q: %w", host, err)
	}
	var resolved net.IP
	for _, a := range addrs {
		if isRestrictedAddr(a.IP) {
			return nil, fmt.Errorf("capabilities: host %q resolved to restricted address %s", host, a.IP)
		}
		if resolved == nil {
			resolved = a.IP
		}
	}
	if resolved == nil {
		return nil, fmt.Errorf("capabilities: failed to resolve host %q", host)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("capabilities: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("capabilities: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capabilities: read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

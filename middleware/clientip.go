package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
)

// IPResolver finds the client address of a request. X-Forwarded-For is only
// believed for hops that are trusted proxies.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver parses trusted proxy addresses and CIDR ranges.
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	r := &IPResolver{trusted: make([]netip.Prefix, 0, len(trustedProxies))}
	for _, p := range trustedProxies {
		prefix, err := parsePrefix(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		r.trusted = append(r.trusted, prefix.Masked())
	}
	return r, nil
}

// ClientIP walks X-Forwarded-For from the right, skipping trusted proxies,
// and returns the first address that is not one. The socket peer is used
// when it is not itself trusted.
func (r *IPResolver) ClientIP(req *http.Request) string {
	peer, ok := parseAddr(req.RemoteAddr)
	if !ok {
		return req.RemoteAddr
	}
	if r == nil || !r.isTrusted(peer) {
		return peer.String()
	}

	hops := forwardedHops(req.Header.Values("X-Forwarded-For"))
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseAddr(hops[i])
		if !ok {
			break
		}
		client = addr
		if !r.isTrusted(addr) {
			break
		}
	}
	return client.String()
}

func (r *IPResolver) isTrusted(addr netip.Addr) bool {
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RequestMetadata stores the resolved client IP and the User-Agent on the
// request context, where Engine audit entries and the other middleware in
// this package read them.
func RequestMetadata(resolver *IPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := goIdP.WithMetadata(r.Context(), goIdP.SessionMetadata{
				IP:        resolver.ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Metadata returns the session metadata of r, resolving the IP directly
// when [RequestMetadata] did not run.
func Metadata(r *http.Request) goIdP.SessionMetadata {
	meta := goIdP.MetadataFromContext(r.Context())
	if meta.IP == "" {
		if addr, ok := parseAddr(r.RemoteAddr); ok {
			meta.IP = addr.String()
		}
	}
	if meta.UserAgent == "" {
		meta.UserAgent = r.UserAgent()
	}
	return meta
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	return hops
}

func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parsePrefix(p string) (netip.Prefix, error) {
	if strings.Contains(p, "/") {
		return netip.ParsePrefix(p)
	}
	addr, err := netip.ParseAddr(p)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

package httpx

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/soypat/ustcp/internal"
)

const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = time.Hour
	// DefaultDNSServer is used when a Resolver is created with an empty server.
	DefaultDNSServer = "1.1.1.1:53"
)

// ErrHostNotFound is returned when a name has no A records.
var ErrHostNotFound = errors.New("httpx: host not found")

// Resolver looks up IPv4 addresses with DNS A queries and caches answers for
// the TTL the server returns, bounded to [5s, 1h].
type Resolver struct {
	server string
	client *dns.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewResolver returns a Resolver querying server, a "host:port" address.
func NewResolver(server string, logger *slog.Logger) *Resolver {
	if server == "" {
		server = DefaultDNSServer
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		cache:  cache.New(maxCacheTTL, 10*time.Minute),
		logger: logger,
	}
}

// LookupIPv4 returns the IPv4 addresses of host. IP literals are returned as is.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return nil, errors.Errorf("httpx: %s is not an IPv4 address", host)
		}
		return []netip.Addr{addr}, nil
	}
	name := dns.Fqdn(strings.ToLower(host))
	if v, ok := r.cache.Get(name); ok {
		internal.LogAttrs(r.logger, slog.LevelDebug, "dns:cache-hit", slog.String("name", name))
		return v.([]netip.Addr), nil
	}

	var msg dns.Msg
	msg.SetQuestion(name, dns.TypeA)
	msg.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, &msg, r.server)
	if err == nil && resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, &msg, r.server)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		if resp.Rcode == dns.RcodeNameError {
			return nil, errors.Wrap(ErrHostNotFound, host)
		}
		return nil, errors.Errorf("resolving %s: %s", host, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	ttl := maxCacheTTL
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		addrs = append(addrs, addr)
		ttl = min(ttl, time.Duration(a.Hdr.Ttl)*time.Second)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrap(ErrHostNotFound, host)
	}
	ttl = max(ttl, minCacheTTL)
	r.cache.Set(name, addrs, ttl)
	internal.LogAttrs(r.logger, slog.LevelDebug, "dns:resolved", slog.String("name", name),
		slog.Int("addrs", len(addrs)), slog.Duration("ttl", ttl))
	return addrs, nil
}

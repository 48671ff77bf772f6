// Package fetch maps rsync:// repository URIs onto a local mirror root,
// tracks which modules have already been synchronized this validation
// cycle, and deduplicates concurrent sync requests for the same module.
// The actual rsync invocation and wire transfer are external
// collaborators; this package owns only the URI->path mapping, the
// per-cycle synced set, and in-flight-sync serialization.
package fetch

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"
)

var (
	// Private CIDRs excluded from TAL host resolution per RFC1918 and
	// RFC5735: a TAL's rsync host resolving to one of these is treated as
	// a resolution failure rather than followed, unless the resolver was
	// constructed with allowRestrictedAddresses for testing.

	rfc1918_10 = net.IPNet{
		IP:   []byte{10, 0, 0, 0},
		Mask: []byte{255, 0, 0, 0},
	}
	rfc1918_172_16 = net.IPNet{
		IP:   []byte{172, 16, 0, 0},
		Mask: []byte{255, 240, 0, 0},
	}
	rfc1918_192_168 = net.IPNet{
		IP:   []byte{192, 168, 0, 0},
		Mask: []byte{255, 255, 0, 0},
	}
	rfc5735_127 = net.IPNet{
		IP:   []byte{127, 0, 0, 0},
		Mask: []byte{255, 0, 0, 0},
	}
)

// HostResolver resolves the host component of an rsync:// repository URI
// to a set of addresses with an explicit timeout, so that a slow or
// broken resolver is classified as an io-error distinct from a sync
// failure reported by the external rsync collaborator.
type HostResolver struct {
	dnsClient                *dns.Client
	servers                  []string
	allowRestrictedAddresses bool
}

// NewHostResolver constructs a resolver that queries the given list of
// DNS servers directly, bypassing the system resolver, with dialTimeout
// bounding each exchange.
func NewHostResolver(dialTimeout time.Duration, servers []string) *HostResolver {
	c := new(dns.Client)
	c.DialTimeout = dialTimeout
	return &HostResolver{
		dnsClient: c,
		servers:   servers,
	}
}

// NewTestHostResolver is NewHostResolver but also accepts loopback and
// RFC1918 addresses; only tests should call this.
func NewTestHostResolver(dialTimeout time.Duration, servers []string) *HostResolver {
	r := NewHostResolver(dialTimeout, servers)
	r.allowRestrictedAddresses = true
	return r
}

func isPrivateV4(ip net.IP) bool {
	return rfc1918_10.Contains(ip) || rfc1918_172_16.Contains(ip) || rfc1918_192_168.Contains(ip) || rfc5735_127.Contains(ip)
}

// exchangeOne performs a single DNS exchange against a randomly chosen
// configured server.
func (r *HostResolver) exchangeOne(hostname string, qtype uint16) (*dns.Msg, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)

	if len(r.servers) < 1 {
		return nil, 0, fmt.Errorf("host resolver configured with no DNS servers")
	}
	chosen := r.servers[rand.Intn(len(r.servers))]
	return r.dnsClient.Exchange(m, chosen)
}

// LookupHost resolves hostname's A records, filtering out RFC1918/RFC5735
// private addresses unless the resolver was constructed for tests.
func (r *HostResolver) LookupHost(hostname string) ([]net.IP, time.Duration, error) {
	resp, rtt, err := r.exchangeOne(hostname, dns.TypeA)
	if err != nil {
		return nil, rtt, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, rtt, fmt.Errorf("DNS failure resolving %s: %s", hostname, dns.RcodeToString[resp.Rcode])
	}

	var addrs []net.IP
	for _, answer := range resp.Answer {
		a, ok := answer.(*dns.A)
		if !ok || a.A.To4() == nil {
			continue
		}
		if isPrivateV4(a.A) && !r.allowRestrictedAddresses {
			continue
		}
		addrs = append(addrs, a.A)
	}
	if len(addrs) == 0 {
		return nil, rtt, fmt.Errorf("no usable address found for %s", hostname)
	}
	return addrs, rtt, nil
}

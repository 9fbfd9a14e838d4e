package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// DefaultResolver is the local stub resolver.
const DefaultResolver = "127.0.0.53:53"

// DNSSource discovers shards from the SRV records of a domain. Each record
// becomes one shard identified by its target and port.
type DNSSource struct {
	// Domain is the SRV name, e.g. _fog-view._tcp.shards.example.com.
	Domain string

	// Resolver is the DNS server address. Defaults to DefaultResolver.
	Resolver string

	// Scheme of the built shard URIs. Defaults to fog-view.
	Scheme string

	// PinnedMeasurements is applied to every discovered shard.
	PinnedMeasurements map[int]string

	Timeout time.Duration
}

func (s *DNSSource) Name() string { return "dns:" + s.Domain }

func (s *DNSSource) Shards(ctx context.Context) ([]interfaces.ShardIdentity, error) {
	resolver := s.Resolver
	if resolver == "" {
		resolver = DefaultResolver
	}
	scheme := s.Scheme
	if scheme == "" {
		scheme = "fog-view"
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(s.Domain), dns.TypeSRV)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: timeout}
	in, _, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, fmt.Errorf("srv lookup %s: %w", s.Domain, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("srv lookup %s: %s", s.Domain, dns.RcodeToString[in.Rcode])
	}

	shards := make([]interfaces.ShardIdentity, 0, len(in.Answer))
	seen := make(map[interfaces.ShardID]bool, len(in.Answer))
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		hostPort := net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port)))
		id := interfaces.ShardID(hostPort)
		if seen[id] {
			continue
		}
		seen[id] = true
		shards = append(shards, interfaces.ShardIdentity{
			ID:                 id,
			URI:                scheme + "://" + hostPort,
			PinnedMeasurements: s.PinnedMeasurements,
		})
	}
	interfaces.SortShardIdentities(shards)
	return shards, nil
}

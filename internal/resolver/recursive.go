// Package resolver implements iterative DNS resolution against the root
// nameservers, chasing CNAMEs and delegations through the hand-rolled wire
// codec in internal/packet, backed by internal/cache for TTL-aware reuse.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dnsresolved/dnsresolved/internal/cache"
	"github.com/dnsresolved/dnsresolved/internal/packet"
	"github.com/dnsresolved/dnsresolved/internal/random"
)

var (
	ErrNoQuestion    = errors.New("resolver: no question to resolve")
	ErrMaxIterations = errors.New("resolver: max iterations reached")
	ErrNoNameservers = errors.New("resolver: no nameservers available")
)

const (
	defaultQueryTimeout  = 5 * time.Second
	defaultMaxIterations = 16
)

// nsPort is the destination port for every upstream query derived from a
// referral. A variable rather than a constant so tests can stand in a fake
// nameserver on an unprivileged port.
var nsPort = "53"

// Config configures a Resolver.
type Config struct {
	CacheConfig   cache.Config
	RootServers   []string // defaults to DefaultRootServers
	QueryTimeout  time.Duration
	MaxIterations int
}

// Resolver performs iterative DNS resolution with a shared TTL cache.
type Resolver struct {
	cache *cache.Cache
	cfg   Config
}

// New builds a Resolver and starts its cache's background expiry sweep.
func New(cfg Config) *Resolver {
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if len(cfg.RootServers) == 0 {
		cfg.RootServers = DefaultRootServers
	}

	return &Resolver{
		cache: cache.New(cfg.CacheConfig),
		cfg:   cfg,
	}
}

// Close releases the resolver's background resources.
func (r *Resolver) Close() error {
	r.cache.Close()
	return nil
}

// Stats reports resolver-wide cache statistics.
type Stats struct {
	Cache cache.Stats
}

// GetStats snapshots current statistics.
func (r *Resolver) GetStats() Stats {
	return Stats{Cache: r.cache.GetStats()}
}

// Resolve answers a single question by iterative resolution, returning an
// accumulated message whose Answers section holds every record gathered
// along the way (including intermediate CNAMEs).
func (r *Resolver) Resolve(ctx context.Context, qname string, qtype packet.QueryType) (*packet.Message, error) {
	accum := &packet.Message{}
	budget := r.cfg.MaxIterations

	if err := r.recursiveLookup(ctx, qname, qtype, accum, &budget); err != nil {
		return nil, err
	}
	return accum, nil
}

// recursiveLookup is the 8-step iterative algorithm: query the current
// nameserver set, and depending on the response either return a final
// answer, chase a CNAME (restarting at root with qtype A), stop on
// NXDOMAIN, follow a delegation with glue, or resolve a delegation's
// nameserver independently when no glue was provided. budget is a shared
// step counter across the whole call tree, bounding both loop iterations
// and recursive sub-resolutions against runaway referral chains.
func (r *Resolver) recursiveLookup(ctx context.Context, qname string, qtype packet.QueryType, accum *packet.Message, budget *int) error {
	nameservers := append([]string(nil), r.cfg.RootServers...)

	for {
		if *budget <= 0 {
			return ErrMaxIterations
		}
		if len(nameservers) == 0 {
			return ErrNoNameservers
		}
		*budget--

		resp, err := r.lookupServer(ctx, qname, qtype, nameservers[0])
		if err != nil {
			nameservers = nameservers[1:]
			continue
		}

		if hasFinalAnswer(resp, qtype) && resp.Header.Rcode == packet.NOERROR {
			mergeInto(accum, resp)
			return nil
		}

		if cname, ok := findCNAME(resp); ok {
			mergeInto(accum, resp)
			if qtype == packet.TypeCNAME {
				return nil
			}
			return r.recursiveLookup(ctx, cname.Host, packet.TypeA, accum, budget)
		}

		if resp.Header.Rcode == packet.NXDOMAIN {
			mergeInto(accum, resp)
			return nil
		}

		if resolved := resolvedNameservers(resp, qname); len(resolved) > 0 {
			nameservers = resolved
			continue
		}

		nsName, ok := findUnresolvedNS(resp, qname)
		if !ok {
			mergeInto(accum, resp)
			return nil
		}

		subAccum := &packet.Message{}
		if err := r.recursiveLookup(ctx, nsName, packet.TypeA, subAccum, budget); err != nil {
			return err
		}

		if addrs := nameserverAddrs(subAccum); len(addrs) > 0 {
			nameservers = addrs
		} else {
			mergeInto(accum, subAccum)
			return nil
		}
	}
}

// lookupServer answers qname/qtype from the cache if a fresh entry exists,
// otherwise queries server directly and populates the cache with every
// answer record it receives.
func (r *Resolver) lookupServer(ctx context.Context, qname string, qtype packet.QueryType, server string) (*packet.Message, error) {
	if entry, ok := r.cache.Get(qname); ok && kindForType(qtype) == entry.Record.Kind {
		resp := &packet.Message{
			Header:    packet.Header{QDCount: 1, ANCount: 1, Rcode: packet.NOERROR},
			Questions: []packet.Question{{Name: qname, Type: qtype}},
			Answers:   []packet.Record{withTTL(entry.Record, entry.RemainingTTL())},
		}
		return resp, nil
	}

	qid := random.NewQueryID()
	query := &packet.Message{
		Header:    packet.Header{ID: qid.TxID, RD: false},
		Questions: []packet.Question{{Name: qname, Type: qtype}},
	}
	wire, err := query.Write(true)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	raw, err := exchangeUDP(server, qid, wire, r.cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", server, err)
	}

	resp, err := packet.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", server, err)
	}

	if resp.Header.TC {
		raw, err = exchangeTCP(server, qid, wire, r.cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("tcp retry %s: %w", server, err)
		}
		resp, err = packet.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode tcp response from %s: %w", server, err)
		}
	}

	for _, ans := range resp.Answers {
		if ans.TTL > 0 {
			r.cache.Set(ans.Domain, ans, ans.TTL)
		}
	}

	return resp, nil
}

func withTTL(rec packet.Record, ttl uint32) packet.Record {
	rec.TTL = ttl
	return rec
}

func kindForType(qt packet.QueryType) packet.RecordKind {
	switch qt {
	case packet.TypeA:
		return packet.KindA
	case packet.TypeAAAA:
		return packet.KindAAAA
	case packet.TypeNS:
		return packet.KindNS
	case packet.TypeCNAME:
		return packet.KindCNAME
	case packet.TypeMX:
		return packet.KindMX
	default:
		return packet.KindUnknown
	}
}

func hasFinalAnswer(msg *packet.Message, qtype packet.QueryType) bool {
	want := kindForType(qtype)
	for _, a := range msg.Answers {
		if a.Kind == want {
			return true
		}
	}
	return false
}

func findCNAME(msg *packet.Message) (packet.Record, bool) {
	for _, a := range msg.Answers {
		if a.Kind == packet.KindCNAME {
			return a, true
		}
	}
	return packet.Record{}, false
}

// isSubdomainOrEqual reports whether qname lies within domain (equal, or a
// dot-aligned suffix): "www.example.com" is within "example.com" but
// "evilexample.com" is not, which a bare string-suffix check would miss.
func isSubdomainOrEqual(qname, domain string) bool {
	qname, domain = strings.ToLower(qname), strings.ToLower(domain)
	if qname == domain {
		return true
	}
	return strings.HasSuffix(qname, "."+domain)
}

// resolvedNameservers finds NS records in the authority section whose
// owner covers qname, and returns a dialable address for every one whose
// glue A/AAAA record was supplied in the additional section.
func resolvedNameservers(msg *packet.Message, qname string) []string {
	var addrs []string
	for _, ns := range msg.Authority {
		if ns.Kind != packet.KindNS || !isSubdomainOrEqual(qname, ns.Domain) {
			continue
		}
		for _, extra := range msg.Additional {
			if extra.Domain != ns.Host {
				continue
			}
			switch extra.Kind {
			case packet.KindA, packet.KindAAAA:
				addrs = append(addrs, net.JoinHostPort(extra.IP.String(), nsPort))
			}
		}
	}
	return addrs
}

// findUnresolvedNS returns the first delegated nameserver name covering
// qname that had no glue record in the additional section.
func findUnresolvedNS(msg *packet.Message, qname string) (string, bool) {
	for _, ns := range msg.Authority {
		if ns.Kind == packet.KindNS && isSubdomainOrEqual(qname, ns.Domain) {
			return ns.Host, true
		}
	}
	return "", false
}

// nameserverAddrs extracts a dialable address from every A/AAAA answer,
// used after independently resolving a glueless delegation's nameserver.
func nameserverAddrs(msg *packet.Message) []string {
	var addrs []string
	for _, a := range msg.Answers {
		if a.Kind == packet.KindA || a.Kind == packet.KindAAAA {
			addrs = append(addrs, net.JoinHostPort(a.IP.String(), nsPort))
		}
	}
	return addrs
}

// mergeInto appends src's answers onto dst and adopts src's result code,
// mirroring the accumulation semantics of chasing a referral or CNAME.
func mergeInto(dst, src *packet.Message) {
	dst.Answers = append(dst.Answers, src.Answers...)
	dst.Header.Rcode = src.Header.Rcode
}

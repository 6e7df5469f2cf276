package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnsresolved/dnsresolved/internal/cache"
	"github.com/dnsresolved/dnsresolved/internal/packet"
)

func newTestResolver(t *testing.T, rootAddr string) *Resolver {
	t.Helper()
	r := New(Config{
		CacheConfig:   cache.Config{MaxEntries: 256},
		RootServers:   []string{rootAddr},
		QueryTimeout:  2 * time.Second,
		MaxIterations: 8,
	})
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolveDirectAnswer(t *testing.T) {
	addr := startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		return &packet.Message{
			Header:  packet.Header{Rcode: packet.NOERROR},
			Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP("93.184.216.34")}},
		}
	})
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "example.com", packet.TypeA)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resp.Answers) != 1 || !resp.Answers[0].IP.Equal(net.ParseIP("93.184.216.34")) {
		t.Fatalf("answers = %+v", resp.Answers)
	}
}

func TestResolveUsesCacheOnSecondLookup(t *testing.T) {
	calls := 0
	addr := startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		calls++
		return &packet.Message{
			Header:  packet.Header{Rcode: packet.NOERROR},
			Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP("93.184.216.34")}},
		}
	})
	r := newTestResolver(t, addr)

	if _, err := r.Resolve(context.Background(), "cached.example.com", packet.TypeA); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "cached.example.com", packet.TypeA); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 1 {
		t.Errorf("upstream called %d times, want 1 (second lookup should hit cache)", calls)
	}
}

func TestResolveNXDOMAIN(t *testing.T) {
	addr := startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		return &packet.Message{Header: packet.Header{Rcode: packet.NXDOMAIN}}
	})
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "nowhere.invalid", packet.TypeA)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Header.Rcode != packet.NXDOMAIN {
		t.Errorf("rcode = %v, want NXDOMAIN", resp.Header.Rcode)
	}
	if len(resp.Answers) != 0 {
		t.Errorf("expected no answers on NXDOMAIN, got %d", len(resp.Answers))
	}
}

func TestResolveCNAMEChase(t *testing.T) {
	addr := startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		switch qname {
		case "alias.example.com":
			return &packet.Message{
				Header:  packet.Header{Rcode: packet.NOERROR},
				Answers: []packet.Record{{Kind: packet.KindCNAME, Domain: qname, TTL: 300, Host: "target.example.com"}},
			}
		case "target.example.com":
			return &packet.Message{
				Header:  packet.Header{Rcode: packet.NOERROR},
				Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP("10.0.0.1")}},
			}
		}
		return &packet.Message{Header: packet.Header{Rcode: packet.NXDOMAIN}}
	})
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "alias.example.com", packet.TypeA)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var sawCNAME, sawA bool
	for _, a := range resp.Answers {
		if a.Kind == packet.KindCNAME {
			sawCNAME = true
		}
		if a.Kind == packet.KindA && a.IP.Equal(net.ParseIP("10.0.0.1")) {
			sawA = true
		}
	}
	if !sawCNAME || !sawA {
		t.Fatalf("expected both CNAME and final A in accumulated answers, got %+v", resp.Answers)
	}
}

func TestResolveCNAMERequestedDirectlyStopsAtAlias(t *testing.T) {
	addr := startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		return &packet.Message{
			Header:  packet.Header{Rcode: packet.NOERROR},
			Answers: []packet.Record{{Kind: packet.KindCNAME, Domain: qname, TTL: 300, Host: "target.example.com"}},
		}
	})
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "alias.example.com", packet.TypeCNAME)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Kind != packet.KindCNAME {
		t.Fatalf("expected the bare CNAME without following it, got %+v", resp.Answers)
	}
}

// overrideNSPort redirects referral-derived upstream queries to the fake
// server's unprivileged port for the duration of one test (glue records
// carry only an IP; the destination port is the resolver's own default,
// which a test cannot bind).
func overrideNSPort(t *testing.T, addr string) {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	old := nsPort
	nsPort = port
	t.Cleanup(func() { nsPort = old })
}

func TestResolveMaxIterationsExceeded(t *testing.T) {
	// A nameserver that keeps re-delegating its own zone back to itself
	// never produces an answer; the shared iteration budget must trip
	// rather than let the referral loop spin forever.
	var addr string
	addr = startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		host, _, _ := net.SplitHostPort(addr)
		return &packet.Message{
			Header:    packet.Header{Rcode: packet.NOERROR},
			Authority: []packet.Record{{Kind: packet.KindNS, Domain: "example.com", TTL: 300, Host: "ns1.example.com"}},
			Additional: []packet.Record{
				{Kind: packet.KindA, Domain: "ns1.example.com", TTL: 300, IP: net.ParseIP(host)},
			},
		}
	})
	overrideNSPort(t, addr)

	r := New(Config{
		CacheConfig:   cache.Config{MaxEntries: 256},
		RootServers:   []string{addr},
		QueryTimeout:  time.Second,
		MaxIterations: 4,
	})
	defer r.Close()

	_, err := r.Resolve(context.Background(), "loop.example.com", packet.TypeA)
	if err != ErrMaxIterations {
		t.Fatalf("got err %v, want ErrMaxIterations", err)
	}
}

func TestResolveFollowsDelegationWithGlue(t *testing.T) {
	// First query draws a referral whose glue record names the fake
	// server itself; the second hop must land on that glue address and
	// get the final answer.
	var addr string
	var queries atomic.Int32
	addr = startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		if queries.Add(1) == 1 {
			host, _, _ := net.SplitHostPort(addr)
			return &packet.Message{
				Header:    packet.Header{Rcode: packet.NOERROR},
				Authority: []packet.Record{{Kind: packet.KindNS, Domain: "example.com", TTL: 300, Host: "ns.example.com"}},
				Additional: []packet.Record{
					{Kind: packet.KindA, Domain: "ns.example.com", TTL: 300, IP: net.ParseIP(host)},
				},
			}
		}
		return &packet.Message{
			Header:  packet.Header{Rcode: packet.NOERROR},
			Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP("203.0.113.10")}},
		}
	})
	overrideNSPort(t, addr)
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "www.example.com", packet.TypeA)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resp.Answers) != 1 || !resp.Answers[0].IP.Equal(net.ParseIP("203.0.113.10")) {
		t.Fatalf("answers = %+v", resp.Answers)
	}
	if got := queries.Load(); got != 2 {
		t.Errorf("fake server answered %d queries, want 2 (referral then answer)", got)
	}
}

func TestResolveDelegationWithoutGlueResolvesNameserver(t *testing.T) {
	// The referral names a nameserver but supplies no glue: the resolver
	// must launch an independent lookup for that nameserver's address
	// before it can take the next hop.
	var addr string
	var wwwQueries atomic.Int32
	var sawNSLookup atomic.Bool
	addr = startFakeUpstream(t, func(qname string, qtype packet.QueryType) *packet.Message {
		switch qname {
		case "ns.example.com":
			sawNSLookup.Store(true)
			host, _, _ := net.SplitHostPort(addr)
			return &packet.Message{
				Header:  packet.Header{Rcode: packet.NOERROR},
				Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP(host)}},
			}
		case "www.example.com":
			if wwwQueries.Add(1) == 1 {
				return &packet.Message{
					Header:    packet.Header{Rcode: packet.NOERROR},
					Authority: []packet.Record{{Kind: packet.KindNS, Domain: "example.com", TTL: 300, Host: "ns.example.com"}},
				}
			}
			return &packet.Message{
				Header:  packet.Header{Rcode: packet.NOERROR},
				Answers: []packet.Record{{Kind: packet.KindA, Domain: qname, TTL: 300, IP: net.ParseIP("203.0.113.77")}},
			}
		}
		return &packet.Message{Header: packet.Header{Rcode: packet.NXDOMAIN}}
	})
	overrideNSPort(t, addr)
	r := newTestResolver(t, addr)

	resp, err := r.Resolve(context.Background(), "www.example.com", packet.TypeA)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !sawNSLookup.Load() {
		t.Error("resolver never looked up the glueless nameserver's address")
	}
	if len(resp.Answers) != 1 || !resp.Answers[0].IP.Equal(net.ParseIP("203.0.113.77")) {
		t.Fatalf("answers = %+v", resp.Answers)
	}
}

// The following unit tests exercise the pure referral-parsing helpers
// directly.

func TestResolvedNameserversUsesGlue(t *testing.T) {
	msg := &packet.Message{
		Authority: []packet.Record{
			{Kind: packet.KindNS, Domain: "example.com", Host: "ns1.example.com"},
		},
		Additional: []packet.Record{
			{Kind: packet.KindA, Domain: "ns1.example.com", IP: net.ParseIP("192.0.2.1")},
		},
	}

	addrs := resolvedNameservers(msg, "deep.example.com")
	if len(addrs) != 1 || addrs[0] != "192.0.2.1:53" {
		t.Fatalf("got %v", addrs)
	}
}

func TestResolvedNameserversIgnoresUnrelatedDomain(t *testing.T) {
	msg := &packet.Message{
		Authority: []packet.Record{
			{Kind: packet.KindNS, Domain: "other.net", Host: "ns1.other.net"},
		},
		Additional: []packet.Record{
			{Kind: packet.KindA, Domain: "ns1.other.net", IP: net.ParseIP("192.0.2.1")},
		},
	}
	if addrs := resolvedNameservers(msg, "example.com"); len(addrs) != 0 {
		t.Fatalf("got %v, want none", addrs)
	}
}

func TestFindUnresolvedNSWithoutGlue(t *testing.T) {
	msg := &packet.Message{
		Authority: []packet.Record{
			{Kind: packet.KindNS, Domain: "example.com", Host: "ns1.example.com"},
		},
	}
	host, ok := findUnresolvedNS(msg, "deep.example.com")
	if !ok || host != "ns1.example.com" {
		t.Fatalf("got (%q, %v)", host, ok)
	}
}

func TestNameserverAddrsFromSubResolution(t *testing.T) {
	msg := &packet.Message{
		Answers: []packet.Record{
			{Kind: packet.KindCNAME, Domain: "ns1.example.com", Host: "ns-real.example.com"},
			{Kind: packet.KindA, Domain: "ns-real.example.com", IP: net.ParseIP("203.0.113.10")},
		},
	}
	addrs := nameserverAddrs(msg)
	if len(addrs) != 1 || addrs[0] != "203.0.113.10:53" {
		t.Fatalf("got %v, want the A record's address only", addrs)
	}
}

func TestIsSubdomainOrEqualRejectsFalsePositiveSuffix(t *testing.T) {
	if isSubdomainOrEqual("evilexample.com", "example.com") {
		t.Error("evilexample.com must not be considered within example.com")
	}
	if !isSubdomainOrEqual("www.example.com", "example.com") {
		t.Error("www.example.com should be considered within example.com")
	}
	if !isSubdomainOrEqual("example.com", "example.com") {
		t.Error("a name should be considered within itself")
	}
}

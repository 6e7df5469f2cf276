package resolver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dnsresolved/dnsresolved/internal/packet"
	"github.com/dnsresolved/dnsresolved/internal/random"
)

// exchangeUDP sends a query over a fresh UDP socket bound to qid's
// cryptographically random source port and returns the raw response bytes
// once its transaction ID is confirmed to match qid. A new socket per
// query, rather than a shared one, keeps the resolver free of any
// cross-query state an off-path attacker could target; checking the
// transaction ID on top of that closes the other half of the guess an
// attacker racing the real nameserver would need.
func exchangeUDP(server string, qid random.QueryID, query []byte, timeout time.Duration) ([]byte, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	laddr := &net.UDPAddr{Port: int(qid.Port)}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		// The randomized port may collide with one in use; retry once
		// with the kernel picking an ephemeral port instead of failing.
		conn, err = net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", server, err)
		}
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	buf := make([]byte, packet.UDPBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp := buf[:n]
	if err := checkResponseID(resp, qid); err != nil {
		return nil, err
	}
	return resp, nil
}

// exchangeTCP sends a length-prefixed query over TCP, used when a UDP
// response came back truncated (the TC-bit retry rule). TCP's own
// handshake already authenticates the peer, but the transaction ID is
// still checked for consistency with the query that triggered the retry.
func exchangeTCP(server string, qid random.QueryID, query []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", server, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", server, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(query)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	respLen := binary.BigEndian.Uint16(lenPrefix[:])

	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkResponseID(resp, qid); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkResponseID reads the 16-bit ID out of a raw response's header
// without a full decode and confirms it matches qid.
func checkResponseID(resp []byte, qid random.QueryID) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short to carry a header")
	}
	respID := binary.BigEndian.Uint16(resp[:2])
	if !qid.Matches(respID) {
		return fmt.Errorf("response id %d does not match query %s", respID, qid)
	}
	return nil
}

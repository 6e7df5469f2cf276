package resolver

import (
	"net"
	"testing"

	"github.com/dnsresolved/dnsresolved/internal/packet"
)

// startFakeUpstream runs a minimal UDP nameserver for the duration of a
// test: handler decides how to answer each incoming question, and the
// loop takes care of the wire encode/decode and reusing the query's ID.
func startFakeUpstream(t *testing.T, handler func(qname string, qtype packet.QueryType) *packet.Message) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, packet.TCPBufferSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := packet.Decode(buf[:n])
			if err != nil || len(req.Questions) == 0 {
				continue
			}
			q := req.Questions[0]

			resp := handler(q.Name, q.Type)
			if resp == nil {
				resp = &packet.Message{Header: packet.Header{Rcode: packet.SERVFAIL}}
			}
			resp.Header.ID = req.Header.ID
			resp.Header.QR = true
			resp.Questions = []packet.Question{q}

			wire, err := resp.Write(true)
			if err != nil {
				continue
			}
			conn.WriteToUDP(wire, addr)
		}
	}()

	return conn.LocalAddr().String()
}

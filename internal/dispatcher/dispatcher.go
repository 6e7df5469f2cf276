// Package dispatcher implements the entry point invoked by each UDP/TCP
// worker: parse an incoming request, drive the iterative resolver, and
// serialize a correctly framed reply.
package dispatcher

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/dnsresolved/dnsresolved/internal/metrics"
	"github.com/dnsresolved/dnsresolved/internal/packet"
	"github.com/dnsresolved/dnsresolved/internal/pool"
	"github.com/dnsresolved/dnsresolved/internal/resolver"
)

// Dispatcher parses a raw wire request, resolves it, and serializes the
// reply. It holds no state of its own beyond the resolver it was built
// with, so a single Dispatcher is shared by every UDP and TCP worker.
type Dispatcher struct {
	resolver *resolver.Resolver
	logger   *log.Logger
}

// New builds a Dispatcher around a shared resolver. A nil logger discards
// log output.
func New(r *resolver.Resolver, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{resolver: r, logger: logger}
}

// Handle parses raw, resolves the sole question it carries, and returns the
// serialized response ready for the transport to send back. isUDP controls
// whether the serialized reply gets its TC bit set when it exceeds the
// classic 512-byte UDP limit.
//
// The response always carries rd=1 regardless of the request's RD bit (this
// resolver always attempts recursion on the caller's behalf). The question
// is only echoed back on the success path; FORMERR and SERVFAIL replies
// carry no question section, matching a resolver that never got far enough
// to know what was safe to echo.
//
// Every code path that can identify a request ID returns a well-formed
// response with that ID: FORMERR when the request has no question, SERVFAIL
// when parsing past the header fails or resolution errors out. Only a
// request whose header itself cannot be parsed produces an error with no
// response bytes — the transport should drop such a datagram/connection
// rather than try to reply to an unknown ID.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte, isUDP bool) ([]byte, error) {
	transportLabel := "tcp"
	if isUDP {
		transportLabel = "udp"
	}

	header, err := packet.ReadHeader(packet.WrapBuffer(raw))
	if err != nil {
		d.logger.Printf("dispatcher: unparsable request header: %v", err)
		metrics.ErrorsTotal.WithLabelValues("unparsable_header").Inc()
		return nil, err
	}

	resp := pool.GetMessage()
	defer pool.PutMessage(resp)
	resp.Header = packet.Header{
		ID:     header.ID,
		QR:     true,
		Opcode: header.Opcode,
		RD:     true,
		RA:     true,
	}

	req, err := packet.Decode(raw)
	if err != nil {
		d.logger.Printf("dispatcher: malformed request %d: %v", header.ID, err)
		metrics.ErrorsTotal.WithLabelValues("malformed").Inc()
		resp.Header.Rcode = packet.SERVFAIL
		return resp.Write(isUDP)
	}

	if len(req.Questions) == 0 {
		metrics.ErrorsTotal.WithLabelValues("formerr").Inc()
		resp.Header.Rcode = packet.FORMERR
		return resp.Write(isUDP)
	}

	question := req.Questions[0]
	metrics.QueriesTotal.WithLabelValues(transportLabel, question.Type.String()).Inc()

	start := time.Now()
	answer, err := d.resolver.Resolve(ctx, question.Name, question.Type)
	metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.Printf("dispatcher: resolve %s %s failed: %v", question.Name, question.Type, err)
		metrics.ErrorsTotal.WithLabelValues("servfail").Inc()
		resp.Header.Rcode = packet.SERVFAIL
		return resp.Write(isUDP)
	}

	resp.Header.Rcode = answer.Header.Rcode
	resp.Questions = []packet.Question{question}
	resp.Answers = answer.Answers

	metrics.AnswersTotal.WithLabelValues(resp.Header.Rcode.String()).Inc()
	if resp.Header.Rcode == packet.NXDOMAIN {
		metrics.NXDomainTotal.Inc()
	}

	return resp.Write(isUDP)
}

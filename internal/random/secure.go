// Package random supplies the two values a resolver must never get from
// math/rand: the transaction ID and source port sent with every upstream
// query. An off-path attacker racing to forge a response before the real
// nameserver replies has to guess both (Kaminsky's attack and its
// descendants); predictable values here collapse a 32-bit guess into
// something brute-forceable in seconds.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// TransactionID returns a cryptographically random 16-bit DNS transaction
// ID. Never use math/rand for this: it is seeded and advances
// deterministically, making every future ID predictable from one sample.
func TransactionID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Proceeding with a predictable ID would be a worse failure mode
		// than crashing: it turns every outstanding query into a target.
		panic(fmt.Sprintf("random: crypto/rand failed: %v", err))
	}
	return binary.BigEndian.Uint16(buf[:])
}

// SourcePort returns a cryptographically random ephemeral UDP source port
// in 32768-61000, clear of privileged ports and the 61001-65535 range some
// systems reserve for other services.
func SourcePort() uint16 {
	const (
		minPort   = 32768
		portRange = 61000 - minPort
	)

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("random: crypto/rand failed: %v", err))
	}
	// Modulo on a 32-bit draw keeps the bias from 28232 not dividing 2^32
	// negligible, unlike reducing a 16-bit draw directly.
	offset := binary.BigEndian.Uint32(buf[:]) % portRange
	return uint16(minPort + offset)
}

// QueryID is the (transaction ID, source port) pair issued for one
// upstream query: together they give an off-path attacker roughly 31 bits
// to guess (16 from the transaction ID, ~14.8 from the port range) before
// a forged response is accepted in its place.
type QueryID struct {
	TxID uint16
	Port uint16
}

// NewQueryID draws a fresh transaction ID and source port for one
// upstream exchange.
func NewQueryID() QueryID {
	return QueryID{TxID: TransactionID(), Port: SourcePort()}
}

func (q QueryID) String() string {
	return fmt.Sprintf("txid=%d port=%d", q.TxID, q.Port)
}

// Matches reports whether a reply's transaction ID is the one this query
// was issued with. Source-port matching is enforced by the kernel (the
// socket this QueryID's Port was bound to only receives packets addressed
// back to it), so the transaction ID is the only field left to check here.
func (q QueryID) Matches(responseTxID uint16) bool {
	return q.TxID == responseTxID
}

package packet

import (
	"fmt"
	"net"
)

// QueryType is a closed sum type over the record types this resolver
// understands, carrying the raw code for anything else.
type QueryType struct {
	code    uint16
	unknown bool
}

var (
	TypeA     = QueryType{code: 1}
	TypeNS    = QueryType{code: 2}
	TypeCNAME = QueryType{code: 5}
	TypeMX    = QueryType{code: 15}
	TypeAAAA  = QueryType{code: 28}
)

// UnknownType wraps an unrecognized numeric query type.
func UnknownType(code uint16) QueryType { return QueryType{code: code, unknown: true} }

// ToNum returns the wire type code, round-tripping with FromNum for every
// value including UNKNOWN.
func (q QueryType) ToNum() uint16 { return q.code }

// FromNum decodes a wire type code into the closed variant set, or UNKNOWN.
func FromNum(n uint16) QueryType {
	switch n {
	case 1:
		return TypeA
	case 2:
		return TypeNS
	case 5:
		return TypeCNAME
	case 15:
		return TypeMX
	case 28:
		return TypeAAAA
	default:
		return UnknownType(n)
	}
}

func (q QueryType) String() string {
	switch q.code {
	case 1:
		return "A"
	case 2:
		return "NS"
	case 5:
		return "CNAME"
	case 15:
		return "MX"
	case 28:
		return "AAAA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", q.code)
	}
}

// classIN is the only class this codec emits or expects; other values are
// read and discarded.
const classIN = 1

// Question is a single entry of the question section: a lowercase dotted
// name and a query type. Class is implicitly IN.
type Question struct {
	Name string
	Type QueryType
}

func readQuestion(b *Buffer) (Question, error) {
	name, err := b.ReadQName()
	if err != nil {
		return Question{}, fmt.Errorf("read qname: %w", err)
	}
	typeNum, err := b.ReadU16()
	if err != nil {
		return Question{}, err
	}
	if _, err := b.ReadU16(); err != nil { // class, discarded
		return Question{}, err
	}
	return Question{Name: name, Type: FromNum(typeNum)}, nil
}

func (q Question) write(b *Buffer) error {
	if err := b.WriteQName(q.Name); err != nil {
		return err
	}
	if err := b.WriteU16(q.Type.ToNum()); err != nil {
		return err
	}
	return b.WriteU16(classIN)
}

// RecordKind discriminates the tagged variants of Record.
type RecordKind int

const (
	KindA RecordKind = iota
	KindAAAA
	KindNS
	KindCNAME
	KindMX
	KindUnknown
)

// Record is a tagged-union resource record (a closed sum
// type with per-variant RDATA, not a polymorphic interface hierarchy).
// Only the fields relevant to Kind are populated.
type Record struct {
	Kind   RecordKind
	Domain string // owner name
	TTL    uint32

	IP       net.IP // A (4 bytes) or AAAA (16 bytes)
	Host     string // NS target / CNAME target / MX exchange
	Priority uint16 // MX only

	// UNKNOWN metadata: retained, not interpreted.
	UnknownType    uint16
	UnknownDataLen uint16
}

func readRecord(b *Buffer) (Record, error) {
	domain, err := b.ReadQName()
	if err != nil {
		return Record{}, fmt.Errorf("read domain: %w", err)
	}

	typeNum, err := b.ReadU16()
	if err != nil {
		return Record{}, err
	}
	if _, err := b.ReadU16(); err != nil { // class, discarded
		return Record{}, err
	}
	ttl, err := b.ReadU32()
	if err != nil {
		return Record{}, err
	}
	rdlength, err := b.ReadU16()
	if err != nil {
		return Record{}, err
	}

	qtype := FromNum(typeNum)
	switch qtype {
	case TypeA:
		raw, err := b.GetRange(b.Pos(), 4)
		if err != nil {
			return Record{}, err
		}
		if err := b.Step(4); err != nil {
			return Record{}, err
		}
		ip := net.IPv4(raw[0], raw[1], raw[2], raw[3])
		return Record{Kind: KindA, Domain: domain, TTL: ttl, IP: ip}, nil

	case TypeAAAA:
		raw, err := b.GetRange(b.Pos(), 16)
		if err != nil {
			return Record{}, err
		}
		if err := b.Step(16); err != nil {
			return Record{}, err
		}
		ip := make(net.IP, 16)
		copy(ip, raw)
		return Record{Kind: KindAAAA, Domain: domain, TTL: ttl, IP: ip}, nil

	case TypeNS:
		host, err := b.ReadQName()
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindNS, Domain: domain, TTL: ttl, Host: host}, nil

	case TypeCNAME:
		host, err := b.ReadQName()
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindCNAME, Domain: domain, TTL: ttl, Host: host}, nil

	case TypeMX:
		priority, err := b.ReadU16()
		if err != nil {
			return Record{}, err
		}
		host, err := b.ReadQName()
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindMX, Domain: domain, TTL: ttl, Priority: priority, Host: host}, nil

	default:
		if err := b.Step(int(rdlength)); err != nil {
			return Record{}, err
		}
		return Record{
			Kind:           KindUnknown,
			Domain:         domain,
			TTL:            ttl,
			UnknownType:    typeNum,
			UnknownDataLen: rdlength,
		}, nil
	}
}

// write encodes a record. Shared prefix: domain, type, class, ttl, then a
// back-patched RDLENGTH followed by type-specific RDATA.
func (r Record) write(b *Buffer) error {
	if r.Kind == KindUnknown {
		// Skip: nothing to re-emit for a record this codec never interpreted.
		return nil
	}

	if err := b.WriteQName(r.Domain); err != nil {
		return err
	}
	if err := b.WriteU16(r.typeNum()); err != nil {
		return err
	}
	if err := b.WriteU16(classIN); err != nil {
		return err
	}
	if err := b.WriteU32(r.TTL); err != nil {
		return err
	}

	rdlenPos := b.Pos()
	if err := b.WriteU16(0); err != nil { // placeholder
		return err
	}
	rdataStart := b.Pos()

	switch r.Kind {
	case KindA:
		ip4 := r.IP.To4()
		if ip4 == nil {
			return fmt.Errorf("packet: A record %q has no IPv4 address", r.Domain)
		}
		for _, o := range ip4 {
			if err := b.WriteU8(o); err != nil {
				return err
			}
		}

	case KindAAAA:
		ip16 := r.IP.To16()
		if ip16 == nil {
			return fmt.Errorf("packet: AAAA record %q has no IPv6 address", r.Domain)
		}
		// Eight u16 segments, network byte order, type 28, 16-byte RDLENGTH.
		for i := 0; i < 16; i += 2 {
			if err := b.WriteU8(ip16[i]); err != nil {
				return err
			}
			if err := b.WriteU8(ip16[i+1]); err != nil {
				return err
			}
		}

	case KindNS, KindCNAME:
		if err := b.WriteQName(r.Host); err != nil {
			return err
		}

	case KindMX:
		if err := b.WriteU16(r.Priority); err != nil {
			return err
		}
		if err := b.WriteQName(r.Host); err != nil {
			return err
		}
	}

	size := b.Pos() - rdataStart
	return b.SetU16(rdlenPos, uint16(size))
}

func (r Record) typeNum() uint16 {
	switch r.Kind {
	case KindA:
		return TypeA.ToNum()
	case KindAAAA:
		return TypeAAAA.ToNum()
	case KindNS:
		return TypeNS.ToNum()
	case KindCNAME:
		return TypeCNAME.ToNum()
	case KindMX:
		return TypeMX.ToNum()
	default:
		return r.UnknownType
	}
}

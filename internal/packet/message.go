package packet

import "fmt"

// Message is a fully decoded/composable DNS packet: header plus the four
// sections.
type Message struct {
	Header     Header
	Questions  []Question
	Answers    []Record
	Authority  []Record
	Additional []Record
}

// NewMessage returns a zero-value message with a random-free header; callers
// set ID, flags, and Opcode before use.
func NewMessage() *Message {
	return &Message{}
}

// FromBuffer decodes a full message from a wire buffer, trusting the
// section counts in the header to bound each section's length.
func FromBuffer(b *Buffer) (*Message, error) {
	header, err := ReadHeader(b)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	m := &Message{Header: header}

	for i := uint16(0); i < header.QDCount; i++ {
		q, err := readQuestion(b)
		if err != nil {
			return nil, fmt.Errorf("read question %d: %w", i, err)
		}
		m.Questions = append(m.Questions, q)
	}

	readSection := func(count uint16) ([]Record, error) {
		recs := make([]Record, 0, count)
		for i := uint16(0); i < count; i++ {
			r, err := readRecord(b)
			if err != nil {
				return nil, err
			}
			recs = append(recs, r)
		}
		return recs, nil
	}

	if m.Answers, err = readSection(header.ANCount); err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	if m.Authority, err = readSection(header.NSCount); err != nil {
		return nil, fmt.Errorf("read authority: %w", err)
	}
	if m.Additional, err = readSection(header.ARCount); err != nil {
		return nil, fmt.Errorf("read additional: %w", err)
	}

	return m, nil
}

// Decode is a convenience wrapper around FromBuffer for a raw byte slice.
func Decode(data []byte) (*Message, error) {
	return FromBuffer(WrapBuffer(data))
}

// Write serializes the message in full — header, then all four sections,
// in order — back-patching section counts from the actual slice lengths
// (the caller's Header counts are ignored on write). It never drops a
// section to fit a size limit: per RFC 1035 §4.1.1, truncation is a
// signal to the client to retry over TCP, not a license to cut content.
// For UDP only, TC is set by back-patching the header's flag-A byte once
// the full encode shows the message exceeds the classic 512-byte limit.
func (m *Message) Write(isUDP bool) ([]byte, error) {
	capacity := TCPBufferSize
	if needed := estimateSize(m); needed > capacity {
		capacity = needed
	}

	buf, flagAPos, err := m.encode(NewBuffer(capacity))
	if err != nil {
		return nil, err
	}

	truncated := isUDP && buf.Pos() > UDPBufferSize
	if err := buf.SetTC(flagAPos, truncated); err != nil {
		return nil, err
	}
	return buf.Written(), nil
}

// encode writes the header (with counts patched from actual section
// lengths) followed by every section, returning the buffer and the
// absolute position of the header's flag-A byte.
func (m *Message) encode(buf *Buffer) (*Buffer, int, error) {
	h := m.Header
	h.QDCount = uint16(len(m.Questions))
	h.ANCount = uint16(len(m.Answers))
	h.NSCount = uint16(len(m.Authority))
	h.ARCount = uint16(len(m.Additional))

	flagAPos, err := h.Write(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("write header: %w", err)
	}

	for _, q := range m.Questions {
		if err := q.write(buf); err != nil {
			return nil, 0, fmt.Errorf("write question: %w", err)
		}
	}
	for _, sec := range [][]Record{m.Answers, m.Authority, m.Additional} {
		for _, r := range sec {
			if err := r.write(buf); err != nil {
				return nil, 0, fmt.Errorf("write record %q: %w", r.Domain, err)
			}
		}
	}

	return buf, flagAPos, nil
}

// estimateSize bounds the buffer needed to encode m. An encoded name is at
// most 256 bytes (RFC 1035 caps names at 255 octets, plus the terminator),
// so a question fits in 260 bytes and a record — owner name, 10 fixed
// bytes, and an RDATA that is itself at most one name — in 522.
func estimateSize(m *Message) int {
	n := 12
	n += 260 * len(m.Questions)
	n += 522 * (len(m.Answers) + len(m.Authority) + len(m.Additional))
	if n < TCPBufferSize {
		n = TCPBufferSize
	}
	return n
}

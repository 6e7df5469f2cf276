// Package pool provides sync.Pool-backed reuse of wire buffers and decode
// scratch space to reduce GC pressure on the request hot path.
package pool

import (
	"sync"

	"github.com/dnsresolved/dnsresolved/internal/packet"
)

// Buffer sizes for different use cases.
const (
	SmallBufferSize  = packet.UDPBufferSize // UDP DNS queries (most common)
	MediumBufferSize = packet.TCPBufferSize // TCP/large responses
	LargeBufferSize  = 65535                // Maximum DNS message size
)

// bufferPool is a byte-slice sync.Pool for a fixed capacity.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

func (bp *bufferPool) get() []byte {
	bufPtr := bp.pool.Get().(*[]byte)
	return (*bufPtr)[:bp.size]
}

func (bp *bufferPool) put(buf []byte) {
	if cap(buf) < bp.size {
		return // don't pool undersized buffers
	}
	buf = buf[:cap(buf)]
	bp.pool.Put(&buf)
}

var (
	smallPool  = newBufferPool(SmallBufferSize)
	mediumPool = newBufferPool(MediumBufferSize)
	largePool  = newBufferPool(LargeBufferSize)
)

// GetSmallBuffer gets a 512-byte buffer, sized for a single UDP datagram.
func GetSmallBuffer() []byte { return smallPool.get() }

// PutSmallBuffer returns a buffer to the pool.
func PutSmallBuffer(buf []byte) { smallPool.put(buf) }

// GetMediumBuffer gets a 2048-byte buffer, sized for a framed TCP message.
func GetMediumBuffer() []byte { return mediumPool.get() }

// PutMediumBuffer returns a buffer to the pool.
func PutMediumBuffer(buf []byte) { mediumPool.put(buf) }

// GetLargeBuffer gets a 65535-byte buffer, the maximum TCP DNS message size.
func GetLargeBuffer() []byte { return largePool.get() }

// PutLargeBuffer returns a buffer to the pool.
func PutLargeBuffer(buf []byte) { largePool.put(buf) }

// GetBuffer selects the smallest size class that fits size.
func GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return GetSmallBuffer()
	case size <= MediumBufferSize:
		return GetMediumBuffer()
	default:
		return GetLargeBuffer()
	}
}

// PutBuffer returns buf to the pool matching its capacity.
func PutBuffer(buf []byte) {
	switch cap(buf) {
	case SmallBufferSize:
		PutSmallBuffer(buf)
	case MediumBufferSize:
		PutMediumBuffer(buf)
	case LargeBufferSize:
		PutLargeBuffer(buf)
	// else: don't pool weird sizes
	}
}

// messagePool recycles *packet.Message values between requests: the
// dispatcher borrows one per incoming query for the reply it assembles
// instead of allocating a fresh message on every call.
var messagePool = sync.Pool{
	New: func() interface{} { return &packet.Message{} },
}

// GetMessage returns a reset *packet.Message from the pool.
func GetMessage() *packet.Message {
	return messagePool.Get().(*packet.Message)
}

// PutMessage clears m's fields and returns it to the pool.
func PutMessage(m *packet.Message) {
	if m == nil {
		return
	}
	*m = packet.Message{
		Questions:  m.Questions[:0],
		Answers:    m.Answers[:0],
		Authority:  m.Authority[:0],
		Additional: m.Additional[:0],
	}
	messagePool.Put(m)
}

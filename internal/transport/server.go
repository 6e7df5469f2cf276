// Package transport bootstraps the UDP and TCP listeners and hands each
// received message to a shared dispatcher.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dnsresolved/dnsresolved/internal/dispatcher"
	"github.com/dnsresolved/dnsresolved/internal/pool"
	"github.com/dnsresolved/dnsresolved/internal/worker"
)

// Config configures the listener bootstrapping.
type Config struct {
	UDPAddr string
	TCPAddr string

	// WorkerPool bounds concurrent TCP connection handling (and, if set,
	// the UDP per-datagram handler goroutines). A nil pool falls back to
	// a goroutine-per-request/connection model.
	WorkerPool *worker.Pool
}

// Server owns the UDP and TCP listeners and forwards every accepted
// message to a Dispatcher.
type Server struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	logger     *log.Logger

	udpConn   *net.UDPConn
	tcpLn     net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer builds a Server bound to the given dispatcher. A nil logger
// discards log output.
func NewServer(cfg Config, d *dispatcher.Dispatcher, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{cfg: cfg, dispatcher: d, logger: logger}
}

// ListenAndServe starts the UDP and TCP listeners and blocks until ctx is
// canceled, then shuts both down and waits for in-flight work to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
	if err != nil {
		return err
	}
	s.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	s.tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		s.udpConn.Close()
		return err
	}

	s.wg.Add(2)
	go s.serveUDP(ctx)
	go s.serveTCP(ctx)

	<-ctx.Done()
	return s.Close()
}

// Close shuts down both listeners and waits for outstanding handlers.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		if s.tcpLn != nil {
			s.tcpLn.Close()
		}
	})
	s.wg.Wait()
	return nil
}

// serveUDP is the long-lived UDP worker thread: it reads one datagram at a
// time and dispatches each on its own goroutine (bounded by the worker pool
// when configured) so a slow resolution never blocks the accept loop.
func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()

	for {
		buf := pool.GetSmallBuffer()
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			pool.PutSmallBuffer(buf)
			select {
			case <-ctx.Done():
				return
			default:
				if isClosed(err) {
					return
				}
				s.logger.Printf("transport: udp read error: %v", err)
				continue
			}
		}

		req := make([]byte, n)
		copy(req, buf[:n])
		pool.PutSmallBuffer(buf)

		handle := func(jobCtx context.Context) error {
			resp, err := s.dispatcher.Handle(jobCtx, req, true)
			if err != nil {
				s.logger.Printf("transport: udp dispatch from %s failed: %v", addr, err)
				return nil
			}
			if _, err := s.udpConn.WriteToUDP(resp, addr); err != nil {
				s.logger.Printf("transport: udp write to %s failed: %v", addr, err)
			}
			return nil
		}

		s.runHandler(ctx, handle)
	}
}

// serveTCP accepts connections and hands each to a short-lived handler
// (run through the bounded worker pool when configured).
func (s *Server) serveTCP(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if isClosed(err) {
					return
				}
				s.logger.Printf("transport: tcp accept error: %v", err)
				continue
			}
		}

		handle := func(jobCtx context.Context) error {
			s.serveTCPConn(jobCtx, conn)
			return nil
		}
		s.runHandler(ctx, handle)
	}
}

// runHandler dispatches fn through the bounded worker pool if one is
// configured, otherwise spawns a bare goroutine.
func (s *Server) runHandler(ctx context.Context, fn func(context.Context) error) {
	if s.cfg.WorkerPool != nil {
		if err := s.cfg.WorkerPool.SubmitAsync(ctx, worker.JobFunc(fn)); err != nil {
			s.logger.Printf("transport: worker pool rejected job: %v", err)
		}
		return
	}
	go fn(ctx)
}

// serveTCPConn reads each length-prefixed message sequentially (no query
// pipelining within a connection) until the peer closes the connection or
// an error occurs.
func (s *Server) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var lenPrefix [2]byte
		if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
			return // EOF or reset: normal connection teardown
		}
		msgLen := binary.BigEndian.Uint16(lenPrefix[:])

		buf := pool.GetBuffer(int(msgLen))
		req := buf[:msgLen]
		if _, err := io.ReadFull(conn, req); err != nil {
			pool.PutBuffer(buf)
			s.logger.Printf("transport: tcp read message: %v", err)
			return
		}

		resp, err := s.dispatcher.Handle(ctx, req, false)
		pool.PutBuffer(buf)
		if err != nil {
			s.logger.Printf("transport: tcp dispatch failed: %v", err)
			return
		}

		var respLenPrefix [2]byte
		binary.BigEndian.PutUint16(respLenPrefix[:], uint16(len(resp)))
		if _, err := conn.Write(respLenPrefix[:]); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

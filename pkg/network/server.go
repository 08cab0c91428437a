package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
)

// Handler consumes inbound datagrams. The buffer is owned by the handler.
type Handler interface {
	HandleDatagram(data []byte, from *net.UDPAddr)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(data []byte, from *net.UDPAddr)

// HandleDatagram calls f(data, from)
func (f HandlerFunc) HandleDatagram(data []byte, from *net.UDPAddr) {
	f(data, from)
}

// Stats are the transport counters
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	SendErrors      uint64
}

// Server is the trunk's UDP endpoint. One socket serves every subscriber:
// datagrams are handed to the handler in arrival order and outbound relay
// traffic leaves through Send on the same socket.
type Server struct {
	config  config.NetworkConfig
	log     *logger.Logger
	handler Handler

	conn   *net.UDPConn
	connMu sync.RWMutex
	// started is closed once the UDP listener is bound and ready
	started chan struct{}

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	sendErrors      atomic.Uint64
}

// ErrNotStarted is returned by Send before the listener is bound
var ErrNotStarted = errors.New("server not started")

// NewServer creates a new UDP server
func NewServer(cfg config.NetworkConfig, handler Handler, log *logger.Logger) *Server {
	return &Server{
		config:  cfg,
		log:     log.WithComponent("network.server"),
		handler: handler,
		started: make(chan struct{}),
	}
}

// WithHandler replaces the datagram handler. Must be called before Start.
func (s *Server) WithHandler(h Handler) *Server {
	s.handler = h
	return s
}

// Start binds the listener and receives until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("network server has no handler")
	}

	ip := net.ParseIP(s.config.IP)
	if s.config.IP != "" && ip == nil {
		return fmt.Errorf("invalid listen ip %q", s.config.IP)
	}

	// Create local UDP address
	localAddr := &net.UDPAddr{
		IP:   ip,
		Port: s.config.Port,
	}

	// Create UDP connection
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// Signal that the server is ready to accept packets
	select {
	case <-s.started: // already closed
	default:
		close(s.started)
	}
	defer func() {
		_ = conn.Close()
	}()

	s.log.Info("Server started", logger.String("addr", conn.LocalAddr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.receiveLoop(ctx, conn)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// WaitStarted blocks until the server UDP listener is bound or the context is canceled.
func (s *Server) WaitStarted(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the local UDP address the server is bound to. It should be called after WaitStarted.
func (s *Server) Addr() (*net.UDPAddr, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	if s.conn == nil {
		return nil, ErrNotStarted
	}
	udpAddr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("not a UDP address")
	}
	return udpAddr, nil
}

// Send writes one datagram to addr. UDP is fire-and-forget: a nil error
// only means the kernel accepted the datagram.
func (s *Server) Send(addr *net.UDPAddr, data []byte) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return ErrNotStarted
	}
	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		s.sendErrors.Add(1)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(n))
	return nil
}

// Stats returns the transport counters
func (s *Server) Stats() Stats {
	return Stats{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsSent:     s.packetsSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		SendErrors:      s.sendErrors.Load(),
	}
}

// receiveLoop continuously receives datagrams and hands them to the handler.
// The handler runs inline so datagrams from one subscriber keep their order.
func (s *Server) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buffer := make([]byte, protocol.MaxPacketSize+1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Set read deadline to allow context checking
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			s.log.Warn("Failed to set read deadline", logger.Error(err))
			continue
		}
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("Failed to read from UDP", logger.Error(err))
			continue
		}
		if n == 0 {
			// Empty UDP packets can happen (spurious wake-ups, etc.) - ignore silently
			continue
		}

		s.packetsReceived.Add(1)
		s.bytesReceived.Add(uint64(n))

		data := make([]byte, n)
		copy(data, buffer[:n])

		if s.log.Enabled(logger.DebugLevel) {
			s.log.Debug("Received datagram",
				logger.String("addr", addr.String()),
				logger.Int("size", n))
		}
		s.handler.HandleDatagram(data, addr)
	}
}

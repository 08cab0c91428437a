package testhelpers

import (
	"net"
	"sync"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/protocol"
)

// MockSubscriber simulates a PTT terminal talking to the trunk over UDP
type MockSubscriber struct {
	ID         uint32
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	mu         sync.RWMutex
	seq        uint16
	packets    []*protocol.Packet
	closed     bool
}

// NewMockSubscriber creates a new mock subscriber
func NewMockSubscriber(id uint32) *MockSubscriber {
	return &MockSubscriber{
		ID:      id,
		packets: make([]*protocol.Packet, 0),
	}
}

// Connect opens a UDP socket towards the trunk
func (m *MockSubscriber) Connect(serverAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return err
	}
	m.serverAddr = addr

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	m.conn = conn

	return nil
}

// LocalAddr returns the subscriber's source address as seen by the trunk
func (m *MockSubscriber) LocalAddr() *net.UDPAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// Register sends a Registration
func (m *MockSubscriber) Register() error {
	return m.send(func(seq uint16) *protocol.Packet {
		return protocol.NewRegistration(m.ID, seq)
	})
}

// Deregister sends a Deregistration
func (m *MockSubscriber) Deregister() error {
	return m.send(func(seq uint16) *protocol.Packet {
		return protocol.NewDeregistration(m.ID, seq)
	})
}

// SendCallInit requests the floor on group
func (m *MockSubscriber) SendCallInit(group uint32) error {
	return m.send(func(seq uint16) *protocol.Packet {
		return protocol.NewCallInit(group, m.ID, seq)
	})
}

// SendCallData sends one audio frame to group
func (m *MockSubscriber) SendCallData(group uint32, audioSeq uint16, payload []byte) error {
	return m.send(func(seq uint16) *protocol.Packet {
		return protocol.NewCallData(group, m.ID, seq, audioSeq, payload)
	})
}

// SendCallTerm releases the floor on group
func (m *MockSubscriber) SendCallTerm(group uint32, audioSeq uint16) error {
	return m.send(func(seq uint16) *protocol.Packet {
		return protocol.NewCallTerm(group, m.ID, seq, audioSeq, 0)
	})
}

func (m *MockSubscriber) send(build func(seq uint16) *protocol.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}

	m.seq++
	_, err := m.conn.Write(build(m.seq).Encode())
	return err
}

// Receive waits up to timeout for the next datagram from the trunk
func (m *MockSubscriber) Receive(timeout time.Duration) (*protocol.Packet, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return nil, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	pkt, err := protocol.Parse(buf[:n])
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.packets = append(m.packets, pkt)
	m.mu.Unlock()

	return pkt, nil
}

// ReceiveType reads until a packet of type t arrives or timeout elapses
func (m *MockSubscriber) ReceiveType(t protocol.MessageType, timeout time.Duration) (*protocol.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errTimeout
		}
		pkt, err := m.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if pkt != nil && pkt.Type == t {
			return pkt, nil
		}
	}
}

// GetReceivedPackets returns all received packets
func (m *MockSubscriber) GetReceivedPackets() []*protocol.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	packets := make([]*protocol.Packet, len(m.packets))
	copy(packets, m.packets)
	return packets
}

// Close closes the subscriber's socket
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "timed out waiting for packet" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errTimeout error = timeoutError{}

package testhelpers

import (
	"net"
	"sync"

	"github.com/dbehnke/ptt-trunk/pkg/protocol"
)

// SentDatagram is one datagram handed to a MockSender
type SentDatagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// MockSender records outbound datagrams instead of writing to a socket
type MockSender struct {
	mu       sync.RWMutex
	sent     []SentDatagram
	failures map[string]error
}

// NewMockSender creates a new mock sender
func NewMockSender() *MockSender {
	return &MockSender{
		sent:     make([]SentDatagram, 0),
		failures: make(map[string]error),
	}
}

// Send records a copy of data. Sends to an address registered with FailFor
// return that error and are not recorded.
func (m *MockSender) Send(addr *net.UDPAddr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failures[addr.String()]; ok {
		return err
	}

	d := SentDatagram{Addr: addr, Data: make([]byte, len(data))}
	copy(d.Data, data)
	m.sent = append(m.sent, d)
	return nil
}

// FailFor makes every send to addr fail with err
func (m *MockSender) FailFor(addr *net.UDPAddr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[addr.String()] = err
}

// Sent returns all recorded datagrams
func (m *MockSender) Sent() []SentDatagram {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := make([]SentDatagram, len(m.sent))
	copy(sent, m.sent)
	return sent
}

// Count returns the number of recorded datagrams
func (m *MockSender) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sent)
}

// Packets decodes every recorded datagram. Datagrams that fail to parse
// are skipped.
func (m *MockSender) Packets() []*protocol.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkts := make([]*protocol.Packet, 0, len(m.sent))
	for _, d := range m.sent {
		if pkt, err := protocol.Parse(d.Data); err == nil {
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

// PacketsTo decodes the datagrams sent to addr
func (m *MockSender) PacketsTo(addr *net.UDPAddr) []*protocol.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkts := make([]*protocol.Packet, 0)
	for _, d := range m.sent {
		if d.Addr.String() != addr.String() {
			continue
		}
		if pkt, err := protocol.Parse(d.Data); err == nil {
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

// Reset forgets all recorded datagrams
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = m.sent[:0]
}

// Addr builds a loopback address for subscriber fixtures
func Addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

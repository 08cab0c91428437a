package metrics

import (
	"sort"
	"sync"
)

// Collector collects PTT-Trunk metrics
type Collector struct {
	mu sync.RWMutex

	// Subscriber metrics
	registrations       uint64
	registrationsDenied uint64
	onlineSubscribers   map[uint32]bool

	// Packet metrics
	packetsReceived    map[string]uint64 // by message type
	packetsForwarded   uint64
	packetsSynthesized uint64
	packetsDropped     map[string]uint64 // by reason
	bytesReceived      uint64
	bytesSent          uint64

	// Call metrics
	callsStarted uint64
	activeCalls  map[uint32]bool // key: talk-group
	processors   int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		onlineSubscribers: make(map[uint32]bool),
		packetsReceived:   make(map[string]uint64),
		packetsDropped:    make(map[string]uint64),
		activeCalls:       make(map[uint32]bool),
	}
}

// SubscriberRegistered records an accepted registration
func (c *Collector) SubscriberRegistered(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registrations++
	c.onlineSubscribers[id] = true
}

// RegistrationDenied records a registration from an unknown subscriber
func (c *Collector) RegistrationDenied() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registrationsDenied++
}

// SubscriberOffline records a sign-off
func (c *Collector) SubscriberOffline(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.onlineSubscribers, id)
}

// PacketReceived records a received packet
func (c *Collector) PacketReceived(packetType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsReceived[packetType]++
}

// PacketsForwarded records datagrams handed to the transport by a relay
// decision. Synthesized forwards are also counted separately.
func (c *Collector) PacketsForwarded(count int, synthesized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsForwarded += uint64(count)
	if synthesized {
		c.packetsSynthesized++
	}
}

// PacketDropped records a packet that was rejected
func (c *Collector) PacketDropped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsDropped[reason]++
}

// SetTransferred sets the transport byte counters
func (c *Collector) SetTransferred(received, sent uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytesReceived = received
	c.bytesSent = sent
}

// CallStarted records a talk-group call leaving idle
func (c *Collector) CallStarted(group uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callsStarted++
	c.activeCalls[group] = true
}

// CallEnded records a talk-group call returning to idle
func (c *Collector) CallEnded(group uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.activeCalls, group)
}

// ProcessorOpened records a new call processor
func (c *Collector) ProcessorOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors++
}

// ProcessorClosed records a reaped call processor
func (c *Collector) ProcessorClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processors > 0 {
		c.processors--
	}
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onlineSubscribers = make(map[uint32]bool)
	c.activeCalls = make(map[uint32]bool)
	c.processors = 0
	// Note: We don't reset total counters like registrations, callsStarted, etc.
	// as those are cumulative
}

// Getters for metrics

// GetRegistrations returns total accepted registrations
func (c *Collector) GetRegistrations() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registrations
}

// GetRegistrationsDenied returns total denied registrations
func (c *Collector) GetRegistrationsDenied() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registrationsDenied
}

// GetOnlineSubscribers returns the number of online subscribers
func (c *Collector) GetOnlineSubscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.onlineSubscribers)
}

// GetPacketsReceived returns total packets received
func (c *Collector) GetPacketsReceived() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total uint64
	for _, n := range c.packetsReceived {
		total += n
	}
	return total
}

// GetPacketsReceivedByType returns received packets per message type
func (c *Collector) GetPacketsReceivedByType() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCounts(c.packetsReceived)
}

// GetPacketsForwarded returns total datagrams relayed
func (c *Collector) GetPacketsForwarded() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.packetsForwarded
}

// GetPacketsSynthesized returns total synthesized control packets
func (c *Collector) GetPacketsSynthesized() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.packetsSynthesized
}

// GetPacketsDropped returns total dropped packets
func (c *Collector) GetPacketsDropped() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total uint64
	for _, n := range c.packetsDropped {
		total += n
	}
	return total
}

// GetPacketsDroppedByReason returns dropped packets per reason
func (c *Collector) GetPacketsDroppedByReason() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCounts(c.packetsDropped)
}

// GetBytesReceived returns total bytes received
func (c *Collector) GetBytesReceived() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesReceived
}

// GetBytesSent returns total bytes sent
func (c *Collector) GetBytesSent() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesSent
}

// GetCallsStarted returns total calls started
func (c *Collector) GetCallsStarted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callsStarted
}

// GetActiveCalls returns the number of talk-groups with a call in progress
func (c *Collector) GetActiveCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeCalls)
}

// GetProcessors returns the number of live call processors
func (c *Collector) GetProcessors() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processors
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package trunk

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// initialAckSequence is the first sequence number the trunk stamps on acks
const initialAckSequence = 12345

// Config holds the dispatcher settings
type Config struct {
	Timing          call.Timing
	IdleTimeout     time.Duration // Idle processors unused this long are reaped
	CleanupInterval time.Duration
}

// PresenceEvent reports a subscriber going online or offline
type PresenceEvent struct {
	SubscriberID uint32
	Addr         *net.UDPAddr
	Online       bool
	At           time.Time
}

// Hooks are optional observers of dispatcher activity
type Hooks struct {
	// Call is installed on every call processor
	Call call.Hooks

	OnReceive  func(t protocol.MessageType)
	OnReject   func(reason string)
	OnPresence func(PresenceEvent)
	OnCallOpen func(group uint32)
	OnCallGone func(group uint32)
}

// Manager is the dispatcher in front of the call processors. It answers
// registrations, keeps presence in the subscriber database, and routes
// call packets to one processor per talk-group.
type Manager struct {
	db       *subscriber.Database
	sender   call.Sender
	repeater *call.Repeater
	cfg      Config
	log      *logger.Logger
	hooks    Hooks

	sched       call.Scheduler
	clock       func() time.Time
	synchronous bool

	calls  map[uint32]*call.Processor
	ackSeq uint16
	closed bool
	mu     sync.Mutex
}

// NewManager creates a dispatcher that relays through sender
func NewManager(db *subscriber.Database, sender call.Sender, cfg Config, log *logger.Logger) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Second
	}
	return &Manager{
		db:       db,
		sender:   sender,
		repeater: call.NewRepeater(sender, log),
		cfg:      cfg,
		log:      log.WithComponent("trunk"),
		sched:    call.SystemScheduler{},
		clock:    time.Now,
		calls:    make(map[uint32]*call.Processor),
		ackSeq:   initialAckSequence,
	}
}

// WithHooks installs observers
func (m *Manager) WithHooks(h Hooks) *Manager {
	m.hooks = h
	return m
}

// WithScheduler replaces the timer source and clock used by new processors
func (m *Manager) WithScheduler(s call.Scheduler, clock func() time.Time) *Manager {
	m.sched = s
	m.clock = clock
	return m
}

// Synchronous makes processors handle packets on the caller's goroutine
// instead of a per-call executor. The caller must then serialize
// HandleDatagram and timer delivery.
func (m *Manager) Synchronous() *Manager {
	m.synchronous = true
	return m
}

// HandleDatagram classifies one inbound datagram and acts on it
func (m *Manager) HandleDatagram(data []byte, from *net.UDPAddr) {
	pkt, err := protocol.Parse(data)
	if err != nil {
		m.log.Debug("Dropping malformed datagram",
			logger.Stringer("addr", from),
			logger.Int("size", len(data)),
			logger.Error(err))
		m.reject("malformed")
		return
	}

	if m.hooks.OnReceive != nil {
		m.hooks.OnReceive(pkt.Type)
	}

	switch pkt.Type {
	case protocol.TypeRegistration:
		m.handleRegistration(pkt, from)
	case protocol.TypeDeregistration:
		m.handleDeregistration(pkt, from)
	case protocol.TypeCallInit, protocol.TypeCallData, protocol.TypeCallTerm:
		m.handleCall(pkt, from)
	default:
		m.log.Debug("Ignoring packet",
			logger.String("type", pkt.Type.String()),
			logger.Stringer("addr", from))
		m.reject("unexpected type")
	}
}

func (m *Manager) handleRegistration(pkt *protocol.Packet, from *net.UDPAddr) {
	accepted := m.db.HasSubscriber(pkt.SourceID)
	if accepted {
		m.db.SetOnline(pkt.SourceID, from)
		m.log.Info("Subscriber registered",
			logger.Uint32("subscriber", pkt.SourceID),
			logger.Stringer("addr", from))
		m.presence(pkt.SourceID, from, true)
	} else {
		m.log.Warn("Registration from unknown subscriber",
			logger.Uint32("subscriber", pkt.SourceID),
			logger.Stringer("addr", from))
		m.reject("unknown subscriber")
	}
	m.ack(pkt, from, accepted)
}

func (m *Manager) handleDeregistration(pkt *protocol.Packet, from *net.UDPAddr) {
	accepted := m.db.HasSubscriber(pkt.SourceID)
	if accepted {
		m.db.SetOffline(pkt.SourceID)
		m.log.Info("Subscriber signed off", logger.Uint32("subscriber", pkt.SourceID))
		m.presence(pkt.SourceID, from, false)
	} else {
		m.reject("unknown subscriber")
	}
	m.ack(pkt, from, accepted)
}

func (m *Manager) handleCall(pkt *protocol.Packet, from *net.UDPAddr) {
	if !m.db.IsGroupMember(pkt.SourceID, pkt.TargetID) {
		m.log.Debug("Dropping call packet from non-member",
			logger.Uint32("source", pkt.SourceID),
			logger.Uint32("group", pkt.TargetID),
			logger.String("type", pkt.Type.String()))
		m.reject("not a member")
		return
	}

	proc, err := m.processorFor(pkt.TargetID, pkt.SourceID)
	if err != nil {
		m.log.Warn("Cannot service call",
			logger.Uint32("group", pkt.TargetID),
			logger.Error(err))
		m.reject("no processor")
		return
	}
	m.submit(proc, pkt, from)
}

// submit hands pkt to proc. A processor reaped between lookup and submit
// refuses the packet, so the group's current processor gets one retry.
func (m *Manager) submit(proc *call.Processor, pkt *protocol.Packet, from *net.UDPAddr) {
	if proc.Submit(pkt, from) {
		return
	}
	proc, err := m.processorFor(pkt.TargetID, pkt.SourceID)
	if err == nil && proc.Submit(pkt, from) {
		return
	}
	m.log.Debug("Dropping call packet for closed processor",
		logger.Uint32("group", pkt.TargetID),
		logger.String("type", pkt.Type.String()))
	m.reject("processor closed")
}

// processorFor returns the group's processor, creating it on first use
func (m *Manager) processorFor(group, initiator uint32) (*call.Processor, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager closed")
	}
	if proc, ok := m.calls[group]; ok {
		m.mu.Unlock()
		return proc, nil
	}

	proc, err := m.CreateCallProcessor(group, initiator)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.calls[group] = proc
	m.mu.Unlock()

	if m.hooks.OnCallOpen != nil {
		m.hooks.OnCallOpen(group)
	}
	return proc, nil
}

// CreateCallProcessor builds a processor for group with the roster of its
// currently online members. The roster is not refreshed afterwards.
// Returns an error wrapping subscriber.ErrNotFound for an unknown group.
func (m *Manager) CreateCallProcessor(group, initiator uint32) (*call.Processor, error) {
	roster, err := m.db.OnlineMembers(group)
	if err != nil {
		return nil, fmt.Errorf("create call processor: %w", err)
	}

	var exec *call.Executor
	if !m.synchronous {
		exec = call.NewExecutor()
	}

	proc, err := call.NewProcessor(call.Config{
		Group:     group,
		Roster:    roster,
		Repeater:  m.repeater,
		Timing:    m.cfg.Timing,
		Scheduler: m.sched,
		Executor:  exec,
		Clock:     m.clock,
		Hooks:     m.hooks.Call,
		Logger:    m.log,
	})
	if err != nil {
		if exec != nil {
			exec.Close()
		}
		return nil, fmt.Errorf("create call processor: %w", err)
	}

	m.log.Debug("Call processor created",
		logger.Uint32("group", group),
		logger.Uint32("initiator", initiator),
		logger.Int("roster", len(roster)))
	return proc, nil
}

// Calls returns a status snapshot of every processor, ordered by group
func (m *Manager) Calls() []call.Status {
	m.mu.Lock()
	procs := make([]*call.Processor, 0, len(m.calls))
	for _, p := range m.calls {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]call.Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// ActiveCalls returns the number of processors holding a call
func (m *Manager) ActiveCalls() int {
	n := 0
	for _, st := range m.Calls() {
		if st.State.Active() {
			n++
		}
	}
	return n
}

// Processor returns the group's processor if one exists
func (m *Manager) Processor(group uint32) (*call.Processor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.calls[group]
	return p, ok
}

// Run reaps idle processors until ctx is canceled
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := m.ReapIdle(); removed > 0 {
				m.log.Debug("Reaped idle call processors", logger.Int("count", removed))
			}
		}
	}
}

// ReapIdle closes processors that are idle and have seen no activity for
// IdleTimeout. The next call on the group gets a fresh roster.
// Returns the number of processors removed.
func (m *Manager) ReapIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := m.clock()

	m.mu.Lock()
	var reaped []*call.Processor
	for group, p := range m.calls {
		if p.State() == call.StateIdle && now.Sub(p.LastActivity()) >= m.cfg.IdleTimeout {
			delete(m.calls, group)
			reaped = append(reaped, p)
		}
	}
	m.mu.Unlock()

	for _, p := range reaped {
		p.Close()
		if m.hooks.OnCallGone != nil {
			m.hooks.OnCallGone(p.Group())
		}
	}
	return len(reaped)
}

// Close shuts down every processor. Packets arriving afterwards are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	procs := make([]*call.Processor, 0, len(m.calls))
	for group, p := range m.calls {
		procs = append(procs, p)
		delete(m.calls, group)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.Close()
	}
}

func (m *Manager) ack(req *protocol.Packet, to *net.UDPAddr, accepted bool) {
	m.mu.Lock()
	m.ackSeq++
	seq := m.ackSeq
	m.mu.Unlock()

	if err := m.sender.Send(to, protocol.NewAck(req, seq, accepted).Encode()); err != nil {
		m.log.Warn("Failed to send ack",
			logger.Uint32("subscriber", req.SourceID),
			logger.Stringer("addr", to),
			logger.Error(err))
	}
}

func (m *Manager) presence(id uint32, addr *net.UDPAddr, online bool) {
	if m.hooks.OnPresence != nil {
		m.hooks.OnPresence(PresenceEvent{SubscriberID: id, Addr: addr, Online: online, At: m.clock()})
	}
}

func (m *Manager) reject(reason string) {
	if m.hooks.OnReject != nil {
		m.hooks.OnReject(reason)
	}
}

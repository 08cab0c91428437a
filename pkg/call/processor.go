package call

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// Timing holds the call timing parameters
type Timing struct {
	PacketInterval time.Duration // Ti: cadence of synthesized packets
	FlywheelPeriod time.Duration // Tf: silence before a call falls to hang
	HangRepeats    int           // N: synthesized CallTerms sent during hang
}

// DefaultTiming returns the reference timing: 20ms / 1500ms / 3 repeats
func DefaultTiming() Timing {
	return Timing{
		PacketInterval: 20 * time.Millisecond,
		FlywheelPeriod: 1500 * time.Millisecond,
		HangRepeats:    3,
	}
}

// Validate checks that the timing can drive a call
func (t Timing) Validate() error {
	if t.PacketInterval <= 0 {
		return fmt.Errorf("packet interval must be positive, got %s", t.PacketInterval)
	}
	if t.FlywheelPeriod <= t.PacketInterval {
		return fmt.Errorf("flywheel period %s must exceed packet interval %s", t.FlywheelPeriod, t.PacketInterval)
	}
	if t.HangRepeats < 1 {
		return fmt.Errorf("hang repeats must be at least 1, got %d", t.HangRepeats)
	}
	return nil
}

// StateChange describes one processor transition
type StateChange struct {
	Group uint32
	From  State
	To    State
	Call  CallInfo
	At    time.Time
}

// Hooks are optional observers. They run on the processor's executor and
// must not block.
type Hooks struct {
	OnStateChange func(StateChange)
	OnForward     func(group uint32, t protocol.MessageType, sent int, synthesized bool)
	OnDrop        func(group uint32, t protocol.MessageType, reason string)
}

// Config configures a Processor
type Config struct {
	Group    uint32
	Roster   []subscriber.OnlineRecord
	Repeater *Repeater
	Timing   Timing

	// Scheduler defaults to SystemScheduler
	Scheduler Scheduler
	// Executor serializes packet and timer events. When nil, events run on
	// the goroutine that delivers them and the caller must serialize.
	Executor *Executor
	// Clock defaults to time.Now
	Clock func() time.Time

	Hooks  Hooks
	Logger *logger.Logger
}

// Status is a point-in-time view of a processor, safe to read from any goroutine
type Status struct {
	Group uint32
	State State
	Call  CallInfo
}

// Processor is the per-group call state machine. It tracks one active
// transmitter, relays its packets to the roster captured at creation, and
// synthesizes CallInit/CallTerm packets when the transmitter goes quiet.
type Processor struct {
	group  uint32
	roster []subscriber.OnlineRecord
	rptr   *Repeater
	timing Timing
	sched  Scheduler
	exec   *Executor
	now    func() time.Time
	hooks  Hooks
	log    *logger.Logger

	// Owned by the executor
	state      State
	info       CallInfo
	initSeq    uint16
	audioSeq   uint16
	countdown  int
	gen        uint64
	flywheel   armedTimer
	retransmit armedTimer

	status       Status
	statusMu     sync.RWMutex
	lastActivity atomic.Int64
	closed       atomic.Bool
}

// NewProcessor creates a processor in the idle state
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Repeater == nil {
		return nil, errors.New("call processor requires a repeater")
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid call timing: %w", err)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(logger.Config{Level: "info"})
	}

	roster := make([]subscriber.OnlineRecord, len(cfg.Roster))
	copy(roster, cfg.Roster)

	p := &Processor{
		group:  cfg.Group,
		roster: roster,
		rptr:   cfg.Repeater,
		timing: cfg.Timing,
		sched:  cfg.Scheduler,
		exec:   cfg.Executor,
		now:    cfg.Clock,
		hooks:  cfg.Hooks,
		log:    cfg.Logger.WithComponent(fmt.Sprintf("call[%d]", cfg.Group)),
		state:  StateIdle,
		status: Status{Group: cfg.Group, State: StateIdle},
	}
	p.touch()
	return p, nil
}

// Group returns the talk-group this processor serves
func (p *Processor) Group() uint32 {
	return p.group
}

// RosterSize returns the number of online members captured at creation
func (p *Processor) RosterSize() int {
	return len(p.roster)
}

// State returns the current state
func (p *Processor) State() State {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status.State
}

// Status returns the current state and call context
func (p *Processor) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// LastActivity returns the time of the last accepted event
func (p *Processor) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// Submit hands an inbound packet to the processor's executor. It returns
// false when the processor is closed and the packet was not accepted.
func (p *Processor) Submit(pkt *protocol.Packet, from *net.UDPAddr) bool {
	if p.closed.Load() {
		return false
	}
	if p.exec == nil {
		p.OnPacket(pkt, from)
		return true
	}
	return p.exec.Post(func() { p.OnPacket(pkt, from) })
}

// Close cancels all timers and stops the executor. Events still queued
// are discarded. Close must not be called from a hook.
func (p *Processor) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.exec == nil {
		p.stopTimers()
		return
	}
	p.exec.Post(p.stopTimers)
	p.exec.Close()
}

// OnPacket processes one inbound packet. It must run on the processor's
// executor (or a single caller goroutine when no executor is configured).
func (p *Processor) OnPacket(pkt *protocol.Packet, from *net.UDPAddr) {
	if p.closed.Load() {
		return
	}
	orig := p.state

	switch p.state {
	case StateIdle:
		p.idlePacket(pkt, from)
	case StateInit:
		p.initPacket(pkt, from)
	case StateTxing:
		p.txingPacket(pkt, from)
	case StateHang:
		p.hangPacket(pkt, from)
	}

	p.transition(orig)
}

// OnTimerFired processes one timer expiry. Expiries whose handle is no
// longer armed are stale and ignored.
func (p *Processor) OnTimerFired(h TimerHandle) {
	if p.closed.Load() {
		return
	}
	orig := p.state

	switch {
	case p.flywheel.matches(h):
		p.flywheel = armedTimer{}
		p.flywheelExpired()
	case p.retransmit.matches(h):
		due := p.retransmit.deadline
		p.retransmit = armedTimer{}
		p.retransmitExpired(due)
	default:
		p.log.Debug("Ignoring stale timer",
			logger.Stringer("timer", h),
			logger.String("state", p.state.String()))
		return
	}

	p.transition(orig)
}

// transition runs exit/entry exactly once when the handler changed state
func (p *Processor) transition(orig State) {
	if p.state == orig {
		p.publish()
		return
	}
	to := p.state
	change := StateChange{Group: p.group, From: orig, To: to, Call: p.info, At: p.now()}
	p.exit(orig)
	p.entry(to)

	p.publish()
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(change)
	}
}

func (p *Processor) entry(s State) {
	switch s {
	case StateIdle:
		p.log.Info("Call ended",
			logger.Uint32("source", p.info.SourceID),
			logger.Stringer("session", p.info.SessionID),
			logger.Duration("duration", p.now().Sub(p.info.StartedAt)))
		p.info = CallInfo{}
		p.countdown = 0
	case StateInit:
		p.log.Debug("Entry init", logger.Uint32("source", p.info.SourceID))
		p.arm(&p.flywheel, timerFlywheel, p.timing.FlywheelPeriod)
		p.arm(&p.retransmit, timerRetransmit, p.timing.PacketInterval)
	case StateTxing:
		p.log.Debug("Entry txing", logger.Uint32("source", p.info.SourceID))
		p.arm(&p.flywheel, timerFlywheel, p.timing.FlywheelPeriod)
	case StateHang:
		p.log.Debug("Entry hang", logger.Uint32("source", p.info.SourceID))
		p.countdown = p.timing.HangRepeats
		p.sendCallTerm()
		p.arm(&p.retransmit, timerRetransmit, p.timing.PacketInterval)
	}
}

func (p *Processor) exit(s State) {
	switch s {
	case StateInit:
		p.retransmit.cancel()
		p.flywheel.cancel()
	case StateTxing:
		p.flywheel.cancel()
	case StateHang:
		p.retransmit.cancel()
	}
}

func (p *Processor) idlePacket(pkt *protocol.Packet, from *net.UDPAddr) {
	if pkt.Type != protocol.TypeCallInit {
		p.drop(pkt, from, "unexpected in idle")
		return
	}
	if pkt.TargetID != p.group {
		p.drop(pkt, from, "foreign group")
		return
	}

	p.recordCall(pkt, from)
	p.log.Info("Call started",
		logger.Uint32("source", pkt.SourceID),
		logger.Stringer("addr", from),
		logger.Stringer("session", p.info.SessionID))
	p.forward(pkt, false)
	p.state = StateInit
}

func (p *Processor) initPacket(pkt *protocol.Packet, from *net.UDPAddr) {
	if !p.accept(pkt, from) {
		return
	}

	switch pkt.Type {
	case protocol.TypeCallInit:
		p.initSeq = pkt.Sequence
		p.info.Sequence = pkt.Sequence
		p.forward(pkt, false)
		p.arm(&p.retransmit, timerRetransmit, p.timing.PacketInterval)
		p.arm(&p.flywheel, timerFlywheel, p.timing.FlywheelPeriod)
	case protocol.TypeCallData:
		p.info.Sequence = pkt.Sequence
		p.audioSeq = pkt.AudioSeq
		p.forward(pkt, false)
		p.state = StateTxing
	case protocol.TypeCallTerm:
		p.info.Sequence = pkt.Sequence
		p.audioSeq = pkt.AudioSeq
		p.forward(pkt, false)
		p.state = StateHang
	}
}

func (p *Processor) txingPacket(pkt *protocol.Packet, from *net.UDPAddr) {
	if !p.accept(pkt, from) {
		return
	}

	switch pkt.Type {
	case protocol.TypeCallInit:
		p.info.Sequence = pkt.Sequence
		p.forward(pkt, false)
		p.arm(&p.flywheel, timerFlywheel, p.timing.FlywheelPeriod)
	case protocol.TypeCallData:
		p.info.Sequence = pkt.Sequence
		p.audioSeq = pkt.AudioSeq
		p.forward(pkt, false)
		p.arm(&p.flywheel, timerFlywheel, p.timing.FlywheelPeriod)
	case protocol.TypeCallTerm:
		p.info.Sequence = pkt.Sequence
		p.audioSeq = pkt.AudioSeq
		p.forward(pkt, false)
		p.state = StateHang
	}
}

// hangPacket lets any member of the group claim the floor with a CallInit,
// regardless of address; audio is only relayed from the pinned transmitter.
func (p *Processor) hangPacket(pkt *protocol.Packet, from *net.UDPAddr) {
	switch pkt.Type {
	case protocol.TypeCallInit:
		if pkt.TargetID != p.info.TargetID {
			p.drop(pkt, from, "foreign group")
			return
		}
		p.recordCall(pkt, from)
		p.log.Info("Floor claimed during hang",
			logger.Uint32("source", pkt.SourceID),
			logger.Stringer("addr", from),
			logger.Stringer("session", p.info.SessionID))
		p.forward(pkt, false)
		p.state = StateInit
	case protocol.TypeCallData:
		if !p.accept(pkt, from) {
			return
		}
		p.forward(pkt, false)
	case protocol.TypeCallTerm:
		p.drop(pkt, from, "teardown in progress")
	default:
		p.drop(pkt, from, "unexpected in hang")
	}
}

// accept validates a packet against the active call: call type, pinned
// transmitter address, and source/target ids.
func (p *Processor) accept(pkt *protocol.Packet, from *net.UDPAddr) bool {
	if !pkt.Type.IsCall() {
		p.drop(pkt, from, "unexpected type")
		return false
	}
	if !sameAddr(from, p.info.SenderAddr) {
		p.drop(pkt, from, "unexpected sender")
		return false
	}
	if pkt.SourceID != p.info.SourceID || pkt.TargetID != p.info.TargetID {
		p.drop(pkt, from, "id mismatch")
		return false
	}
	return true
}

func (p *Processor) flywheelExpired() {
	switch p.state {
	case StateInit, StateTxing:
		p.log.Info("Flywheel timed out",
			logger.String("state", p.state.String()),
			logger.Uint32("source", p.info.SourceID))
		p.state = StateHang
	}
}

// retransmitExpired handles the retransmit timer that was due at due
func (p *Processor) retransmitExpired(due time.Time) {
	switch p.state {
	case StateInit:
		p.sendCallInit()
		p.arm(&p.retransmit, timerRetransmit, p.retransmitDelay(due))
	case StateHang:
		if p.countdown > 0 {
			p.sendCallTerm()
		}
		if p.countdown <= 0 {
			p.state = StateIdle
			return
		}
		p.arm(&p.retransmit, timerRetransmit, p.retransmitDelay(due))
	}
}

func (p *Processor) recordCall(pkt *protocol.Packet, from *net.UDPAddr) {
	now := p.now()
	p.info = CallInfo{
		SessionID:  uuid.New(),
		SourceID:   pkt.SourceID,
		TargetID:   pkt.TargetID,
		SenderAddr: from,
		Sequence:   pkt.Sequence,
		StartedAt:  now,
	}
	p.initSeq = pkt.Sequence
	p.audioSeq = 0
}

// sendCallInit synthesizes a CallInit on behalf of the transmitter
func (p *Processor) sendCallInit() {
	p.initSeq++
	p.info.Sequence = p.initSeq
	p.forward(protocol.NewCallInit(p.info.TargetID, p.info.SourceID, p.initSeq), true)
}

// sendCallTerm synthesizes the next teardown CallTerm; the packet carries
// the remaining countdown.
func (p *Processor) sendCallTerm() {
	p.initSeq++
	p.audioSeq++
	p.countdown--
	p.info.Sequence = p.initSeq
	p.forward(protocol.NewCallTerm(p.info.TargetID, p.info.SourceID, p.initSeq, p.audioSeq, int16(p.countdown)), true)
}

func (p *Processor) forward(pkt *protocol.Packet, synthesized bool) {
	p.info.LastForward = p.now()
	p.touch()
	sent := p.rptr.Repeat(p.roster, p.info, pkt)
	if p.hooks.OnForward != nil {
		p.hooks.OnForward(p.group, pkt.Type, sent, synthesized)
	}
}

func (p *Processor) drop(pkt *protocol.Packet, from *net.UDPAddr, reason string) {
	p.log.Debug("Dropping packet",
		logger.String("reason", reason),
		logger.String("state", p.state.String()),
		logger.String("packet", pkt.String()),
		logger.Stringer("addr", from))
	if p.hooks.OnDrop != nil {
		p.hooks.OnDrop(p.group, pkt.Type, reason)
	}
}

// retransmitDelay keeps synthesized packets on a Ti grid anchored at the
// previous deadline: a late expiry shortens the next delay by its lateness,
// floored at 1ms.
func (p *Processor) retransmitDelay(due time.Time) time.Duration {
	d := p.timing.PacketInterval - p.now().Sub(due)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// arm (re)starts a timer slot with a fresh handle
func (p *Processor) arm(slot *armedTimer, kind timerKind, d time.Duration) {
	slot.cancel()
	p.gen++
	h := TimerHandle{kind: kind, gen: p.gen}
	slot.handle = h
	slot.deadline = p.now().Add(d)
	slot.timer = p.sched.AfterFunc(d, func() { p.timerFired(h) })
}

// timerFired runs on the scheduler's goroutine and only hands off
func (p *Processor) timerFired(h TimerHandle) {
	if p.exec == nil {
		p.OnTimerFired(h)
		return
	}
	p.exec.Post(func() { p.OnTimerFired(h) })
}

func (p *Processor) stopTimers() {
	p.flywheel.cancel()
	p.retransmit.cancel()
}

func (p *Processor) publish() {
	p.statusMu.Lock()
	p.status = Status{Group: p.group, State: p.state, Call: p.info}
	p.statusMu.Unlock()
}

func (p *Processor) touch() {
	p.lastActivity.Store(p.now().UnixNano())
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

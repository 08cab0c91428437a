package trunk

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/ptt-trunk/internal/testhelpers"
	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

const group = uint32(0x900)

type fixture struct {
	db       *subscriber.Database
	sender   *testhelpers.MockSender
	clock    *testhelpers.ManualClock
	mgr      *Manager
	rejects  []string
	presence []PresenceEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := subscriber.NewDatabase()
	for su := uint32(2); su < 10; su++ {
		db.AddSubscriber(su)
	}
	for grp := uint32(0x900); grp < 0x905; grp++ {
		db.AddGroup(grp)
	}
	for su := uint32(2); su < 10; su++ {
		db.Signup(su, 0x900)
	}
	db.Signup(4, 0x901)
	db.Signup(6, 0x901)
	db.Signup(8, 0x901)

	f := &fixture{
		db:     db,
		sender: testhelpers.NewMockSender(),
		clock:  testhelpers.NewManualClock(time.Unix(1700000000, 0)),
	}
	cfg := Config{Timing: call.DefaultTiming(), IdleTimeout: time.Minute}
	f.mgr = NewManager(db, f.sender, cfg, logger.New(logger.Config{Level: "error"})).
		WithScheduler(f.clock, f.clock.Now).
		WithHooks(Hooks{
			OnReject:   func(reason string) { f.rejects = append(f.rejects, reason) },
			OnPresence: func(e PresenceEvent) { f.presence = append(f.presence, e) },
		}).
		Synchronous()
	t.Cleanup(f.mgr.Close)
	return f
}

func addr(id uint32) *net.UDPAddr {
	return testhelpers.Addr(40000 + int(id))
}

func (f *fixture) register(t *testing.T, ids ...uint32) {
	t.Helper()
	for _, id := range ids {
		f.mgr.HandleDatagram(protocol.NewRegistration(id, 1).Encode(), addr(id))
	}
	f.sender.Reset()
}

func TestManager_RegistrationAck(t *testing.T) {
	f := newFixture(t)

	f.mgr.HandleDatagram(protocol.NewRegistration(2, 77).Encode(), addr(2))

	got, ok := f.db.Lookup(2)
	if !ok || got.String() != addr(2).String() {
		t.Fatalf("Expected 2 online at %s, got %v", addr(2), got)
	}
	acks := f.sender.PacketsTo(addr(2))
	if len(acks) != 1 {
		t.Fatalf("Expected one ack, got %d", len(acks))
	}
	ack := acks[0]
	if ack.Type != protocol.TypeAck || !ack.Accepted || ack.AckSequence != 77 {
		t.Errorf("Unexpected ack %s", ack)
	}
	if ack.SourceID != protocol.TrunkManagerID || ack.TargetID != 2 {
		t.Errorf("Expected ack from trunk to 2, got %d -> %d", ack.SourceID, ack.TargetID)
	}
	if ack.Sequence != initialAckSequence+1 {
		t.Errorf("Expected first ack sequence %d, got %d", initialAckSequence+1, ack.Sequence)
	}
	if len(f.presence) != 1 || !f.presence[0].Online {
		t.Errorf("Expected an online presence event, got %+v", f.presence)
	}

	// Re-registration from a new address moves presence
	moved := testhelpers.Addr(50002)
	f.mgr.HandleDatagram(protocol.NewRegistration(2, 78).Encode(), moved)
	got, _ = f.db.Lookup(2)
	if got.String() != moved.String() {
		t.Errorf("Expected last registration to win, got %s", got)
	}
	acks = f.sender.PacketsTo(moved)
	if len(acks) != 1 || acks[0].Sequence != initialAckSequence+2 {
		t.Errorf("Expected incrementing ack sequence, got %v", acks)
	}
}

func TestManager_RegistrationUnknownSubscriber(t *testing.T) {
	f := newFixture(t)

	f.mgr.HandleDatagram(protocol.NewRegistration(99, 1).Encode(), addr(99))

	if _, ok := f.db.Lookup(99); ok {
		t.Error("Unknown subscriber must not go online")
	}
	acks := f.sender.PacketsTo(addr(99))
	if len(acks) != 1 || acks[0].Accepted {
		t.Errorf("Expected a rejecting ack, got %v", acks)
	}
	if len(f.rejects) != 1 || f.rejects[0] != "unknown subscriber" {
		t.Errorf("Unexpected rejects %v", f.rejects)
	}
}

func TestManager_Deregistration(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2)

	f.mgr.HandleDatagram(protocol.NewDeregistration(2, 5).Encode(), addr(2))

	if _, ok := f.db.Lookup(2); ok {
		t.Error("Expected 2 offline after deregistration")
	}
	acks := f.sender.PacketsTo(addr(2))
	if len(acks) != 1 || !acks[0].Accepted || acks[0].AckSequence != 5 {
		t.Errorf("Expected accepted ack, got %v", acks)
	}
	if last := f.presence[len(f.presence)-1]; last.Online || last.SubscriberID != 2 {
		t.Errorf("Expected offline presence event, got %+v", last)
	}
}

func TestManager_DropsMalformedAndNonMembers(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3, 5)

	f.mgr.HandleDatagram([]byte("garbage"), addr(2))
	f.mgr.HandleDatagram(protocol.NewCallInit(0x901, 5, 1).Encode(), addr(5)) // 5 not in 0x901
	f.mgr.HandleDatagram(protocol.NewCallInit(0x999, 2, 1).Encode(), addr(2)) // unknown group
	f.mgr.HandleDatagram(protocol.NewAck(protocol.NewRegistration(2, 1), 1, true).Encode(), addr(2))

	if f.sender.Count() != 0 {
		t.Errorf("Expected nothing relayed, got %d", f.sender.Count())
	}
	want := []string{"malformed", "not a member", "not a member", "unexpected type"}
	if len(f.rejects) != len(want) {
		t.Fatalf("Expected rejects %v, got %v", want, f.rejects)
	}
	for i := range want {
		if f.rejects[i] != want[i] {
			t.Errorf("Reject %d: expected %q, got %q", i, want[i], f.rejects[i])
		}
	}
	if len(f.mgr.Calls()) != 0 {
		t.Error("No processor should be created for rejected packets")
	}
}

func TestManager_CreateCallProcessorUnknownGroup(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.CreateCallProcessor(0x999, 2)
	if !errors.Is(err, subscriber.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_CreateCallProcessorSnapshotsRoster(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3)

	proc, err := f.mgr.CreateCallProcessor(group, 2)
	if err != nil {
		t.Fatalf("CreateCallProcessor: %v", err)
	}
	defer proc.Close()

	// Later registrations do not join the in-flight roster
	f.register(t, 4)
	if proc.RosterSize() != 2 {
		t.Errorf("Expected roster of 2, got %d", proc.RosterSize())
	}
}

func TestManager_CallRelayScenario(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3, 4)

	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))

	proc, ok := f.mgr.Processor(group)
	if !ok {
		t.Fatal("Expected a processor for the group")
	}
	if proc.State() != call.StateInit {
		t.Fatalf("Expected init, got %s", proc.State())
	}
	for _, id := range []uint32{2, 3, 4} {
		pkts := f.sender.PacketsTo(addr(id))
		if len(pkts) != 1 || pkts[0].Type != protocol.TypeCallInit {
			t.Errorf("Expected CallInit at %d, got %v", id, pkts)
		}
	}
	if f.mgr.ActiveCalls() != 1 {
		t.Errorf("Expected 1 active call, got %d", f.mgr.ActiveCalls())
	}

	f.sender.Reset()
	f.mgr.HandleDatagram(protocol.NewCallData(group, 2, 1, 1, []byte{0x55}).Encode(), addr(2))
	if proc.State() != call.StateTxing {
		t.Fatalf("Expected txing, got %s", proc.State())
	}
	if len(f.sender.PacketsTo(addr(2))) != 0 || f.sender.Count() != 2 {
		t.Errorf("Expected audio to 3 and 4 only, got %d sends", f.sender.Count())
	}

	f.sender.Reset()
	f.mgr.HandleDatagram(protocol.NewCallTerm(group, 2, 2, 2, 0).Encode(), addr(2))
	if proc.State() != call.StateHang {
		t.Fatalf("Expected hang, got %s", proc.State())
	}
	// Relayed term plus the immediate synthesized one, to everyone
	if n := len(f.sender.PacketsTo(addr(2))); n != 2 {
		t.Errorf("Expected 2 CallTerms at transmitter, got %d", n)
	}

	f.clock.Advance(time.Second)
	if proc.State() != call.StateIdle {
		t.Errorf("Expected idle after teardown, got %s", proc.State())
	}
	if f.mgr.ActiveCalls() != 0 {
		t.Errorf("Expected no active calls, got %d", f.mgr.ActiveCalls())
	}

	// Same processor serves the next call
	f.mgr.HandleDatagram(protocol.NewCallInit(group, 3, 0).Encode(), addr(3))
	again, _ := f.mgr.Processor(group)
	if again != proc || proc.State() != call.StateInit {
		t.Error("Expected the group's processor to be reused")
	}
}

func TestManager_ParallelGroups(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3, 4, 6)

	f.mgr.HandleDatagram(protocol.NewCallInit(0x900, 2, 0).Encode(), addr(2))
	f.mgr.HandleDatagram(protocol.NewCallInit(0x901, 4, 0).Encode(), addr(4))

	calls := f.mgr.Calls()
	if len(calls) != 2 || calls[0].Group != 0x900 || calls[1].Group != 0x901 {
		t.Fatalf("Expected two ordered calls, got %+v", calls)
	}
	if calls[0].Call.SourceID != 2 || calls[1].Call.SourceID != 4 {
		t.Errorf("Unexpected transmitters %+v", calls)
	}
}

func TestManager_ReapIdle(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3)

	var gone []uint32
	f.mgr.hooks.OnCallGone = func(g uint32) { gone = append(gone, g) }

	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))
	if n := f.mgr.ReapIdle(); n != 0 {
		t.Fatalf("Active call must not be reaped, got %d", n)
	}

	// Call ends on its own, then sits idle
	f.clock.Advance(2 * time.Second)
	if n := f.mgr.ReapIdle(); n != 0 {
		t.Fatalf("Recently active processor must not be reaped, got %d", n)
	}
	f.clock.Advance(time.Minute)
	if n := f.mgr.ReapIdle(); n != 1 {
		t.Fatalf("Expected 1 reaped processor, got %d", n)
	}
	if _, ok := f.mgr.Processor(group); ok {
		t.Error("Expected processor removed")
	}
	if len(gone) != 1 || gone[0] != group {
		t.Errorf("Expected OnCallGone for %d, got %v", group, gone)
	}

	// A new call picks up the current roster
	f.register(t, 4)
	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))
	proc, _ := f.mgr.Processor(group)
	if proc.RosterSize() != 3 {
		t.Errorf("Expected fresh roster of 3, got %d", proc.RosterSize())
	}
}

func TestManager_SubmitToReapedProcessor(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3)

	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))
	stale, ok := f.mgr.Processor(group)
	if !ok {
		t.Fatal("Expected a processor for the call")
	}
	f.clock.Advance(2 * time.Second)
	f.clock.Advance(time.Minute)

	// The reaper wins the race against a packet that already looked up stale
	if n := f.mgr.ReapIdle(); n != 1 {
		t.Fatalf("Expected 1 reaped processor, got %d", n)
	}
	f.sender.Reset()
	f.mgr.submit(stale, protocol.NewCallInit(group, 2, 1), addr(2))

	fresh, ok := f.mgr.Processor(group)
	if !ok || fresh == stale {
		t.Fatal("Expected the packet to open a fresh processor")
	}
	if fresh.State() != call.StateInit {
		t.Errorf("Expected fresh processor in init, got %s", fresh.State())
	}
	if n := len(f.sender.PacketsTo(addr(3))); n != 1 {
		t.Errorf("Expected CallInit relayed to 3, got %d", n)
	}
	if len(f.rejects) != 0 {
		t.Errorf("Unexpected rejects %v", f.rejects)
	}
}

func TestManager_SubmitAfterCloseRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2, 3)

	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))
	stale, _ := f.mgr.Processor(group)
	f.mgr.Close()
	f.sender.Reset()

	f.mgr.submit(stale, protocol.NewCallData(group, 2, 1, 1, nil), addr(2))
	if f.sender.Count() != 0 {
		t.Error("Closed manager must not relay")
	}
	if len(f.rejects) != 1 || f.rejects[0] != "processor closed" {
		t.Errorf("Unexpected rejects %v", f.rejects)
	}
}

func TestManager_CloseDropsLaterPackets(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2)

	f.mgr.Close()
	f.mgr.HandleDatagram(protocol.NewCallInit(group, 2, 0).Encode(), addr(2))

	if f.sender.Count() != 0 {
		t.Error("Closed manager must not relay")
	}
	if len(f.rejects) != 1 || f.rejects[0] != "no processor" {
		t.Errorf("Unexpected rejects %v", f.rejects)
	}
}

func TestManager_Executors(t *testing.T) {
	db := subscriber.NewDatabase()
	db.AddSubscriber(2)
	db.AddSubscriber(3)
	db.AddGroup(group)
	db.Signup(2, group)
	db.Signup(3, group)

	sender := testhelpers.NewMockSender()
	idle := make(chan struct{}, 1)
	cfg := Config{Timing: call.Timing{PacketInterval: 5 * time.Millisecond, FlywheelPeriod: 50 * time.Millisecond, HangRepeats: 2}}
	mgr := NewManager(db, sender, cfg, logger.New(logger.Config{Level: "error"})).WithHooks(Hooks{
		Call: call.Hooks{OnStateChange: func(c call.StateChange) {
			if c.To == call.StateIdle {
				idle <- struct{}{}
			}
		}},
	})
	defer mgr.Close()

	mgr.HandleDatagram(protocol.NewRegistration(2, 1).Encode(), addr(2))
	mgr.HandleDatagram(protocol.NewRegistration(3, 1).Encode(), addr(3))
	mgr.HandleDatagram(protocol.NewCallInit(group, 2, 1).Encode(), addr(2))
	for i := 0; i < 20; i++ {
		mgr.HandleDatagram(protocol.NewCallData(group, 2, uint16(2+i), uint16(1+i), []byte{byte(i)}).Encode(), addr(2))
	}
	mgr.HandleDatagram(protocol.NewCallTerm(group, 2, 22, 21, 0).Encode(), addr(2))

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the call to end")
	}

	var audio []byte
	for _, p := range sender.PacketsTo(addr(3)) {
		if p.Type == protocol.TypeCallData {
			audio = append(audio, p.Payload...)
		}
	}
	if len(audio) != 20 {
		t.Fatalf("Expected 20 frames at listener, got %d", len(audio))
	}
	for i, b := range audio {
		if int(b) != i {
			t.Fatalf("Frames reordered: position %d holds %d", i, b)
		}
	}
}

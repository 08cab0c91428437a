package call

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// Sender fire-and-forgets a datagram to addr
type Sender interface {
	Send(addr *net.UDPAddr, data []byte) error
}

// CallInfo identifies the call currently owned by a processor
type CallInfo struct {
	SessionID   uuid.UUID
	SourceID    uint32
	TargetID    uint32
	SenderAddr  *net.UDPAddr
	Sequence    uint16
	StartedAt   time.Time
	LastForward time.Time
}

// Repeater fans a call packet out to a group roster
type Repeater struct {
	sender Sender
	log    *logger.Logger
}

// NewRepeater creates a repeater sending through sender
func NewRepeater(sender Sender, log *logger.Logger) *Repeater {
	return &Repeater{
		sender: sender,
		log:    log.WithComponent("call.repeater"),
	}
}

// Repeat encodes pkt once and sends the same bytes to every roster entry
// other than the transmitter. The transmitter itself only gets CallInit
// and CallTerm echoed back, never its own audio.
// Returns the number of datagrams handed to the sender.
func (r *Repeater) Repeat(roster []subscriber.OnlineRecord, info CallInfo, pkt *protocol.Packet) int {
	data := pkt.Encode()
	echo := pkt.Type == protocol.TypeCallInit || pkt.Type == protocol.TypeCallTerm

	sent := 0
	for _, rec := range roster {
		if rec.SubscriberID == info.SourceID && !echo {
			continue
		}
		if err := r.sender.Send(rec.Addr, data); err != nil {
			r.log.Warn("Failed to send",
				logger.Uint32("subscriber", rec.SubscriberID),
				logger.Stringer("addr", rec.Addr),
				logger.String("type", pkt.Type.String()),
				logger.Error(err))
			continue
		}
		sent++
	}
	return sent
}

package main

import (
	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/database"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/metrics"
	"github.com/dbehnke/ptt-trunk/pkg/protocol"
	"github.com/dbehnke/ptt-trunk/pkg/trunk"
	"github.com/dbehnke/ptt-trunk/pkg/web"
)

// observers fans dispatcher and call events out to metrics, the dashboard
// and the provisioning store. hub and repo are optional.
type observers struct {
	log     *logger.Logger
	metrics *metrics.Collector
	hub     *web.WebSocketHub
	repo    *database.ProvisioningRepository
}

func (o *observers) hooks() trunk.Hooks {
	return trunk.Hooks{
		Call: call.Hooks{
			OnStateChange: o.stateChange,
			OnForward: func(_ uint32, _ protocol.MessageType, sent int, synthesized bool) {
				o.metrics.PacketsForwarded(sent, synthesized)
			},
			OnDrop: func(_ uint32, _ protocol.MessageType, reason string) {
				o.metrics.PacketDropped(reason)
			},
		},
		OnReceive: func(t protocol.MessageType) {
			o.metrics.PacketReceived(t.String())
		},
		OnReject: func(reason string) {
			o.metrics.PacketDropped(reason)
			if reason == "unknown subscriber" {
				o.metrics.RegistrationDenied()
			}
		},
		OnPresence: o.presence,
		OnCallOpen: func(uint32) { o.metrics.ProcessorOpened() },
		OnCallGone: func(uint32) { o.metrics.ProcessorClosed() },
	}
}

func (o *observers) stateChange(sc call.StateChange) {
	switch {
	case sc.From == call.StateIdle:
		o.metrics.CallStarted(sc.Group)
	case sc.To == call.StateIdle:
		o.metrics.CallEnded(sc.Group)
	}
	if o.hub != nil {
		o.hub.BroadcastCallState(sc)
	}
}

func (o *observers) presence(ev trunk.PresenceEvent) {
	addr := ""
	if ev.Addr != nil {
		addr = ev.Addr.String()
	}
	if ev.Online {
		o.metrics.SubscriberRegistered(ev.SubscriberID)
	} else {
		o.metrics.SubscriberOffline(ev.SubscriberID)
	}
	if o.hub != nil {
		o.hub.BroadcastPresence(ev.SubscriberID, addr, ev.Online)
	}
	if o.repo != nil && ev.Online {
		// Keep sqlite writes off the receive loop.
		go func() {
			if err := o.repo.RecordPresence(ev.SubscriberID, addr, ev.At); err != nil {
				o.log.Warn("Failed to record presence",
					logger.Uint32("subscriber", ev.SubscriberID),
					logger.Error(err))
			}
		}()
	}
}

// Package dispatch routes decoded packets to their handlers by type
// byte and answers heartbeats.
package dispatch

import (
	"slices"
	"sync"

	ncerr "exochat/internal/errors"
	"exochat/internal/packet"
	"exochat/util"
)

// Presenter receives decoded inbound messages.  Calls arrive on the
// receive goroutine, one at a time, in wire order.
type Presenter interface {
	OnUserList(users []string)
	OnChat(m packet.Message)
	OnImage(m packet.Message)
	OnAI(m packet.AIMessage)
}

// NopPresenter discards everything.  Embed it to implement only part of
// [Presenter].
type NopPresenter struct{}

func (NopPresenter) OnUserList([]string)    {}
func (NopPresenter) OnChat(packet.Message)  {}
func (NopPresenter) OnImage(packet.Message) {}
func (NopPresenter) OnAI(packet.AIMessage)  {}

// Sender queues an outbound packet.
type Sender interface {
	SendPacket(p []byte) error
}

// Counter records dispatch outcomes.  *metrics.Collector satisfies it.
type Counter interface {
	PacketReceived(kind string)
	HeartbeatAnswered()
}

// Dispatcher handles one session's inbound packets and keeps the
// presence list.
type Dispatcher struct {
	presenter Presenter
	sender    Sender
	logger    *util.Logger
	stats     Counter

	mu     sync.RWMutex
	online []string
}

// New returns a dispatcher.  presenter and stats may be nil.
func New(presenter Presenter, sender Sender, stats Counter, logger *util.Logger) *Dispatcher {
	if presenter == nil {
		presenter = NopPresenter{}
	}
	return &Dispatcher{
		presenter: presenter,
		sender:    sender,
		stats:     stats,
		logger:    logger.With("dispatch"),
	}
}

// HandlePacket routes one decoded packet.  A returned error describes a
// packet that was dropped; it never means the session is unusable.
func (d *Dispatcher) HandlePacket(p []byte) error {
	typ, body, err := packet.Split(p)
	if err != nil {
		d.logger.Warn("discarding empty packet")
		return err
	}
	d.logger.Debug("received %s packet, %d body bytes", typ, len(body))
	if d.stats != nil {
		d.stats.PacketReceived(typ.String())
	}

	switch typ {
	case packet.UserList:
		users := packet.ParseUserList(body)
		d.mu.Lock()
		d.online = users
		d.mu.Unlock()
		d.presenter.OnUserList(slices.Clone(users))

	case packet.Chat:
		m, err := packet.ParseChat(body)
		if err != nil {
			d.logger.Warn("discarding chat packet: %v", err)
			return err
		}
		d.presenter.OnChat(m)

	case packet.Image:
		m, err := packet.ParseImage(body)
		if err != nil {
			d.logger.Warn("discarding image packet: %v", err)
			return err
		}
		d.presenter.OnImage(m)

	case packet.AI:
		m, err := packet.ParseAI(body)
		if err != nil {
			d.logger.Warn("discarding ai packet: %v", err)
			return err
		}
		d.presenter.OnAI(m)

	case packet.Heartbeat:
		return d.heartbeat(body)

	default:
		d.logger.Warn("unknown packet type %d, %d bytes discarded", byte(typ), len(body))
		return ncerr.Protocol("dispatch", "unknown packet type %d", byte(typ))
	}
	return nil
}

func (d *Dispatcher) heartbeat(body []byte) error {
	if len(body) == 0 || body[0] != packet.HeartbeatPing {
		d.logger.Warn("invalid heartbeat packet % x", body)
		return ncerr.Protocol("heartbeat", "invalid body % x", body)
	}
	if err := d.sender.SendPacket(packet.Pong()); err != nil {
		d.logger.Warn("heartbeat reply: %v", err)
		return err
	}
	if d.stats != nil {
		d.stats.HeartbeatAnswered()
	}
	return nil
}

// OnlineUsers returns the last presence list received.
func (d *Dispatcher) OnlineUsers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.online)
}

// Reset forgets the presence list.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.online = nil
	d.mu.Unlock()
}

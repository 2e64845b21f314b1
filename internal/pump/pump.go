// Package pump implements the co-scheduled loop shuttling packets between
// the virtual NIC and peer UDP endpoints. It dispatches
// control datagrams to the session's control handler and forwards opaque
// datagrams to the NIC, and forwards NIC-read packets verbatim to every
// peer currently in the reachable set.
package pump

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/valive421/dep-lansim/internal/netiface"
	"github.com/valive421/dep-lansim/internal/observer"
	"github.com/valive421/dep-lansim/internal/protocol"
	"github.com/valive421/dep-lansim/internal/session"
)

// keepaliveTick is how often the pump checks whether a keepalive or a
// punch retry is due; it is independent of the 30s keepalive cadence
// itself, which session.DueKeepalive enforces.
const keepaliveTick = 1 * time.Second

// Conn is the subset of *net.UDPConn the pump needs; satisfied by the real
// socket and easily faked in tests.
type Conn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// NIC is the subset of *netiface.Adapter the pump needs; satisfied by the
// real TUN adapter and easily faked in tests that can't open a kernel
// device.
type NIC interface {
	Packets() <-chan []byte
	Inject(packet []byte) error
}

var _ NIC = (*netiface.Adapter)(nil)

// Pump binds one UDP socket and (optionally) one virtual NIC adapter to a
// Session.
type Pump struct {
	conn       Conn
	serverAddr *net.UDPAddr
	adapter    NIC // nil when AdapterUnavailable
	sess       *session.Session
	hook       *observer.Hook
	log        *zap.Logger

	stopCh chan struct{}
}

// New constructs a Pump. adapter may be nil, in which case the NIC half is
// disabled and only control traffic is exchanged.
func New(conn Conn, serverAddr *net.UDPAddr, adapter NIC, sess *session.Session, hook *observer.Hook, log *zap.Logger) *Pump {
	if hook == nil {
		hook = observer.NewHook(256)
	}
	return &Pump{
		conn:       conn,
		serverAddr: serverAddr,
		adapter:    adapter,
		sess:       sess,
		hook:       hook,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Hook returns the observer hook packets are published to.
func (p *Pump) Hook() *observer.Hook { return p.hook }

// Run blocks servicing the UDP socket, the virtual NIC (if present), and
// the keepalive/punch-retry ticker, until Stop is called. Suspension points
// (UDP recv, NIC read, ticker) never hold the session's mutex across their
// boundary — only the handlers they call into do, and only briefly.
func (p *Pump) Run() {
	udpEvents := make(chan udpDatagram, 64)
	go p.udpReadLoop(udpEvents)

	var nicEvents <-chan []byte
	if p.adapter != nil {
		nicEvents = p.adapter.Packets()
	}

	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case dgram, ok := <-udpEvents:
			if !ok {
				return
			}
			p.handleUDP(dgram.payload, dgram.from)
		case pkt, ok := <-nicEvents:
			if !ok {
				nicEvents = nil
				continue
			}
			p.handleNIC(pkt)
		case now := <-ticker.C:
			p.handleTick(now)
		}
	}
}

// Stop ends Run's loop. It does not close the underlying socket or
// adapter; callers own those lifetimes.
func (p *Pump) Stop() {
	close(p.stopCh)
}

type udpDatagram struct {
	payload []byte
	from    *net.UDPAddr
}

func (p *Pump) udpReadLoop(out chan<- udpDatagram) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			close(out)
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case out <- udpDatagram{payload: payload, from: addr}:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pump) handleUDP(payload []byte, from *net.UDPAddr) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		// Opaque tunneled packet: inject verbatim into the NIC. Source
		// endpoint is recorded via the observer hook but otherwise unused —
		// the source is never validated against the reachable set.
		p.hook.Publish(observer.Event{Direction: observer.DirectionNetToNIC, Source: from, Size: len(payload)})
		if p.adapter == nil {
			return
		}
		if err := p.adapter.Inject(payload); err != nil {
			p.log.Warn("nic inject failed", zap.Error(err))
		}
		return
	}
	p.dispatchControl(msg, from)
}

func (p *Pump) dispatchControl(msg *protocol.Message, from *net.UDPAddr) {
	switch msg.Action {
	case protocol.ActionRoomCreated:
		p.sess.HandleRoomCreated(msg)
	case protocol.ActionRoomJoined:
		for _, punch := range p.sess.HandleRoomJoined(msg, from) {
			p.sendToServer(punch)
		}
	case protocol.ActionPeerJoined:
		if punch := p.sess.HandlePeerJoined(msg, from); punch != nil {
			p.sendToServer(punch)
		}
	case protocol.ActionPeerLeft:
		p.sess.HandlePeerLeft(msg)
	case protocol.ActionPunchRequest:
		if reply, to := p.sess.HandlePunchRequest(msg); reply != nil {
			p.sendDirect(reply, to)
		}
	case protocol.ActionPunchResponse:
		p.sess.HandlePunchResponse(msg, from)
	case protocol.ActionRoomList:
		// Informational only: the client never sends get_rooms itself, and
		// the pump takes no action on a room listing.
	default:
		p.log.Debug("control message ignored by pump", zap.String("action", string(msg.Action)))
	}
}

func (p *Pump) handleNIC(pkt []byte) {
	p.hook.Publish(observer.Event{Direction: observer.DirectionNICToNet, Size: len(pkt)})
	for _, addr := range p.sess.Reachable() {
		if _, err := p.conn.WriteToUDP(pkt, addr); err != nil {
			// Logged but the peer stays reachable: removal is driven only
			// by peer_left or room departure.
			p.log.Warn("udp send to peer failed", zap.Stringer("to", addr), zap.Error(err))
		}
	}
}

func (p *Pump) handleTick(now time.Time) {
	if msg := p.sess.DueKeepalive(now); msg != nil {
		p.sendToServer(msg)
	}
	for _, msg := range p.sess.DuePunchRetries(now) {
		p.sendToServer(msg)
	}
}

func (p *Pump) sendToServer(msg *protocol.Message) {
	p.sendDirect(msg, p.serverAddr)
}

func (p *Pump) sendDirect(msg *protocol.Message, addr *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.log.Error("encode failed", zap.Error(err))
		return
	}
	if _, err := p.conn.WriteToUDP(data, addr); err != nil {
		p.log.Warn("udp send failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

// Package rendezvous implements the server side of the wire protocol: a UDP
// responder dispatching control actions against an internal/registry.Registry,
// plus a small HTTP side-channel for liveness/health/metrics probing.
package rendezvous

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/valive421/dep-lansim/internal/protocol"
	"github.com/valive421/dep-lansim/internal/registry"
)

// CleanupInterval is the period of the soft-state expiry tick.
const CleanupInterval = 30 * time.Second

// Config configures a Server.
type Config struct {
	UDPAddr  string // e.g. "0.0.0.0:5000"
	HTTPAddr string // e.g. "0.0.0.0:5001"
	PublicIP string // operator override for the server's advertised identity
}

// Server is the UDP rendezvous responder plus its HTTP side-channel. The
// registry is its only mutable shared state; it is mutated only from the
// receive loop and the cleanup tick (the /health handler and the rooms
// gauge only read it), all behind the registry's own mutex.
type Server struct {
	cfg Config
	log *zap.Logger
	reg *registry.Registry

	conn *net.UDPConn
	http *http.Server

	metrics metricsSet

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

type metricsSet struct {
	controlMessages *prometheus.CounterVec
	punchRequests   prometheus.Counter
	rooms           prometheus.GaugeFunc
}

// New constructs a Server bound to no sockets yet; call Start to bind and
// run.
func New(cfg Config, log *zap.Logger) *Server {
	reg := registry.New()
	s := &Server{cfg: cfg, log: log, reg: reg, stopCh: make(chan struct{})}
	s.metrics = metricsSet{
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lansim_control_messages_total",
			Help: "Control datagrams handled by action.",
		}, []string{"action"}),
		punchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lansim_punch_requests_total",
			Help: "punch_request messages relayed to a target peer.",
		}),
		rooms: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lansim_rooms_total",
			Help: "Current number of live rooms.",
		}, func() float64 { return float64(reg.RoomCount()) }),
	}
	reg2 := prometheus.NewRegistry()
	reg2.MustRegister(s.metrics.controlMessages, s.metrics.punchRequests, s.metrics.rooms)

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg2, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.http = &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	return s
}

// Start binds the UDP socket and the HTTP listener and spawns the
// receive-and-dispatch and cleanup-tick goroutines. It returns once both
// sockets are bound; the goroutines run until Stop is called.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.conn = conn

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.log.Info("udp server bound", zap.String("addr", conn.LocalAddr().String()), zap.String("public_ip", s.cfg.PublicIP))

	go s.receiveLoop()
	go s.cleanupLoop()
	go func() {
		s.log.Info("http side-channel listening", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop clears the running flag, closes the UDP socket (causing the receive
// loop to exit on its next, now-failing, read), and shuts down the HTTP
// server. Stop is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = s.http.Close()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) receiveLoop() {
	buf := make([]byte, 65536)
	for s.isRunning() {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.isRunning() {
				s.log.Warn("udp receive error", zap.Error(err))
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, addr)
	}
}

func (s *Server) handleDatagram(payload []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		// Not a control datagram: the rendezvous server has no use for
		// opaque data (only peers tunnel packets to each other), so it is
		// simply dropped, per ProtocolMalformed in the error model.
		s.log.Debug("dropped unparseable or non-control datagram", zap.Stringer("from", addr), zap.Int("len", len(payload)))
		return
	}

	s.metrics.controlMessages.WithLabelValues(string(msg.Action)).Inc()
	s.log.Debug("received control message", zap.String("action", string(msg.Action)), zap.Stringer("from", addr), zap.String("peer_id", msg.PeerID))

	switch msg.Action {
	case protocol.ActionCreateRoom:
		s.handleCreateOrJoin(msg, addr, protocol.ActionRoomCreated)
	case protocol.ActionJoinRoom:
		s.handleCreateOrJoin(msg, addr, protocol.ActionRoomJoined)
	case protocol.ActionLeaveRoom:
		s.handleLeave(msg, addr)
	case protocol.ActionKeepalive:
		s.handleKeepalive(msg, addr)
	case protocol.ActionPunchRequest:
		s.handlePunchRequest(msg, addr)
	case protocol.ActionGetRooms:
		s.handleGetRooms(msg, addr)
	default:
		s.log.Warn("unknown action", zap.String("action", string(msg.Action)), zap.Stringer("from", addr))
	}
}

func (s *Server) handleCreateOrJoin(msg *protocol.Message, addr *net.UDPAddr, reply protocol.Action) {
	room, prior := s.reg.Upsert(msg.RoomID, msg.PeerID, msg.Username, addr, time.Now())

	resp := &protocol.Message{
		Action:     reply,
		RoomID:     msg.RoomID,
		Status:     "success",
		PublicIP:   addr.IP.String(),
		PublicPort: addr.Port,
	}
	if reply == protocol.ActionRoomJoined {
		resp.Members = make(map[string]protocol.RoomMember, len(prior))
		for _, m := range prior {
			resp.Members[m.PeerID] = protocol.RoomMember{
				Username:   m.Username,
				PublicIP:   m.Addr.IP.String(),
				PublicPort: m.Addr.Port,
			}
		}
	}
	s.send(resp, addr)

	notification := &protocol.Message{
		Action:     protocol.ActionPeerJoined,
		RoomID:     msg.RoomID,
		PeerID:     msg.PeerID,
		Username:   msg.Username,
		PublicIP:   addr.IP.String(),
		PublicPort: addr.Port,
	}
	for _, m := range prior {
		s.send(notification, m.Addr)
	}

	s.log.Info("room membership updated", zap.String("room_id", room.ID), zap.String("peer_id", msg.PeerID), zap.String("username", msg.Username), zap.Int("member_count", len(room.Members)))
}

func (s *Server) handleLeave(msg *protocol.Message, addr *net.UDPAddr) {
	surviving, removed, destroyed := s.reg.Leave(msg.RoomID, msg.PeerID)
	if !removed {
		return
	}
	notification := &protocol.Message{Action: protocol.ActionPeerLeft, RoomID: msg.RoomID, PeerID: msg.PeerID}
	for _, m := range surviving {
		s.send(notification, m.Addr)
	}
	if destroyed {
		s.log.Info("room destroyed", zap.String("room_id", msg.RoomID))
	}
}

func (s *Server) handleKeepalive(msg *protocol.Message, addr *net.UDPAddr) {
	s.reg.Keepalive(msg.RoomID, msg.PeerID, addr, time.Now())
}

func (s *Server) handlePunchRequest(msg *protocol.Message, addr *net.UDPAddr) {
	target, ok := s.reg.Member(msg.RoomID, msg.TargetPeer)
	if !ok {
		return
	}
	relay := &protocol.Message{
		Action:           protocol.ActionPunchRequest,
		RoomID:           msg.RoomID,
		SourcePeer:       msg.SourcePeer,
		SourcePublicIP:   addr.IP.String(),
		SourcePublicPort: addr.Port,
	}
	s.send(relay, target.Addr)
	s.metrics.punchRequests.Inc()
	s.log.Debug("relayed punch_request", zap.String("source", msg.SourcePeer), zap.String("target", msg.TargetPeer))
}

func (s *Server) handleGetRooms(msg *protocol.Message, addr *net.UDPAddr) {
	snap := s.reg.Snapshot()
	rooms := make(map[string]protocol.RoomSummary, len(snap))
	for _, r := range snap {
		rooms[r.ID] = protocol.RoomSummary{MemberCount: r.MemberCount, CreatedAt: float64(r.CreatedAt.Unix())}
	}
	s.send(&protocol.Message{Action: protocol.ActionRoomList, Rooms: rooms}, addr)
}

func (s *Server) send(msg *protocol.Message, addr *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode failed", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.log.Warn("udp send error", zap.Stringer("to", addr), zap.Error(err))
	}
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			destroyed, expired := s.reg.ExpireStale(time.Now())
			if expired > 0 {
				s.log.Info("expired stale members", zap.Int("count", expired), zap.Strings("destroyed_rooms", destroyed))
			}
		}
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Room Server is running"))
}

type healthResponse struct {
	Status    string  `json:"status"`
	RoomCount int     `json:"room_count"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		RoomCount: s.reg.RoomCount(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

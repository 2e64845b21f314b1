// Command lansim-client joins a lansim room, punches through NAT to its
// peers, and pumps packets between them and a local virtual NIC. There is
// deliberately no GUI here: the client runs headless until signalled and
// logs startup, shutdown and send/inject failures; session transitions and
// punch outcomes are not logged.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valive421/dep-lansim/internal/clientconfig"
	"github.com/valive421/dep-lansim/internal/logging"
	"github.com/valive421/dep-lansim/internal/netiface"
	"github.com/valive421/dep-lansim/internal/protocol"
	"github.com/valive421/dep-lansim/internal/pump"
	"github.com/valive421/dep-lansim/internal/session"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:   "lansim-client",
		Short: "Join a lansim room and tunnel packets to its reachable peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientconfig.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, debug)
		},
	}
	clientconfig.BindFlags(root.Flags())
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg clientconfig.Config, debug bool) error {
	log, err := logging.New("lansim-client", debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := probeServer(cfg); err != nil {
		log.Error("startup probe failed", zap.Error(err))
		return err
	}

	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerUDP))
	if err != nil {
		return fmt.Errorf("resolve server addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}
	defer conn.Close()

	var nic pump.NIC
	adapter, err := netiface.Open(cfg.Device)
	if err != nil {
		log.Warn("virtual NIC unavailable; running control-plane only", zap.Error(err))
	} else {
		nic = adapter
		defer adapter.Close()
	}

	username := cfg.Username
	if username == "" {
		username = fmt.Sprintf("Player_%d", os.Getpid())
	}
	sess := session.New(username, log)

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	var initial *protocol.Message
	if cfg.Create {
		initial = sess.CreateRoom(cfg.RoomID, localPort)
	} else {
		initial = sess.JoinRoom(cfg.RoomID, localPort)
	}
	sendInitial(conn, serverAddr, initial, log)

	p := pump.New(conn, serverAddr, nic, sess, nil, log)
	go p.Run()

	log.Info("lansim client running", zap.String("peer_id", sess.PeerID()), zap.String("room", cfg.RoomID), zap.Bool("create", cfg.Create))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if leave := sess.LeaveRoom(); leave != nil {
		sendInitial(conn, serverAddr, leave, log)
	}
	p.Stop()
	return nil
}

func sendInitial(conn *net.UDPConn, serverAddr *net.UDPAddr, msg *protocol.Message, log *zap.Logger) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error("encode failed", zap.Error(err))
		return
	}
	if _, err := conn.WriteToUDP(data, serverAddr); err != nil {
		log.Warn("udp send failed", zap.Error(err))
	}
}

// probeServer refuses to start the client if the server's HTTP liveness
// endpoint or its UDP port are unreachable. The UDP check is send-only: no
// response is expected.
func probeServer(cfg clientconfig.Config) error {
	httpURL := fmt.Sprintf("http://%s:%d/", cfg.ServerHost, cfg.ServerHTTP)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(httpURL)
	if err != nil {
		return fmt.Errorf("http liveness probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http liveness probe: status %d", resp.StatusCode)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerUDP))
	if err != nil {
		return fmt.Errorf("resolve udp probe addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("udp probe: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		return fmt.Errorf("udp probe send: %w", err)
	}
	return nil
}

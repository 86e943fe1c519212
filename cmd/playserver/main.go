// Command playserver runs one Play server process: it hosts stages and the
// actors connected to them, per spec §4.3/§4.8.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"playhouse"
	"playhouse/sender"
	"playhouse/session"
	"playhouse/stage"
	"playhouse/transport"
	"playhouse/wire"
)

func main() {
	self := flag.String("self", "1:1", "this server's nid, <service_type>:<server_id>")
	meshAddr := flag.String("mesh-addr", ":9100", "mesh (QUIC) bind address")
	tcpAddr := flag.String("tcp-addr", ":9200", "raw TCP client listen address (empty to disable)")
	wsAddr := flag.String("ws-addr", ":9300", "HTTP address serving /ws and admin routes (empty to disable)")
	wtAddr := flag.String("webtransport-addr", "", "HTTP/3 address serving /wt (empty to disable)")
	peers := flag.String("peers", "", "comma-separated peer list, nid=mesh_addr,nid=mesh_addr")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed mesh TLS certificate validity")
	reconnectGrace := flag.Duration("reconnect-grace", playhouse.DefaultReconnectGrace, "how long a disconnected actor's slot survives")
	requestTimeout := flag.Duration("request-timeout", playhouse.DefaultRequestTimeout, "default mesh request timeout")
	rateLimit := flag.Float64("rate-limit", session.DefaultRateLimit.MessagesPerSecond, "per-connection messages/sec")
	rateBurst := flag.Int("rate-burst", session.DefaultRateLimit.Burst, "per-connection token bucket burst")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tlsConfig, fingerprint, err := transport.GenerateSelfSignedTLSConfig(*certValidity, "")
	if err != nil {
		slog.Error("playserver: generate tls config", "err", err)
		os.Exit(1)
	}
	tlsConfig.NextProtos = []string{"playhouse-mesh"}
	tlsConfig.InsecureSkipVerify = true
	slog.Info("playserver: mesh TLS certificate fingerprint", "fingerprint", fingerprint)

	peerMap, err := parsePeers(*peers)
	if err != nil {
		slog.Error("playserver: parse -peers", "err", err)
		os.Exit(1)
	}

	opts := playhouse.PlayServerOptions{
		Self:              wire.Nid(*self),
		MeshAddr:          *meshAddr,
		MeshTLS:           tlsConfig,
		Peers:             peerMap,
		TCPAddr:           *tcpAddr,
		WSAddr:            *wsAddr,
		WebTransportAddr:  *wtAddr,
		Authenticator:     lobbyAuthenticator{},
		RateLimit:         session.RateLimit{MessagesPerSecond: *rateLimit, Burst: *rateBurst},
		ReconnectGrace:    *reconnectGrace,
		RequestTimeout:    *requestTimeout,
		Services:          []uint16{1},
	}

	srv := playhouse.NewPlayServer(opts)
	srv.UseStage("room", func() stage.IStage { return &lobbyStage{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("playserver: shutting down")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		slog.Error("playserver: exited with error", "err", err)
		os.Exit(1)
	}
}

func parsePeers(raw string) (map[wire.Nid]string, error) {
	out := make(map[wire.Nid]string)
	if raw == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want nid=addr", entry)
		}
		out[wire.Nid(parts[0])] = parts[1]
	}
	return out, nil
}

// lobbyAuthenticator accepts every connection and assigns it an
// incrementing account id, always joining stage 1 of type "room".
// A real deployment replaces this with a token-verifying implementation.
type lobbyAuthenticator struct{}

var nextAccountID int64

func (lobbyAuthenticator) Authenticate(pkt wire.RoutePacket) (accountID, stageID int64, stageType string, reply *wire.RoutePacket, err error) {
	nextAccountID++
	return nextAccountID, 1, "room", nil, nil
}

// lobbyStage is a minimal IStage that echoes whatever a client dispatches
// back to that same client, demonstrating
// OnDispatchActor + ActorSender.SendToClient.
type lobbyStage struct {
	members map[int64]bool
}

func (l *lobbyStage) OnCreate(s *stage.StageSender) error {
	l.members = make(map[int64]bool)
	return nil
}

func (l *lobbyStage) OnPostCreate(s *stage.StageSender) {}

func (l *lobbyStage) OnDestroy(s *stage.StageSender) {}

func (l *lobbyStage) OnJoinStage(s *stage.StageSender, accountID int64, isReconnect bool, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
	l.members[accountID] = true
	return nil, nil
}

func (l *lobbyStage) OnPostJoinStage(s *stage.StageSender, accountID int64) {}

func (l *lobbyStage) OnConnectionChanged(s *stage.StageSender, accountID int64, connected bool) {
	if !connected {
		slog.Info("lobby: actor disconnected", "account_id", accountID)
	}
}

func (l *lobbyStage) OnDispatchActor(s *sender.ActorSender, pkt wire.RoutePacket) {
	reply := wire.RoutePacket{Header: wire.RouteHeader{MsgID: pkt.Header.MsgID}, Payload: pkt.Payload}
	if err := s.SendToClient(reply); err != nil {
		slog.Warn("lobby: failed to echo to client", "account_id", s.AccountID, "err", err)
	}
}

func (l *lobbyStage) OnDispatch(s *stage.StageSender, pkt wire.RoutePacket) {}

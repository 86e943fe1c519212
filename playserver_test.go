package playhouse

import (
	"context"
	"net"
	"testing"
	"time"

	"playhouse/sender"
	"playhouse/session"
	"playhouse/stage"
	"playhouse/transport"
	"playhouse/wire"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type acceptAllAuthenticator struct{}

func (acceptAllAuthenticator) Authenticate(pkt wire.RoutePacket) (int64, int64, string, *wire.RoutePacket, error) {
	return 1, 1, "noop", nil, nil
}

type noopStage struct{}

func (noopStage) OnCreate(*stage.StageSender) error { return nil }
func (noopStage) OnPostCreate(*stage.StageSender)   {}
func (noopStage) OnDestroy(*stage.StageSender)      {}
func (noopStage) OnJoinStage(*stage.StageSender, int64, bool, wire.RoutePacket) (*wire.RoutePacket, error) {
	return nil, nil
}
func (noopStage) OnPostJoinStage(*stage.StageSender, int64)             {}
func (noopStage) OnConnectionChanged(*stage.StageSender, int64, bool)   {}
func (noopStage) OnDispatchActor(*sender.ActorSender, wire.RoutePacket) {}
func (noopStage) OnDispatch(*stage.StageSender, wire.RoutePacket)       {}

// TestPlayServerStartAndShutdown mirrors the teacher's server_test.go
// startTestServer/getFreePort pattern: bind every transport on loopback
// ephemeral ports, let the process come up, then cancel and confirm Start
// returns cleanly instead of hanging.
func TestPlayServerStartAndShutdown(t *testing.T) {
	tlsConf, _, err := transport.GenerateSelfSignedTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}

	self := wire.Nid("1:1")
	opts := PlayServerOptions{
		Self:           self,
		MeshAddr:       freeUDPAddr(t),
		MeshTLS:        tlsConf,
		TCPAddr:        freeTCPAddr(t),
		Authenticator:  acceptAllAuthenticator{},
		RateLimit:      session.DefaultRateLimit,
		RequestTimeout: time.Second,
	}

	srv := NewPlayServer(opts)
	srv.UseStage("noop", func() stage.IStage { return noopStage{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned an error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return within 5s of cancellation")
	}
}

func TestPlayServerRejectsBadMeshAddr(t *testing.T) {
	srv := NewPlayServer(PlayServerOptions{
		Self:          wire.Nid("1:1"),
		MeshAddr:      "not-a-valid-address",
		Authenticator: acceptAllAuthenticator{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected an error binding an invalid mesh address")
	}
}

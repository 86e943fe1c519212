// Command apiserver runs one stateless API server process: a worker pool of
// request handlers with no stage or connection state of its own, per spec
// §4.11.
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
	"playhouse/payload"
	"playhouse/sender"
	"playhouse/transport"
	"playhouse/wire"
)

func main() {
	self := flag.String("self", "2:1", "this server's nid, <service_type>:<server_id>")
	meshAddr := flag.String("mesh-addr", ":9101", "mesh (QUIC) bind address")
	adminAddr := flag.String("admin-addr", ":9301", "admin HTTP address (empty to disable)")
	peers := flag.String("peers", "", "comma-separated peer list, nid=mesh_addr,nid=mesh_addr")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed mesh TLS certificate validity")
	requestTimeout := flag.Duration("request-timeout", playhouse.DefaultRequestTimeout, "default mesh request timeout")
	workers := flag.Int("workers", 16, "worker pool size")
	queueDepth := flag.Int("queue-depth", 1024, "bounded dispatch queue depth")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tlsConfig, fingerprint, err := transport.GenerateSelfSignedTLSConfig(*certValidity, "")
	if err != nil {
		slog.Error("apiserver: generate tls config", "err", err)
		os.Exit(1)
	}
	tlsConfig.NextProtos = []string{"playhouse-mesh"}
	tlsConfig.InsecureSkipVerify = true
	slog.Info("apiserver: mesh TLS certificate fingerprint", "fingerprint", fingerprint)

	peerMap, err := parsePeers(*peers)
	if err != nil {
		slog.Error("apiserver: parse -peers", "err", err)
		os.Exit(1)
	}

	opts := playhouse.ApiServerOptions{
		Self:           wire.Nid(*self),
		MeshAddr:       *meshAddr,
		MeshTLS:        tlsConfig,
		Peers:          peerMap,
		AdminAddr:      *adminAddr,
		Workers:        *workers,
		QueueDepth:     *queueDepth,
		RequestTimeout: *requestTimeout,
		Services:       []uint16{2},
	}

	srv := playhouse.NewApiServer(opts)
	srv.UseController("Ping", pingController)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("apiserver: shutting down")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		slog.Error("apiserver: exited with error", "err", err)
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

// pingController is a trivial handler demonstrating the apiserver.HandlerFunc
// shape: it echoes the request body back as the reply.
func pingController(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
	reply := wire.RoutePacket{
		Header:  wire.RouteHeader{MsgID: pkt.Header.MsgID, ErrorCode: wire.Success},
		Payload: payload.Borrow(mustBytes(pkt)),
	}
	return &reply, nil
}

func mustBytes(pkt wire.RoutePacket) []byte {
	if pkt.Payload == nil {
		return nil
	}
	b, err := pkt.Payload.Bytes()
	if err != nil {
		return nil
	}
	return b
}

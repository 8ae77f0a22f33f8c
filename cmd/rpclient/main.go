// rpclient: the Rural Pipe client. Opens the tunnel device and carries its
// traffic over one connection per configured uplink interface (TCP, or a
// QUIC stream when use_quic is set).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/kaloianm/rural-pipe/internal/config"
	"github.com/kaloianm/rural-pipe/internal/ctl"
	"github.com/kaloianm/rural-pipe/internal/logging"
	"github.com/kaloianm/rural-pipe/internal/sock"
	"github.com/kaloianm/rural-pipe/internal/transport"
	"github.com/kaloianm/rural-pipe/internal/tun"
	"github.com/kaloianm/rural-pipe/internal/tunnel"
)

func main() {
	cfgPath := flag.String("config", "client.yaml", "path to the client YAML config")
	flag.Parse()

	cfg, err := config.LoadClient(*cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	out := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("log file: %v", err)
		}
		defer f.Close()
		out = f
	}
	logr := logging.New(cfg.LogLevel, out)

	logr.Infof("Rural Pipe client starting with server %s:%d and tunnel interface %s listening on %d queues",
		cfg.ServerHost, cfg.ServerPort, cfg.TunName, cfg.NQueues)

	dev, err := tun.Open(cfg.TunName, cfg.NQueues)
	if err != nil {
		logr.Fatalf("Opening tunnel device: %v", err)
	}
	defer dev.Close()

	mtu, err := dev.MTU()
	if err != nil {
		logr.Fatalf("Reading tunnel device MTU: %v", err)
	}
	logr.Infof("Created tunnel device %s with MTU %d", dev.Name(), mtu)

	tunnelPC := tunnel.New(dev.Queues(), mtu, logr)
	defer tunnelPC.Close()

	signKey, _ := cfg.SignKeyBytes()
	sessionID := uuid.New()
	sockPC := sock.New(&sessionID, tunnelPC, sock.Options{SignKey: signKey, Compress: cfg.Compress}, logr)
	defer sockPC.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CtlSocket != "" {
		cmdSrv, err := ctl.NewServer(cfg.CtlSocket, func(args []string) string {
			switch args[0] {
			case "stats":
				return formatStats(tunnelPC, sockPC)
			case "exit":
				stop()
				return "ok"
			default:
				return fmt.Sprintf("unknown command %q", args[0])
			}
		}, logr)
		if err != nil {
			logr.Fatalf("Commands server: %v", err)
		}
		defer cmdSrv.Close()
	}

	for _, iface := range cfg.Interfaces {
		go connectLoop(ctx, cfg, iface, sockPC, logr)
	}

	logr.Infof("Rural Pipe client running")
	<-ctx.Done()
	logr.Infof("Rural Pipe client shutting down")
}

// connectLoop establishes the connection for one uplink interface, retrying
// with backoff while the server is unreachable.
func connectLoop(ctx context.Context, cfg *config.Client, iface string, sockPC *sock.SocketProducerConsumer, logr *logging.Logger) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	for {
		var conn net.Conn
		var err error
		if cfg.UseQUIC {
			conn, err = transport.DialStream(ctx, addr, nil)
		} else {
			conn, err = transport.Dial(ctx, cfg.ServerHost, cfg.ServerPort, iface)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := b.Duration()
			logr.Debugf("Server not yet reachable on interface %q: %v; retrying in %v", iface, err, d)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		logr.Infof("Connected to server on interface %q", iface)
		sockPC.AddSocket(conn)
		return
	}
}

func formatStats(tunnelPC *tunnel.TunnelProducerConsumer, sockPC *sock.SocketProducerConsumer) string {
	var sb strings.Builder
	for i, q := range tunnelPC.Stats() {
		fmt.Fprintf(&sb, "queue %d: in=%d out=%d\n", i, q.BytesIn, q.BytesOut)
	}
	for _, sess := range sockPC.Stats() {
		fmt.Fprintf(&sb, "session %s:\n", sess.ID)
		for _, st := range sess.Streams {
			fmt.Fprintf(&sb, "  stream %s: sent=%d sending=%d inUse=%v\n",
				st.Remote, st.BytesSent, st.BytesSending, st.InUse)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// rpserver: the Rural Pipe server. Accepts client streams, reassembles their
// frames and routes the datagrams through its own tunnel device.
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

	"github.com/quic-go/quic-go"

	"github.com/kaloianm/rural-pipe/internal/config"
	"github.com/kaloianm/rural-pipe/internal/ctl"
	"github.com/kaloianm/rural-pipe/internal/logging"
	"github.com/kaloianm/rural-pipe/internal/sock"
	"github.com/kaloianm/rural-pipe/internal/transport"
	"github.com/kaloianm/rural-pipe/internal/tun"
	"github.com/kaloianm/rural-pipe/internal/tunnel"
)

func main() {
	cfgPath := flag.String("config", "server.yaml", "path to the server YAML config")
	flag.Parse()

	cfg, err := config.LoadServer(*cfgPath)
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

	logr.Infof("Rural Pipe server starting on port %d with %d queues", cfg.Port, cfg.NQueues)

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
	sockPC := sock.New(nil /* server */, tunnelPC, sock.Options{SignKey: signKey, Compress: cfg.Compress}, logr)
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

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logr.Fatalf("Listening on port %d: %v", cfg.Port, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go acceptLoop(ln, sockPC, logr)

	if cfg.UseQUIC {
		tlsConf, err := transport.GenerateServerTLS()
		if err != nil {
			logr.Fatalf("QUIC TLS: %v", err)
		}
		ql, err := transport.ListenAddr(fmt.Sprintf(":%d", cfg.Port), tlsConf)
		if err != nil {
			logr.Fatalf("QUIC listen: %v", err)
		}
		go func() {
			<-ctx.Done()
			_ = ql.Close()
		}()
		go acceptQUICLoop(ctx, ql, sockPC, logr)
	}

	// Tells the startup script the tunnel device exists and routing can be
	// configured.
	fmt.Println("Rural Pipe running")
	logr.Infof("Rural Pipe server running")
	<-ctx.Done()
	logr.Infof("Rural Pipe server shutting down")
}

func acceptLoop(ln net.Listener, sockPC *sock.SocketProducerConsumer, logr *logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		logr.Infof("Accepted connection from %s", conn.RemoteAddr())
		sockPC.AddSocket(conn)
	}
}

func acceptQUICLoop(ctx context.Context, ql *quic.Listener, sockPC *sock.SocketProducerConsumer, logr *logging.Logger) {
	for {
		qconn, err := ql.Accept(ctx)
		if err != nil {
			return
		}
		logr.Infof("Accepted QUIC connection from %s", qconn.RemoteAddr())
		go func() {
			for {
				stream, err := qconn.AcceptStream(ctx)
				if err != nil {
					return
				}
				sockPC.AddSocket(transport.WrapStream(qconn, stream))
			}
		}()
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

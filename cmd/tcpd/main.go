// Command tcpd runs the TCP endpoint (spec §4.1) as a standalone daemon: it
// binds a raw IPv4 socket for a chosen interface, feeds inbound TCP
// datagrams to a tcpstack.Stack, and echoes every byte a connected peer
// sends back to it before closing — exercising the round-trip property
// spec.md §8 names ("sending N bytes then closing ... results in exactly N
// bytes received").
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
	"github.com/tinyrange/netlab/internal/pcap"
	"github.com/tinyrange/netlab/internal/tcpstack"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	port := fs.Int("port", 0, "TCP listen port (overrides config)")
	pcapPath := fs.String("pcap", "", "optional path to write a libpcap capture of every IPv4 datagram")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ip4conn, err := net.ListenIP("ip4:tcp", &net.IPAddr{IP: net.ParseIP(cfg.ListenAddr)})
	if err != nil {
		log.Error("tcpd: failed to bind raw ipv4 socket", "error", err)
		os.Exit(1)
	}
	rawConn, err := ipv4.NewRawConn(ip4conn)
	if err != nil {
		log.Error("tcpd: failed to wrap raw socket", "error", err)
		os.Exit(1)
	}

	var capWriter *pcap.Writer
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			log.Error("tcpd: failed to create pcap output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		capWriter = pcap.NewWriter(f)
		if err := capWriter.WriteFileHeader(65535, pcap.LinkTypeRaw); err != nil {
			log.Error("tcpd: failed to write pcap header", "error", err)
			os.Exit(1)
		}
		log.Info("tcpd: capturing datagrams", "path", *pcapPath)
	}

	ipw := &rawIPWriter{conn: rawConn}
	ipw.setCapture(capWriter)
	m := metrics.NewTCP()
	stack := tcpstack.NewStack(ipw, clock.Real(), log, m)

	listener, err := stack.Listen(net.ParseIP(cfg.ListenAddr), uint16(cfg.ListenPort))
	if err != nil {
		log.Error("tcpd: failed to bind", "port", cfg.ListenPort, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		return recvLoop(rawConn, capWriter, stack.DeliverSegment, stop)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.DebugAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("tcpd: debug http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(stop)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if err == net.ErrClosed {
					return nil
				}
				return fmt.Errorf("tcpd: accept: %w", err)
			}
			go echo(log, conn)
		}
	})

	log.Info("tcpd: listening", "addr", cfg.ListenAddr, "port", cfg.ListenPort)
	if err := g.Wait(); err != nil {
		log.Error("tcpd: exiting", "error", err)
		os.Exit(1)
	}
}

func echo(log *slog.Logger, conn net.Conn) {
	defer conn.Close()
	n, err := io.Copy(conn, conn)
	if err != nil {
		log.Debug("tcpd: connection ended", "bytes", n, "error", err)
		return
	}
	log.Debug("tcpd: connection closed", "bytes", n)
}

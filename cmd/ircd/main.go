// Command ircd runs the IRC dispatch core (spec §4.3) as a standalone
// server: one worker goroutine per accepted connection, dispatching into
// the shared client/channel registries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/netlab/internal/ircd"
	"github.com/tinyrange/netlab/internal/metrics"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	port := fs.Int("port", 0, "listen port (overrides config)")
	hostname := fs.String("hostname", "", "server hostname used in replies (overrides config)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *hostname != "" {
		cfg.Hostname = *hostname
	}
	if cfg.OperatorPassword == "" {
		cfg.OperatorPassword = os.Getenv("IRCD_OPERATOR_PASSWORD")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := metrics.NewIRC()
	srv := ircd.NewServer(cfg.Hostname, cfg.OperatorPassword, log, m)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Error("ircd: failed to bind", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				return fmt.Errorf("ircd: accept: %w", err)
			}
			go srv.ServeConn(conn)
		}
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		httpSrv := &http.Server{Addr: cfg.DebugAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			httpSrv.Close()
		}()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ircd: debug http server: %w", err)
		}
		return nil
	})

	log.Info("ircd: listening", "port", cfg.Port, "hostname", cfg.Hostname)
	if err := g.Wait(); err != nil {
		log.Error("ircd: exiting", "error", err)
		os.Exit(1)
	}
}

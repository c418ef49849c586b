// Command routerd runs the IP router (spec §4.2) as a standalone daemon:
// it loads a topology file describing its interfaces and a routing-table
// file, dials a simulator socket per interface, and forwards frames
// between them per the router's ARP/IPv4/ICMP logic.
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

	"github.com/tinyrange/netlab/internal/clock"
	"github.com/tinyrange/netlab/internal/metrics"
	"github.com/tinyrange/netlab/internal/pcap"
	"github.com/tinyrange/netlab/internal/router"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	topologyPath := fs.String("topology", "", "path to the topology YAML file")
	routesPath := fs.String("routes", "", "path to the routing-table YAML file")
	pcapPath := fs.String("pcap", "", "optional path to write a libpcap capture of every frame crossing the router")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *topologyPath == "" || *routesPath == "" {
		fmt.Fprintln(os.Stderr, "routerd: -topology and -routes are required")
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	topo, err := loadTopology(*topologyPath)
	if err != nil {
		log.Error("routerd: failed to load topology", "error", err)
		os.Exit(1)
	}
	routesCfg, err := loadRoutes(*routesPath)
	if err != nil {
		log.Error("routerd: failed to load routes", "error", err)
		os.Exit(1)
	}

	links := make(map[string]*simLink, len(topo.Interfaces))
	for _, ic := range topo.Interfaces {
		l, err := dialSimLink(ic.Name, ic.Socket)
		if err != nil {
			log.Error("routerd: failed to bind interface", "interface", ic.Name, "error", err)
			os.Exit(1)
		}
		links[ic.Name] = l
	}

	ml := &multiLink{links: links}
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			log.Error("routerd: failed to create pcap output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		pw := pcap.NewWriter(f)
		if err := pw.WriteFileHeader(65535, pcap.LinkTypeEthernet); err != nil {
			log.Error("routerd: failed to write pcap header", "error", err)
			os.Exit(1)
		}
		ml.setCapture(pw)
		log.Info("routerd: capturing frames", "path", *pcapPath)
	}

	m := metrics.NewRouter()
	r := router.New(ml, clock.Real(), log, m)

	for _, ic := range topo.Interfaces {
		mac, err := net.ParseMAC(ic.MAC)
		if err != nil {
			log.Error("routerd: invalid MAC", "interface", ic.Name, "error", err)
			os.Exit(1)
		}
		mask, err := parseMaskDotted(ic.Mask)
		if err != nil {
			log.Error("routerd: invalid mask", "interface", ic.Name, "error", err)
			os.Exit(1)
		}
		r.AddInterface(router.Interface{
			Name: ic.Name,
			MAC:  mac,
			IP:   net.ParseIP(ic.IP),
			Mask: mask,
		})
	}

	for _, re := range routesCfg.Routes {
		_, dest, err := net.ParseCIDR(re.Dest)
		if err != nil {
			log.Error("routerd: invalid route destination", "dest", re.Dest, "error", err)
			os.Exit(1)
		}
		r.Routes().Add(router.Route{
			Dest:    dest,
			Gateway: net.ParseIP(re.Gateway),
			Iface:   re.Iface,
		})
	}

	r.StartARPRetrySweep()
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for name, link := range links {
		name, link := name, link
		g.Go(func() error {
			return link.readLoop(func(iface string, frame []byte) error {
				ml.capture(frame)
				if err := r.ProcessFrame(iface, frame); err != nil {
					log.Debug("routerd: dropped frame", "interface", iface, "error", err)
				}
				return nil
			})
		})
		log.Info("routerd: interface attached", "interface", name)
	}

	debugAddr := topo.DebugAddr
	if debugAddr == "" {
		debugAddr = "127.0.0.1:9101"
	}
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: debugAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("routerd: debug http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("routerd: exiting", "error", err)
		os.Exit(1)
	}
}

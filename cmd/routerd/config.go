package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// topologyFile describes the router's attachment points and the simulator
// socket each one dials to exchange frames (spec §6.4: "binds to a
// simulator socket").
type topologyFile struct {
	Interfaces []ifaceConfig `yaml:"interfaces"`
	DebugAddr  string        `yaml:"debug_addr"`
}

type ifaceConfig struct {
	Name   string `yaml:"name"`
	MAC    string `yaml:"mac"`
	IP     string `yaml:"ip"`
	Mask   string `yaml:"mask"` // dotted-quad, e.g. 255.255.255.0
	Socket string `yaml:"socket"`
}

// routeEntry is one line of the routing-table file.
type routeEntry struct {
	Dest    string `yaml:"dest"` // CIDR, e.g. 10.0.1.0/24
	Gateway string `yaml:"gateway,omitempty"`
	Iface   string `yaml:"iface"`
}

type routesFile struct {
	Routes []routeEntry `yaml:"routes"`
}

func loadTopology(path string) (topologyFile, error) {
	var t topologyFile
	f, err := os.Open(path)
	if err != nil {
		return t, fmt.Errorf("routerd: open topology file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&t); err != nil {
		return t, fmt.Errorf("routerd: parse topology file: %w", err)
	}
	return t, nil
}

func loadRoutes(path string) (routesFile, error) {
	var r routesFile
	f, err := os.Open(path)
	if err != nil {
		return r, fmt.Errorf("routerd: open routing-table file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&r); err != nil {
		return r, fmt.Errorf("routerd: parse routing-table file: %w", err)
	}
	return r, nil
}

func parseMaskDotted(s string) (net.IPMask, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("routerd: invalid mask %q", s)
	}
	return net.IPMask(ip.To4()), nil
}

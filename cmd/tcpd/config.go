package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes cmd/tcpd's startup parameters (spec §6.4: "TCP daemon:
// port to listen on; exits non-zero on failure to bind"), loaded from YAML
// and overridable by flags the way the teacher's cmd/* entry points layer
// flag.FlagSet on top of a config file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`
	Interface  string `yaml:"interface"`
	MSS        int    `yaml:"mss"`
	DebugAddr  string `yaml:"debug_addr"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0",
		ListenPort: 7000,
		MSS:        1460,
		DebugAddr:  "127.0.0.1:9100",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("tcpd: open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("tcpd: parse config: %w", err)
	}
	return cfg, nil
}

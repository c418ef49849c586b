package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes cmd/ircd's startup parameters: listen port, server
// hostname, operator password, and the debug HTTP address. There is no
// network-file setting.
type Config struct {
	Port             int    `yaml:"port"`
	Hostname         string `yaml:"hostname"`
	OperatorPassword string `yaml:"operator_password"`
	DebugAddr        string `yaml:"debug_addr"`
}

func defaultConfig() Config {
	return Config{
		Port:      6667,
		Hostname:  "netlab.irc",
		DebugAddr: "127.0.0.1:9102",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("ircd: open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("ircd: parse config: %w", err)
	}
	return cfg, nil
}

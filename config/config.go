package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the stack bring-up parameters.
type Config struct {
	Debug           bool   `yaml:"debug"`           // verbose per-packet tracing
	TapName         string `yaml:"tapName"`         // kernel TAP interface to attach
	IPAddress       string `yaml:"ipAddress"`       // unicast address on the TAP interface
	Netmask         string `yaml:"netmask"`         // netmask on the TAP interface
	Gateway         string `yaml:"gateway"`         // default gateway
	LoopbackAddress string `yaml:"loopbackAddress"` // unicast address on the loopback device
	LoopbackNetmask string `yaml:"loopbackNetmask"` // netmask on the loopback device
	PayloadPoolSize int    `yaml:"payloadPoolSize"` // frame chunks backing the input queues
}

var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		Debug:           false,
		TapName:         "tap0",
		IPAddress:       "192.0.2.2",
		Netmask:         "255.255.255.0",
		Gateway:         "192.0.2.1",
		LoopbackAddress: "127.0.0.1",
		LoopbackNetmask: "255.0.0.0",
		PayloadPoolSize: 256,
	}
}

// ReadConfig loads the YAML configuration file at path; fields absent
// from the file keep their default values.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Package config loads the YAML configuration of the two binaries.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the server port the original deployment uses.
	DefaultPort = 50003

	// maxSignKeySize is the BLAKE2b key limit.
	maxSignKeySize = 64
)

// Common holds the options both binaries share.
type Common struct {
	NQueues   int    `yaml:"nqueues"`
	TunName   string `yaml:"tun_name"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	SignKey   string `yaml:"sign_key"` // hex-encoded, empty = unsigned
	Compress  bool   `yaml:"compress"`
	UseQUIC   bool   `yaml:"use_quic"`
	CtlSocket string `yaml:"ctl_socket"`
}

// Client is the rpclient configuration.
type Client struct {
	Common     `yaml:",inline"`
	ServerHost string   `yaml:"server_host"`
	ServerPort int      `yaml:"server_port"`
	Interfaces []string `yaml:"interfaces"`
}

// Server is the rpserver configuration.
type Server struct {
	Common `yaml:",inline"`
	Port   int `yaml:"port"`
}

func (c *Common) applyDefaults(tunName string) error {
	if c.NQueues == 0 {
		c.NQueues = 1
	}
	if c.NQueues < 0 {
		return fmt.Errorf("nqueues must be positive")
	}
	if c.TunName == "" {
		c.TunName = tunName
	}
	if _, err := c.SignKeyBytes(); err != nil {
		return err
	}
	return nil
}

// SignKeyBytes decodes the hex signing key; empty means signing is off.
func (c *Common) SignKeyBytes() ([]byte, error) {
	if c.SignKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SignKey)
	if err != nil {
		return nil, fmt.Errorf("sign_key is not valid hex: %w", err)
	}
	if len(key) > maxSignKeySize {
		return nil, fmt.Errorf("sign_key exceeds %d bytes", maxSignKeySize)
	}
	return key, nil
}

// LoadClient reads and validates a client configuration file.
func LoadClient(path string) (*Client, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Client{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults("rpi"); err != nil {
		return nil, err
	}
	if cfg.ServerHost == "" {
		return nil, fmt.Errorf("server_host required")
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultPort
	}
	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("server_port invalid")
	}
	if len(cfg.Interfaces) == 0 {
		// A single unpinned connection over the default route.
		cfg.Interfaces = []string{""}
	}
	return cfg, nil
}

// LoadServer reads and validates a server configuration file.
func LoadServer(path string) (*Server, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Server{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults("rpis"); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port invalid")
	}
	return cfg, nil
}

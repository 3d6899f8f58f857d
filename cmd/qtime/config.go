package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kardianos/qfeature"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration file.
type Config struct {
	// Hub is the hub address, host:port.
	Hub string `yaml:"hub"`
	// Nameserver, if set, resolves the hub host on this DNS server
	// instead of the system resolver. Port 53 is assumed if missing.
	Nameserver string `yaml:"nameserver"`
	// ServerName must match the hub certificate. Defaults to "localhost".
	ServerName string `yaml:"server_name"`
	// Certs is a directory written by "qtime certs".
	Certs string `yaml:"certs"`
	// Machine selects <machine>.pem in Certs; it is also the session machine name.
	Machine  string `yaml:"machine"`
	Resource string `yaml:"resource"`

	AutoEnable   *bool         `yaml:"auto_enable"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	Cache       CacheConfig `yaml:"cache"`
	MetricsAddr string      `yaml:"metrics_addr"`
	LogLevel    string      `yaml:"log_level"`
}

// CacheConfig configures the peer capability cache.
type CacheConfig struct {
	// Path of the persistent cache. Memory only if empty.
	Path string        `yaml:"path"`
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

var errConfig = errors.New("invalid config")

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ServerName == "" {
		c.ServerName = "localhost"
	}
	if c.Nameserver != "" {
		if _, _, err := net.SplitHostPort(c.Nameserver); err != nil {
			c.Nameserver = net.JoinHostPort(c.Nameserver, "53")
		}
	}
	if c.AutoEnable == nil {
		enable := true
		c.AutoEnable = &enable
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = qfeature.DefaultReplyTimeout
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 256
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first missing required field.
func (c *Config) Validate() error {
	switch {
	case c.Hub == "":
		return fmt.Errorf("%w: hub is required", errConfig)
	case c.Certs == "":
		return fmt.Errorf("%w: certs is required", errConfig)
	case c.Machine == "":
		return fmt.Errorf("%w: machine is required", errConfig)
	}
	return nil
}

// Resolver returns the hub resolver, or nil to dial Hub as given.
func (c *Config) Resolver() qfeature.Resolver {
	if c.Nameserver == "" {
		return nil
	}
	return &qfeature.DNSResolver{Nameserver: c.Nameserver}
}

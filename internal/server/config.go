package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8000
	DefaultDir  = "server_files"
)

type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Dir              string        `mapstructure:"dir"`
	AdminAddr        string        `mapstructure:"admin_addr"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxPayload       int           `mapstructure:"max_payload"`
	LogFile          string        `mapstructure:"log_file"`
	Path             string        `mapstructure:"-"`
}

// Validate checks the config, fills defaults and resolves paths. Port 0 picks a
// free port.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("`port` must be between 0 and 65535, got %d", c.Port)
	}

	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("`dir` %q: %w", c.Dir, err)
	}
	c.Dir = dir

	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("`admin_addr` %q: %w", c.AdminAddr, err)
		}
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = wireproto.DefaultServerHandshakeTimeout
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("`write_timeout` must be positive, got %s", c.WriteTimeout)
	} else if c.WriteTimeout == 0 {
		c.WriteTimeout = wireproto.DefaultWriteTimeout
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("`max_payload` must be positive, got %d", c.MaxPayload)
	} else if c.MaxPayload == 0 {
		c.MaxPayload = wireproto.DefaultMaxPayload
	}

	if c.LogFile != "" {
		logFile, err := utils.ResolvePath(c.LogFile)
		if err != nil {
			return fmt.Errorf("`log_file` %q: %w", c.LogFile, err)
		}
		c.LogFile = logFile
	}

	return nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

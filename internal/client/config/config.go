package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

const (
	DefaultHost         = "localhost"
	DefaultPort         = 8000
	DefaultDir          = "client_files"
	DefaultPollInterval = time.Second
	DefaultEncoding     = "msgpack"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".syncrelay", "client.json")
)

type Config struct {
	ID               string        `mapstructure:"id"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Dir              string        `mapstructure:"dir"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Encoding         string        `mapstructure:"encoding"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	LogFile          string        `mapstructure:"log_file"`
	Path             string        `mapstructure:"-"`
}

// Validate checks the config, fills defaults and resolves paths.
// A missing ID is replaced by a random one that lives as long as the process.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("`host` is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("`port` must be between 1 and 65535, got %d", c.Port)
	}

	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("`dir` %q: %w", c.Dir, err)
	}
	c.Dir = dir

	if c.PollInterval < 0 {
		return fmt.Errorf("`poll_interval` must be positive, got %s", c.PollInterval)
	} else if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if _, err := wireproto.ParseEncoding(c.Encoding); err != nil {
		return fmt.Errorf("`encoding`: %w", err)
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = wireproto.DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = wireproto.DefaultClientHandshakeTimeout
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
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

// Addr is the relay address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WireEncoding returns the parsed payload encoding.
func (c *Config) WireEncoding() wireproto.Encoding {
	enc, _ := wireproto.ParseEncoding(c.Encoding)
	return enc
}

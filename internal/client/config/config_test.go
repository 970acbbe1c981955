package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/syncrelay/syncrelay/internal/wireproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		Host: "localhost",
		Port: 8000,
		Dir:  filepath.Join(tmp, "client_files"),
	}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Dir))
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultEncoding, cfg.Encoding)
	assert.Equal(t, wireproto.DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, wireproto.DefaultClientHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, "localhost:8000", cfg.Addr())
	assert.Equal(t, wireproto.EncodingMsgPack, cfg.WireEncoding())

	_, err := uuid.Parse(cfg.ID)
	assert.NoError(t, err)
}

func TestConfig_Validate_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		ID:           "fixed-id",
		Host:         "relay.local",
		Port:         9000,
		Dir:          t.TempDir(),
		PollInterval: 250 * time.Millisecond,
		Encoding:     "json",
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "fixed-id", cfg.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, wireproto.EncodingJSON, cfg.WireEncoding())
	assert.Equal(t, "relay.local:9000", cfg.Addr())
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing host", Config{Port: 8000, Dir: tmp}, "host"},
		{"bad port", Config{Host: "localhost", Port: 70000, Dir: tmp}, "port"},
		{"negative poll", Config{Host: "localhost", Port: 8000, Dir: tmp, PollInterval: -time.Second}, "poll_interval"},
		{"bad encoding", Config{Host: "localhost", Port: 8000, Dir: tmp, Encoding: "xml"}, "encoding"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestConfig_Validate_IPv6Addr(t *testing.T) {
	cfg := &Config{Host: "::1", Port: 8000, Dir: t.TempDir()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "[::1]:8000", cfg.Addr())
}

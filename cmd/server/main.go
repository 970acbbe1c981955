package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/syncrelay/syncrelay/internal/server"
	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/syncrelay/syncrelay/internal/version"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

// flag name -> config key
var configFlags = map[string]string{
	"host":       "host",
	"port":       "port",
	"dir":        "dir",
	"admin-addr": "admin_addr",
	"log-file":   "log_file",

	"handshake-timeout": "handshake_timeout",
	"write-timeout":     "write_timeout",
	"max-payload":       "max_payload",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncrelay-server",
		Short:   "Relay file changes between syncrelay clients",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := setupLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			showHeader(cfg)

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("host", "H", server.DefaultHost, "Address to bind")
	cmd.Flags().IntP("port", "p", server.DefaultPort, "Port to bind")
	cmd.Flags().StringP("dir", "d", server.DefaultDir, "Storage root")
	cmd.Flags().String("admin-addr", "", "Admin HTTP address, e.g. 127.0.0.1:8001 (disabled when empty)")
	cmd.Flags().String("log-file", "", "Also write logs to this file")
	cmd.Flags().Duration("handshake-timeout", wireproto.DefaultServerHandshakeTimeout, "Time a new connection has to identify itself")
	cmd.Flags().Duration("write-timeout", wireproto.DefaultWriteTimeout, "Time a client may stall before it is disconnected")
	cmd.Flags().String("max-payload", humanize.IBytes(wireproto.DefaultMaxPayload), "Largest accepted frame, e.g. 64MiB")
	cmd.PersistentFlags().StringP("config", "c", "", "Config file (json, yaml or toml)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config read '%s': %w", configPath, err)
			}
			return nil, fmt.Errorf("config file '%s' not found", configPath)
		}
	}

	for flag, key := range configFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("SYNCRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	maxPayload, err := humanize.ParseBytes(v.GetString("max_payload"))
	if err != nil {
		return nil, fmt.Errorf("`max_payload`: %w", err)
	} else if maxPayload > math.MaxUint32 {
		return nil, fmt.Errorf("`max_payload` must be at most %s, got %s", humanize.IBytes(math.MaxUint32), humanize.IBytes(maxPayload))
	}

	return &server.Config{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		Dir:              v.GetString("dir"),
		AdminAddr:        v.GetString("admin_addr"),
		HandshakeTimeout: v.GetDuration("handshake_timeout"),
		WriteTimeout:     v.GetDuration("write_timeout"),
		MaxPayload:       int(maxPayload),
		LogFile:          v.GetString("log_file"),
		Path:             configPath,
	}, nil
}

func setupLogger(logFile string) (func(), error) {
	handler, closer, err := utils.NewLogHandler(utils.LogOptions{
		Level:   slog.LevelDebug,
		Console: os.Stdout,
		LogFile: logFile,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return func() { closer.Close() }, nil
}

func showHeader(cfg *server.Config) {
	color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp() + " server")
	fmt.Printf("%s %s\n", green("listen"), cyan(cfg.Addr()))
	fmt.Printf("%s %s\n", green("dir   "), cyan(cfg.Dir))
	if cfg.AdminAddr != "" {
		fmt.Printf("%s %s\n", green("admin "), cyan("http://"+cfg.AdminAddr))
	}
	fmt.Println()
}

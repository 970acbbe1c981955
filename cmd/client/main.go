package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/syncrelay/syncrelay/internal/client"
	"github.com/syncrelay/syncrelay/internal/client/config"
	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/syncrelay/syncrelay/internal/version"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

// flag name -> config key
var configFlags = map[string]string{
	"id":            "id",
	"host":          "host",
	"port":          "port",
	"dir":           "dir",
	"poll-interval": "poll_interval",
	"encoding":      "encoding",
	"log-file":      "log_file",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncrelay-client",
		Short:   "Keep a local directory in sync through a syncrelay server",
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

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return c.Start(cmd.Context())
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().String("id", "", "Client id (random when empty)")
	cmd.Flags().StringP("host", "H", config.DefaultHost, "Relay host")
	cmd.Flags().IntP("port", "p", config.DefaultPort, "Relay port")
	cmd.Flags().StringP("dir", "d", config.DefaultDir, "Directory to keep in sync")
	cmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "Interval between directory scans")
	cmd.Flags().String("encoding", config.DefaultEncoding, "Payload encoding (msgpack, json)")
	cmd.Flags().String("log-file", "", "Also write logs to this file")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file (json, yaml or toml)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges, in increasing priority, flag defaults, the config file,
// SYNCRELAY_* environment variables and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	configPath, _ := cmd.Flags().GetString("config")
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
		configPath = ""
	}

	for flag, key := range configFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("SYNCRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return &config.Config{
		ID:           v.GetString("id"),
		Host:         v.GetString("host"),
		Port:         v.GetInt("port"),
		Dir:          v.GetString("dir"),
		PollInterval: v.GetDuration("poll_interval"),
		Encoding:     v.GetString("encoding"),
		LogFile:      v.GetString("log_file"),
		Path:         configPath,
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

func showHeader(cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp() + " client")
	fmt.Printf("%s %s\n", green("relay"), cyan(cfg.Addr()))
	fmt.Printf("%s %s\n", green("dir  "), cyan(cfg.Dir))
	fmt.Printf("%s %s\n\n", green("id   "), cyan(cfg.ID))
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/config"
	"github.com/iago/health-records-back/internal/logs"
	"github.com/iago/health-records-back/internal/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "UPLOADCTL"

// settings are resolved from flags, UPLOADCTL_* variables and an optional
// config file, in that order of precedence.
type settings struct {
	BackendURL      string
	Session         string
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	LogLevel        string
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "uploadctl",
		Short:         "Drive health report uploads against the records backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = config.LoadDotEnv(".env", ".env.local")
			return readConfig(v, cfgFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("backend-url", "http://localhost:8000", "records backend base URL")
	flags.String("session", "", "session cookie value or full Cookie header")
	flags.Duration("timeout", workflow.DefaultCallTimeout, "timeout for each backend call")
	flags.Duration("poll-interval", workflow.DefaultPollInterval, "delay between processing status checks")
	flags.Int("max-poll-attempts", workflow.DefaultMaxPollAttempts, "status checks before giving up")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = v.BindPFlags(flags)

	cmd.AddCommand(newUploadCommand(v))
	cmd.AddCommand(newStatusCommand(v))
	cmd.AddCommand(newChatCommand(v))
	return cmd
}

func readConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if backendURL := strings.TrimSpace(config.Load().BackendURL); backendURL != "" {
		v.SetDefault("backend-url", backendURL)
	}

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		BackendURL:      v.GetString("backend-url"),
		Session:         v.GetString("session"),
		Timeout:         v.GetDuration("timeout"),
		PollInterval:    v.GetDuration("poll-interval"),
		MaxPollAttempts: v.GetInt("max-poll-attempts"),
		LogLevel:        v.GetString("log-level"),
	}
}

func (s settings) logger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logs.ParseLevel(s.LogLevel)}))
}

func (s settings) client(logger *slog.Logger) *backend.Client {
	return backend.NewClient(backend.ClientConfig{
		BaseURL: s.BackendURL,
		Timeout: s.Timeout,
		Logger:  logger,
	})
}

// cookie accepts a bare session id or a ready made Cookie header.
func (s settings) cookie() (string, error) {
	session := strings.TrimSpace(s.Session)
	if session == "" {
		return "", errors.New("a session is required: pass --session or set UPLOADCTL_SESSION")
	}
	if strings.Contains(session, "=") {
		return session, nil
	}
	return "session_id=" + session, nil
}

// Package config loads the endpoint and server settings shared by the
// binaries from an optional ini file and the environment.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/Zereker/acksocket"
)

// ServerConf configures cmd/ackserver.
type ServerConf struct {
	Host       string `ini:"host"`
	Port       int    `ini:"port"`
	Network    string `ini:"network"`
	Backlog    int    `ini:"backlog"`
	Mode       string `ini:"mode"`
	MaxWorkers int    `ini:"max_workers"`
}

// ClientConf configures cmd/ackclient.
type ClientConf struct {
	Host    string `ini:"host"`
	Port    int    `ini:"port"`
	Network string `ini:"network"`
	Message string `ini:"message"`
}

// LogConf configures the console logger.
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the whole configuration file. Each struct maps to an ini section.
type Config struct {
	Server ServerConf `ini:"server"`
	Client ClientConf `ini:"client"`
	Log    LogConf    `ini:"log"`
}

// Default returns the compiled-in settings. The server binds the wildcard
// address.
func Default() *Config {
	return &Config{
		Server: ServerConf{
			Port:       acksocket.DefaultPort,
			Network:    "tcp",
			Backlog:    acksocket.DefaultBacklog,
			Mode:       acksocket.DispatchConcurrent.String(),
			MaxWorkers: acksocket.DefaultMaxWorkers,
		},
		Client: ClientConf{
			Host:    acksocket.DefaultHost,
			Port:    acksocket.DefaultPort,
			Network: "tcp",
			Message: string(acksocket.DefaultMessage),
		},
		Log: LogConf{Level: "info"},
	}
}

// Load returns the defaults overlaid with fileName, when given, and then
// with the environment. Keys missing from the file keep their defaults.
func Load(fileName string) (*Config, error) {
	cfg := Default()

	if fileName != "" {
		f, err := ini.Load(fileName)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", fileName)
		}
		if err = f.MapTo(cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to map config file %s", fileName)
		}
	}

	overrideFromEnv(&cfg.Client.Host, "ACK_HOST")
	overrideFromEnv(&cfg.Server.Host, "ACK_BIND_HOST")
	overrideFromEnvInt(&cfg.Client.Port, "ACK_PORT")
	overrideFromEnvInt(&cfg.Server.Port, "ACK_PORT")
	overrideFromEnv(&cfg.Server.Mode, "ACK_MODE")
	overrideFromEnv(&cfg.Log.Level, "ACK_LOG_LEVEL")

	return cfg, nil
}

// Validate checks the settings the binaries cannot run without.
func (c *Config) Validate() error {
	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil {
		return errors.Errorf("bind host must be a numeric IP address: %q", c.Server.Host)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Client.Port < 1 || c.Client.Port > 65535 {
		return errors.Errorf("client port out of range: %d", c.Client.Port)
	}
	if c.Server.Backlog <= 0 {
		return errors.Errorf("backlog must be positive: %d", c.Server.Backlog)
	}
	if c.Server.MaxWorkers <= 0 {
		return errors.Errorf("max_workers must be positive: %d", c.Server.MaxWorkers)
	}
	if _, err := acksocket.ParseDispatchMode(c.Server.Mode); err != nil {
		return err
	}
	for _, n := range []string{c.Server.Network, c.Client.Network} {
		if _, err := ParseNetwork(n); err != nil {
			return err
		}
	}
	return nil
}

// BindIP returns the server bind address, nil for all interfaces.
func (c ServerConf) BindIP() net.IP {
	if c.Host == "" {
		return nil
	}
	return net.ParseIP(c.Host)
}

// ParseNetwork normalizes "tcp" or "udp".
func ParseNetwork(s string) (string, error) {
	switch n := strings.ToLower(strings.TrimSpace(s)); n {
	case "tcp", "udp":
		return n, nil
	case "":
		return "tcp", nil
	default:
		return "", errors.Errorf("unsupported network %q", s)
	}
}

func overrideFromEnv(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

package sigsock

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config is the file-level configuration shared by the example server and
// client. Zero values fall back to the package defaults.
type Config struct {
	Secret string

	ServerHost  string
	ServerPort  int
	MaxClients  int
	AuthTimeout time.Duration

	ClientID       string
	ClientType     string
	KeepAlive      time.Duration
	Reconnect      bool
	ReconnectDelay time.Duration
	WaitTimeout    time.Duration

	LogLevel string
	NoPrint  []string
}

// DefaultConfig returns the defaults used when a key is absent.
func DefaultConfig() Config {
	return Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     12345,
		MaxClients:     defaultMaxClients,
		AuthTimeout:    defaultAuthTimeout,
		KeepAlive:      defaultKeepAlive,
		Reconnect:      true,
		ReconnectDelay: defaultReconnectDelay,
		WaitTimeout:    defaultWaitTimeout,
		LogLevel:       "info",
		NoPrint:        []string{MethodAlive, MethodAliveOK},
	}
}

type fileConfig struct {
	Secret string `toml:"secret"`

	Server struct {
		Host        string `toml:"host"`
		Port        int    `toml:"port"`
		MaxClients  int    `toml:"max_clients"`
		AuthTimeout string `toml:"auth_timeout"`
	} `toml:"server"`

	Client struct {
		ID             string `toml:"id"`
		Type           string `toml:"type"`
		KeepAlive      string `toml:"keep_alive"`
		Reconnect      bool   `toml:"reconnect"`
		ReconnectDelay string `toml:"reconnect_delay"`
		WaitTimeout    string `toml:"wait_timeout"`
	} `toml:"client"`

	Log struct {
		Level   string   `toml:"level"`
		NoPrint []string `toml:"no_print"`
	} `toml:"log"`
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	cfg := DefaultConfig()
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}

	if meta.IsDefined("server", "host") {
		cfg.ServerHost = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "port") {
		cfg.ServerPort = raw.Server.Port
	}
	if meta.IsDefined("server", "max_clients") {
		cfg.MaxClients = raw.Server.MaxClients
	}

	if meta.IsDefined("client", "id") {
		cfg.ClientID = strings.TrimSpace(raw.Client.ID)
	}
	if meta.IsDefined("client", "type") {
		cfg.ClientType = strings.TrimSpace(raw.Client.Type)
	}
	if meta.IsDefined("client", "reconnect") {
		cfg.Reconnect = raw.Client.Reconnect
	}

	durations := []struct {
		section string
		key     string
		raw     string
		dst     *time.Duration
	}{
		{"server", "auth_timeout", raw.Server.AuthTimeout, &cfg.AuthTimeout},
		{"client", "keep_alive", raw.Client.KeepAlive, &cfg.KeepAlive},
		{"client", "reconnect_delay", raw.Client.ReconnectDelay, &cfg.ReconnectDelay},
		{"client", "wait_timeout", raw.Client.WaitTimeout, &cfg.WaitTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.section, d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s.%s", d.section, d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "no_print") {
		cfg.NoPrint = raw.Log.NoPrint
	}

	return cfg, nil
}

// ServerAddr resolves the configured bind address.
func (c Config) ServerAddr() (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.Address())
	if err != nil {
		return nil, errors.Wrap(err, "resolve server address")
	}
	return addr, nil
}

// Address returns the configured server address as host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// ZerologLevel parses LogLevel.
func (c Config) ZerologLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, errors.Wrap(err, "parse log level")
	}
	return level, nil
}

// ServerOptions converts the configuration into server options.
func (c Config) ServerOptions() []ServerOption {
	return []ServerOption{
		ServerSecretOption(c.Secret),
		ServerMaxClientsOption(c.MaxClients),
		ServerAuthTimeoutOption(c.AuthTimeout),
		ServerPrintBlacklistOption(c.NoPrint...),
	}
}

// ClientOptions converts the configuration into client options.
func (c Config) ClientOptions() []ClientOption {
	return []ClientOption{
		ClientSecretOption(c.Secret),
		ClientIdentityOption(c.ClientID, c.ClientType),
		ClientKeepAliveOption(c.KeepAlive),
		ClientReconnectOption(c.Reconnect, c.ReconnectDelay),
		ClientWaitTimeoutOption(c.WaitTimeout),
		ClientPrintBlacklistOption(c.NoPrint...),
	}
}

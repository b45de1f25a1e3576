package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	ErrEnv     = errors.New("cannot read environment")
	ErrFlags   = errors.New("cannot parse command line arguments")
	ErrInvalid = errors.New("invalid configuration")
)

// Config is filled from environment first, command line flags override it.
type Config struct {
	Port        int    `env:"PORT" env-default:"3000"`
	ListenAddr  string `env:"LISTEN_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
	ServiceName string `env:"SERVICE_NAME" env-default:"signal-relay"`

	AllowAnonymous    bool   `env:"ALLOW_ANONYMOUS" env-default:"true"`
	UnknownTypePolicy string `env:"UNKNOWN_TYPE_POLICY" env-default:"reply"`
	ClearPeerRoom     bool   `env:"CLEAR_PEER_ROOM" env-default:"true"`
	CloseSuperseded   bool   `env:"CLOSE_SUPERSEDED" env-default:"false"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" env-default:"60s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" env-default:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" env-default:"90s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`

	MaxMessageBytes   int64   `env:"MAX_MESSAGE_BYTES" env-default:"65536"`
	SendQueueSize     int     `env:"SEND_QUEUE_SIZE" env-default:"256"`
	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND" env-default:"0"`
	MessageBurst      int     `env:"MESSAGE_BURST" env-default:"20"`

	ICEServers []string `env:"ICE_SERVERS" env-separator:","`
}

// Load reads environment and then parses args (without program name).
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Join(ErrEnv, err)
	}

	fs := pflag.NewFlagSet("signal-relay", pflag.ContinueOnError)
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port, ignored when listen address is set")
	fs.StringVarP(&cfg.ListenAddr, "listen-addr", "a", cfg.ListenAddr, "listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service name reported by health check")
	fs.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", cfg.AllowAnonymous, "assign generated id when userId is missing instead of rejecting")
	fs.StringVar(&cfg.UnknownTypePolicy, "unknown-type-policy", cfg.UnknownTypePolicy, "reply or drop unrecognized message types")
	fs.BoolVar(&cfg.ClearPeerRoom, "clear-peer-room", cfg.ClearPeerRoom, "clear counterpart room membership on disconnect")
	fs.BoolVar(&cfg.CloseSuperseded, "close-superseded", cfg.CloseSuperseded, "close previous session when participant reconnects")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "dead connection sweep interval")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keep-alive ping interval")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connection after no pong or message for this long")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max inbound frame size")
	fs.IntVar(&cfg.SendQueueSize, "send-queue-size", cfg.SendQueueSize, "outbound frames buffered per connection")
	fs.Float64Var(&cfg.MessagesPerSecond, "messages-per-second", cfg.MessagesPerSecond, "inbound rate limit per connection, 0 disables")
	fs.IntVar(&cfg.MessageBurst, "message-burst", cfg.MessageBurst, "inbound rate limit burst")
	fs.StringSliceVar(&cfg.ICEServers, "ice-server", cfg.ICEServers, "STUN/TURN url advertised to clients, repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrFlags, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if cfg.ListenAddr == "" && (cfg.Port <= 0 || cfg.Port > 65535) {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	switch cfg.UnknownTypePolicy {
	case "reply", "drop":
	default:
		return fmt.Errorf("unknown type policy %q, want reply or drop", cfg.UnknownTypePolicy)
	}
	if cfg.SweepInterval <= 0 || cfg.PingInterval <= 0 {
		return errors.New("sweep and ping intervals must be positive")
	}
	if cfg.IdleTimeout <= cfg.PingInterval {
		return errors.New("idle timeout must be longer than ping interval")
	}
	if cfg.MaxMessageBytes <= 0 || cfg.SendQueueSize <= 0 {
		return errors.New("message size and send queue must be positive")
	}
	if cfg.MessagesPerSecond < 0 {
		return errors.New("messages per second must not be negative")
	}
	for _, u := range cfg.ICEServers {
		if _, err := stun.ParseURI(u); err != nil {
			return fmt.Errorf("ice server %q: %w", u, err)
		}
	}
	return nil
}

// Addr is the address HTTP server listens on.
func (cfg *Config) Addr() string {
	if cfg.ListenAddr != "" {
		return cfg.ListenAddr
	}
	return ":" + strconv.Itoa(cfg.Port)
}

// Level returns parsed log level, validated by Load.
func (cfg *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WebRTCICEServers converts configured urls to the form advertised in welcome frames.
func (cfg *Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: cfg.ICEServers}}
}

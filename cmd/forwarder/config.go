package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/gibme-npm/port-forwarder/internal/config"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

// Config holds runtime configuration. Environment variables provide the
// defaults, flags override them.
type Config struct {
	Port          int           `env:"FORWARDER_PORT"`
	IP            string        `env:"FORWARDER_IP" envDefault:"0.0.0.0"`
	Timeout       time.Duration `env:"FORWARDER_TIMEOUT" envDefault:"15m"`
	IdleScope     string        `env:"FORWARDER_IDLE_SCOPE" envDefault:"both"`
	KeepAlive     bool          `env:"FORWARDER_KEEPALIVE"`
	Remote        string        `env:"FORWARDER_REMOTE"`
	Routes        string        `env:"FORWARDER_ROUTES"`
	RedisAddr     string        `env:"FORWARDER_REDIS_ADDR"`
	RedisPassword string        `env:"FORWARDER_REDIS_PASSWORD"`
	RedisDB       int           `env:"FORWARDER_REDIS_DB"`
	RedisKey      string        `env:"FORWARDER_REDIS_KEY"`
	MetricsAddr   string        `env:"FORWARDER_METRICS_ADDR" envDefault:":9100"`
	GlobalRate    int           `env:"FORWARDER_GLOBAL_CONN_RATE"`
	PeerRate      int           `env:"FORWARDER_PEER_CONN_RATE"`
	RateBurst     int           `env:"FORWARDER_CONN_BURST" envDefault:"10"`
	GracePeriod   time.Duration `env:"FORWARDER_GRACE_PERIOD"`
	Debug         bool          `env:"FORWARDER_DEBUG"`
}

var cfg Config

// init reads the environment and registers flags; main parses them.
func init() {
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		os.Exit(2)
	}
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port (0 picks a free port)")
	flag.StringVar(&cfg.IP, "ip", cfg.IP, "listen address; must be bound on this host")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "idle timeout of a relay, also bounds the outbound connect")
	flag.StringVar(&cfg.IdleScope, "idle-scope", cfg.IdleScope, "sides the idle timeout applies to: both or inbound")
	flag.BoolVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "enable TCP keep-alive on both sides")
	flag.StringVar(&cfg.Remote, "remote", cfg.Remote, "static remote host:port every connection is forwarded to")
	flag.StringVar(&cfg.Routes, "routes", cfg.Routes, "per-peer routes, comma separated cidr=host:port; checked before -remote")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the session registry (empty keeps sessions in memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	flag.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "redis hash holding the sessions (default port-forwarder:<port>:sessions)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address (empty disables)")
	flag.IntVar(&cfg.GlobalRate, "global-conn-rate", cfg.GlobalRate, "accepted connections per second across all peers (0 = unlimited)")
	flag.IntVar(&cfg.PeerRate, "peer-conn-rate", cfg.PeerRate, "accepted connections per second per peer ip (0 = unlimited)")
	flag.IntVar(&cfg.RateBurst, "conn-burst", cfg.RateBurst, "burst size of the connection rate limits")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time to wait for active relays to drain after shutdown signal (0 = immediate)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
}

func (c Config) serviceConfig() (config.Config, error) {
	sc := config.Config{
		ListenPort:  c.Port,
		BindIP:      c.IP,
		IdleTimeout: c.Timeout,
		IdleScope:   config.IdleScope(c.IdleScope),
		KeepAlive:   c.KeepAlive,
	}
	if c.Remote != "" {
		ep, err := parseEndpoint(c.Remote)
		if err != nil {
			return config.Config{}, fmt.Errorf("remote: %w", err)
		}
		sc.Remote = &ep
	}
	return sc, nil
}

func (c Config) redisKey(port int) string {
	if c.RedisKey != "" {
		return c.RedisKey
	}
	return fmt.Sprintf("port-forwarder:%d:sessions", port)
}

func parseEndpoint(s string) (session.Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return session.Endpoint{}, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return session.Endpoint{}, fmt.Errorf("invalid port in %q", s)
	}
	if host == "" {
		return session.Endpoint{}, fmt.Errorf("missing host in %q", s)
	}
	return session.Endpoint{IP: host, Port: n}, nil
}

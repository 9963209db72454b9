// Package config loads tiny-ipc settings from a TOML file.
//
//	[worker]
//	path = "./calc-worker"
//	args = ["--quiet"]
//	env  = { CALC_PRECISION = "6" }
//
//	[client]
//	max_concurrent = 8
//	call_timeout   = "2s"
//	shutdown_grace = "500ms"
//	lenient_stdout = false
//
//	[pool]
//	size     = 4
//	balancer = "round_robin"
//
//	[log]
//	level = "debug"
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
//	name      = "calc"
//	ttl       = 10
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"tiny-ipc/client"
	"tiny-ipc/logging"
	"tiny-ipc/transport"
)

const DefaultCallTimeout = 30 * time.Second

type Worker struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

type Client struct {
	MaxConcurrent int
	CallTimeout   time.Duration
	ShutdownGrace time.Duration
	LenientStdout bool
}

type Pool struct {
	Size     int
	Balancer string
}

type Registry struct {
	Endpoints []string
	Name      string
	TTL       int64
}

type Config struct {
	Worker   Worker
	Client   Client
	Pool     Pool
	Log      logging.Config
	Registry Registry
}

func Default() Config {
	return Config{
		Client: Client{
			MaxConcurrent: transport.DefaultMaxConcurrent,
			CallTimeout:   DefaultCallTimeout,
			ShutdownGrace: client.DefaultShutdownGrace,
		},
		Pool:     Pool{Size: 1, Balancer: "round_robin"},
		Log:      logging.Config{Level: "info"},
		Registry: Registry{TTL: 10},
	}
}

type fileConfig struct {
	Worker struct {
		Path string            `toml:"path"`
		Args []string          `toml:"args"`
		Env  map[string]string `toml:"env"`
		Dir  string            `toml:"dir"`
	} `toml:"worker"`
	Client struct {
		MaxConcurrent int    `toml:"max_concurrent"`
		CallTimeout   string `toml:"call_timeout"`
		ShutdownGrace string `toml:"shutdown_grace"`
		LenientStdout bool   `toml:"lenient_stdout"`
	} `toml:"client"`
	Pool struct {
		Size     int    `toml:"size"`
		Balancer string `toml:"balancer"`
	} `toml:"pool"`
	Log      logging.Config `toml:"log"`
	Registry struct {
		Endpoints []string `toml:"endpoints"`
		Name      string   `toml:"name"`
		TTL       int64    `toml:"ttl"`
	} `toml:"registry"`
}

// Load reads path over the defaults. Keys absent from the file keep their default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", undecoded)
	}
	return fromFile(raw, meta)
}

// Parse is Load for a config held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse config: unknown keys %v", undecoded)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	cfg.Worker = Worker{
		Path: strings.TrimSpace(raw.Worker.Path),
		Args: raw.Worker.Args,
		Env:  raw.Worker.Env,
		Dir:  strings.TrimSpace(raw.Worker.Dir),
	}

	if meta.IsDefined("client", "max_concurrent") {
		cfg.Client.MaxConcurrent = raw.Client.MaxConcurrent
	}
	if meta.IsDefined("client", "call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Client.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse client.call_timeout: %w", err)
		}
		cfg.Client.CallTimeout = d
	}
	if meta.IsDefined("client", "shutdown_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Client.ShutdownGrace))
		if err != nil {
			return Config{}, fmt.Errorf("parse client.shutdown_grace: %w", err)
		}
		cfg.Client.ShutdownGrace = d
	}
	cfg.Client.LenientStdout = raw.Client.LenientStdout

	if meta.IsDefined("pool", "size") {
		cfg.Pool.Size = raw.Pool.Size
	}
	if meta.IsDefined("pool", "balancer") {
		cfg.Pool.Balancer = strings.TrimSpace(raw.Pool.Balancer)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	cfg.Log.Development = raw.Log.Development

	cfg.Registry.Endpoints = normalizeEndpoints(raw.Registry.Endpoints)
	cfg.Registry.Name = strings.TrimSpace(raw.Registry.Name)
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	return cfg, cfg.Validate()
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		if v := strings.TrimSpace(ep); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Worker.Path == "" {
		errs = append(errs, errors.New("worker.path is required"))
	}
	if c.Client.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("client.max_concurrent must be at least 1, got %d", c.Client.MaxConcurrent))
	}
	if c.Client.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.call_timeout must be positive, got %s", c.Client.CallTimeout))
	}
	if c.Client.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("client.shutdown_grace must be positive, got %s", c.Client.ShutdownGrace))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Name == "" {
			errs = append(errs, errors.New("registry.name is required when registry.endpoints is set"))
		}
		if c.Registry.TTL < 1 {
			errs = append(errs, fmt.Errorf("registry.ttl must be at least 1, got %d", c.Registry.TTL))
		}
	}
	return errors.Join(errs...)
}

func (c Config) SpawnSpec() transport.SpawnSpec {
	return transport.SpawnSpec{
		Path: c.Worker.Path,
		Args: c.Worker.Args,
		Env:  c.Worker.Env,
		Dir:  c.Worker.Dir,
	}
}

// ClientOptions converts the [client] section into engine options. The registry is not
// included since connecting to it is the caller's business.
func (c Config) ClientOptions(log *zap.SugaredLogger) []client.Option {
	if log == nil {
		log = logging.Nop()
	}
	opts := []client.Option{
		client.WithMaxConcurrent(c.Client.MaxConcurrent),
		client.WithShutdownGrace(c.Client.ShutdownGrace),
		client.WithLogger(log),
		client.WithLogSink(logging.SinkFunc(log.Named("worker"))),
	}
	if c.Client.LenientStdout {
		opts = append(opts, client.WithLenientStdout())
	}
	return opts
}

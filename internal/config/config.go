// Package config holds the process-wide configuration object: accelerator
// parameter defaults, per-transport tuning, worker pool sizes and queue
// capacities. Loaded at startup from an optional YAML file; a Watcher can
// load it again when that file changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AcceleratorDefaults are the configured (tier-2) defaults layered between
// the caller-supplied value and the accelerator library's own baseline, per
// the three-tier resolution rule in spec.md §4.6.
type AcceleratorDefaults struct {
	MaxNewTokens     int     `yaml:"max_new_tokens"`
	MaxContextLen    int     `yaml:"max_context_len"`
	TopK             int     `yaml:"top_k"`
	TopP             float64 `yaml:"top_p"`
	Temperature      float64 `yaml:"temperature"`
	RepeatPenalty    float64 `yaml:"repeat_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	MirostatMode     int     `yaml:"mirostat_mode"`
	MirostatTau      float64 `yaml:"mirostat_tau"`
	MirostatEta      float64 `yaml:"mirostat_eta"`
	BatchSize        int     `yaml:"batch_size"`
}

func defaultAcceleratorDefaults() AcceleratorDefaults {
	return AcceleratorDefaults{
		MaxNewTokens:     256,
		MaxContextLen:    4096,
		TopK:             40,
		TopP:             0.9,
		Temperature:      0.8,
		RepeatPenalty:    1.1,
		FrequencyPenalty: 0,
		PresencePenalty:  0,
		MirostatMode:     0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		BatchSize:        8,
	}
}

// TransportTuning holds buffer sizes, timeouts, and keep-alive settings for
// one transport, per spec.md §5/§6.
type TransportTuning struct {
	RecvTimeout        time.Duration `yaml:"recv_timeout"`
	DrainPollInterval  time.Duration `yaml:"drain_poll_interval"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval"`
	MaxDatagramBytes   int           `yaml:"max_datagram_bytes"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryTimeout       time.Duration `yaml:"retry_timeout"`
}

// TransportConfig is the per-transport tuning table, keyed by transport
// name (stdio, http, websocket, tcp, udp).
type TransportConfig struct {
	Stdio     TransportTuning `yaml:"stdio"`
	HTTP      TransportTuning `yaml:"http"`
	WebSocket TransportTuning `yaml:"websocket"`
	TCP       TransportTuning `yaml:"tcp"`
	UDP       TransportTuning `yaml:"udp"`
}

func defaultTransportConfig() TransportConfig {
	return TransportConfig{
		Stdio: TransportTuning{RecvTimeout: 100 * time.Millisecond},
		HTTP: TransportTuning{
			RecvTimeout:       1000 * time.Millisecond,
			DrainPollInterval: 200 * time.Millisecond,
		},
		WebSocket: TransportTuning{
			RecvTimeout:       1000 * time.Millisecond,
			DrainPollInterval: 50 * time.Millisecond,
			KeepAliveInterval: 30 * time.Second,
		},
		TCP: TransportTuning{RecvTimeout: 100 * time.Millisecond},
		UDP: TransportTuning{
			RecvTimeout:       100 * time.Millisecond,
			DrainPollInterval: 10 * time.Millisecond,
			MaxDatagramBytes:  1400,
			MaxRetries:        3,
			RetryTimeout:      250 * time.Millisecond,
		},
	}
}

// WorkerConfig sizes the single-worker accelerator scheduler.
type WorkerConfig struct {
	QueueCapacity      int           `yaml:"queue_capacity"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		QueueCapacity:  100,
		RequestTimeout: 30 * time.Second,
		ShutdownGrace:  3 * time.Second,
	}
}

// StreamingConfig sizes the streaming session manager.
type StreamingConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	RingBufferSize int           `yaml:"ring_buffer_size"`
	ChunkQueueSize int           `yaml:"chunk_queue_size"`
	AccumulatorMul int           `yaml:"accumulator_multiplier"`
}

func defaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		MaxSessions:    16,
		RingBufferSize: 16 * 1024,
		ChunkQueueSize: 64,
		AccumulatorMul: 2,
	}
}

// RegistryConfig sizes the async response registry.
type RegistryConfig struct {
	Capacity        int           `yaml:"capacity"`
	TTL             time.Duration `yaml:"ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

func defaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Capacity:      100,
		TTL:           5 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

// ArenaConfig sizes the bump allocator used for FFI parameter buffers.
type ArenaConfig struct {
	SizeBytes int `yaml:"size_bytes"`
	Alignment int `yaml:"alignment"`
}

func defaultArenaConfig() ArenaConfig {
	return ArenaConfig{SizeBytes: 64 * 1024 * 1024, Alignment: 8}
}

// Config is the process-wide configuration object.
type Config struct {
	Accelerator AcceleratorDefaults `yaml:"accelerator"`
	Transport   TransportConfig     `yaml:"transport"`
	Worker      WorkerConfig        `yaml:"worker"`
	Streaming   StreamingConfig     `yaml:"streaming"`
	Registry    RegistryConfig      `yaml:"registry"`
	Arena       ArenaConfig         `yaml:"arena"`
}

// Default returns a Config with every hard-coded default from spec.md.
func Default() *Config {
	return &Config{
		Accelerator: defaultAcceleratorDefaults(),
		Transport:   defaultTransportConfig(),
		Worker:      defaultWorkerConfig(),
		Streaming:   defaultStreamingConfig(),
		Registry:    defaultRegistryConfig(),
		Arena:       defaultArenaConfig(),
	}
}

// Load reads a YAML configuration file, layering its values over Default().
// An empty path is not an error — it returns Default() unchanged, since
// the configuration file is optional (spec.md §6: "none are required").
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Worker.QueueCapacity != 100 {
		t.Fatalf("queue capacity = %d, want 100", cfg.Worker.QueueCapacity)
	}
	if cfg.Registry.TTL.Seconds() != 300 {
		t.Fatalf("registry TTL = %v, want 5m", cfg.Registry.TTL)
	}
	if cfg.Registry.SweepInterval.Seconds() != 60 {
		t.Fatalf("sweep interval = %v, want 1m", cfg.Registry.SweepInterval)
	}
	if cfg.Streaming.MaxSessions != 16 {
		t.Fatalf("max sessions = %d, want 16", cfg.Streaming.MaxSessions)
	}
	if cfg.Streaming.RingBufferSize != 16*1024 {
		t.Fatalf("ring buffer size = %d, want 16KiB", cfg.Streaming.RingBufferSize)
	}
	if cfg.Streaming.ChunkQueueSize != 64 {
		t.Fatalf("chunk queue depth = %d, want 64", cfg.Streaming.ChunkQueueSize)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.QueueCapacity != Default().Worker.QueueCapacity {
		t.Fatal("Load(\"\") should equal Default()")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "worker:\n  queue_capacity: 7\naccelerator:\n  batch_size: 3\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.QueueCapacity != 7 {
		t.Fatalf("queue capacity = %d, want 7", cfg.Worker.QueueCapacity)
	}
	if cfg.Accelerator.BatchSize != 3 {
		t.Fatalf("batch size = %d, want 3", cfg.Accelerator.BatchSize)
	}
	// Fields not present in the file keep their defaults.
	if cfg.Registry.Capacity != 100 {
		t.Fatalf("registry capacity = %d, want untouched default 100", cfg.Registry.Capacity)
	}
}

package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsZeroDispatcherCount(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatcher.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for dispatcher.count=0")
	}
}

func TestValidateRejectsMissingQueueForPriority(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatcher.Priorities = append(cfg.Dispatcher.Priorities, "urgent")
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing queue mapping")
	}
}

func TestValidateRejectsBadBRPopLPushTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatcher.BRPopLPushTimeout = cfg.Dispatcher.HeartbeatTTL
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for brpoplpush_timeout exceeding half the heartbeat ttl")
	}
}

func TestValidateRejectsEmptyStoreDSN(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty store dsn")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/orchestrator.yaml")
	if err != nil {
		t.Fatalf("Load should tolerate a missing config file: %v", err)
	}
	if cfg.Dispatcher.Count != defaultConfig().Dispatcher.Count {
		t.Fatalf("expected default dispatcher count, got %d", cfg.Dispatcher.Count)
	}
}

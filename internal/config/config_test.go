package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "MAX_QUEUE_SIZE", "HISTORY_RETENTION_DAYS", "QUEUE_MAX_AGE_HOURS", "TIMEZONE", "RESET_ROUND_ROBIN_DAILY", "PREPARATION_TIMEOUT_MINUTES", "RECONCILE_INTERVAL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" || cfg.StoreDriver != "postgres" || cfg.MaxQueueSize != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HistoryRetention != 30*24*time.Hour || cfg.QueueMaxAge != 24*time.Hour {
		t.Fatalf("unexpected retention %s / %s", cfg.HistoryRetention, cfg.QueueMaxAge)
	}
	if cfg.PreparationTimeout != 45*time.Minute || cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("unexpected intervals %s / %s", cfg.PreparationTimeout, cfg.ReconcileInterval)
	}
	if !cfg.ResetRoundRobinDaily || cfg.Location != time.Local {
		t.Fatalf("unexpected day rollover settings")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MAX_QUEUE_SIZE", "12")
	t.Setenv("QUEUE_MAX_AGE_HOURS", "2")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "0")
	t.Setenv("RESET_ROUND_ROBIN_DAILY", "false")
	t.Setenv("TIMEZONE", "UTC")

	cfg := Load()
	if cfg.Port != "9090" || cfg.StoreDriver != "memory" || cfg.MaxQueueSize != 12 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.QueueMaxAge != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", cfg.QueueMaxAge)
	}
	if cfg.ReconcileInterval != 0 {
		t.Fatalf("non-positive interval must disable, got %s", cfg.ReconcileInterval)
	}
	if cfg.ResetRoundRobinDaily || cfg.Location != time.UTC {
		t.Fatalf("unexpected day rollover settings")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_QUEUE_SIZE", "many")
	t.Setenv("AUTO_MIGRATE", "maybe")
	t.Setenv("TIMEZONE", "Nowhere/Atlantis")

	cfg := Load()
	if cfg.MaxQueueSize != 100 || cfg.AutoMigrate || cfg.Location != time.Local {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

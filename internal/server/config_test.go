package server

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.ReadTimeout != 30 || cfg.WriteTimeout != 30 {
		t.Errorf("unexpected timeouts: %d/%d", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.ShutdownTimeout != 10 {
		t.Errorf("expected shutdown timeout 10, got %d", cfg.ShutdownTimeout)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SHUTDOWN_TIMEOUT", "5")

	cfg := LoadConfig()
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.ShutdownTimeout != 5 {
		t.Errorf("expected shutdown timeout 5, got %d", cfg.ShutdownTimeout)
	}
}

func TestLoadConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := LoadConfig()
	if cfg.Port != 8080 {
		t.Errorf("expected fallback port 8080, got %d", cfg.Port)
	}
}

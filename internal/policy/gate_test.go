package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestFileGateLoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writeConfig(t, path, `{"enable_file_write":false,"enable_code_execution":true,"approval_mode":"always"}`)

	gate, err := NewFileGate(path)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	defer gate.Close()

	cfg := gate.Config()
	if cfg.EnableFileWrite {
		t.Error("expected file write disabled")
	}
	if !cfg.EnableCodeExecution {
		t.Error("expected code execution enabled")
	}
	if cfg.ApprovalMode != ApprovalAlways {
		t.Errorf("expected always, got %s", cfg.ApprovalMode)
	}
}

func TestFileGatePartialConfigUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writeConfig(t, path, `{"enable_code_execution":false}`)

	gate, err := NewFileGate(path)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	defer gate.Close()

	cfg := gate.Config()
	if !cfg.EnableFileWrite {
		t.Error("omitted field should keep its default")
	}
	if cfg.EnableCodeExecution {
		t.Error("expected code execution disabled")
	}
	if cfg.ApprovalMode != ApprovalRisky {
		t.Errorf("expected default mode risky, got %s", cfg.ApprovalMode)
	}
}

func TestFileGateRejectsInvalidMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writeConfig(t, path, `{"approval_mode":"sometimes"}`)

	if _, err := NewFileGate(path); err == nil {
		t.Fatal("expected error for invalid approval_mode")
	}
}

func TestFileGateMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	if _, err := NewFileGate(path); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestFileGateHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writeConfig(t, path, `{"enable_file_write":true,"approval_mode":"risky"}`)

	gate, err := NewFileGate(path)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	defer gate.Close()

	if !gate.Config().EnableFileWrite {
		t.Fatal("expected initial file write enabled")
	}

	writeConfig(t, path, `{"enable_file_write":false,"approval_mode":"risky"}`)

	// The watcher debounces change events; poll until the reload lands.
	deadline := time.After(3 * time.Second)
	for gate.Config().EnableFileWrite {
		select {
		case <-deadline:
			t.Fatal("config was not reloaded after file change")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestFileGateKeepsConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writeConfig(t, path, `{"enable_file_write":false,"approval_mode":"risky"}`)

	gate, err := NewFileGate(path)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	defer gate.Close()

	writeConfig(t, path, `{not json`)

	// Give the watcher time to fire; the last good config must survive.
	time.Sleep(500 * time.Millisecond)

	cfg := gate.Config()
	if cfg.EnableFileWrite {
		t.Error("bad reload must not clobber the last good config")
	}
	if cfg.ApprovalMode != ApprovalRisky {
		t.Errorf("expected risky, got %s", cfg.ApprovalMode)
	}
}

func TestStaticGate(t *testing.T) {
	gate := Static{Cfg: DefaultConfig()}

	cfg := gate.Config()
	if !cfg.EnableFileWrite || !cfg.EnableCodeExecution {
		t.Error("default config should permit everything")
	}
	if cfg.ApprovalMode != ApprovalRisky {
		t.Errorf("expected risky, got %s", cfg.ApprovalMode)
	}
}

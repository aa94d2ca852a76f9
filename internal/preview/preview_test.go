package preview

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	args := json.RawMessage(`{"path":"/tmp/a.txt","content":"hello"}`)
	detail := map[string]any{"path": "/tmp/a.txt", "exists": false}

	h1, err := Hash("file", "write", args, detail)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	h2, err := Hash("file", "write", args, detail)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("expected identical hashes, got %s and %s", h1, h2)
	}
}

func TestHashKeyOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"path":"/tmp/a.txt","content":"hello"}`)
	b := json.RawMessage(`{"content":"hello","path":"/tmp/a.txt"}`)

	h1, err := Hash("file", "write", a, nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	h2, err := Hash("file", "write", b, nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("hash must not depend on key order: %s vs %s", h1, h2)
	}
}

func TestHashDistinguishesInputs(t *testing.T) {
	args := json.RawMessage(`{"path":"/tmp/a.txt"}`)

	base, _ := Hash("file", "write", args, nil)

	cases := []struct {
		name         string
		tool, action string
		args         json.RawMessage
		detail       map[string]any
	}{
		{"different tool", "terminal", "write", args, nil},
		{"different action", "file", "delete", args, nil},
		{"different args", "file", "write", json.RawMessage(`{"path":"/tmp/b.txt"}`), nil},
		{"different detail", "file", "write", args, map[string]any{"exists": true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := Hash(tc.tool, tc.action, tc.args, tc.detail)
			if err != nil {
				t.Fatalf("hash failed: %v", err)
			}
			if h == base {
				t.Error("expected a different hash")
			}
		})
	}
}

func TestHashRejectsInvalidArgs(t *testing.T) {
	if _, err := Hash("file", "write", json.RawMessage(`{not json`), nil); err == nil {
		t.Error("expected error for invalid args JSON")
	}
}

func TestNewEnvelope(t *testing.T) {
	args := json.RawMessage(`{"path":"/tmp/a.txt"}`)

	env, err := New("ses-1", "file", "write", "write a.txt", args, map[string]any{"path": "/tmp/a.txt"})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}

	if !strings.HasPrefix(env.ID, "prv_") {
		t.Errorf("unexpected id format: %s", env.ID)
	}
	if env.Hash == "" {
		t.Error("expected hash to be set")
	}
	if env.CreatedAt <= 0 {
		t.Error("expected created_at to be set")
	}

	other, err := New("ses-2", "file", "write", "write a.txt", args, map[string]any{"path": "/tmp/a.txt"})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}

	if other.ID == env.ID {
		t.Error("expected fresh ids per proposal")
	}
	if other.Hash != env.Hash {
		t.Error("identical logical content must hash identically across envelopes")
	}
}

func TestValidate(t *testing.T) {
	valid, err := New("ses-1", "file", "write", "s", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Envelope)
		field  string
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }, "id"},
		{"missing session", func(e *Envelope) { e.SessionID = "" }, "session_id"},
		{"missing tool", func(e *Envelope) { e.Tool = "" }, "tool"},
		{"missing action", func(e *Envelope) { e.Action = "" }, "action"},
		{"zero created_at", func(e *Envelope) { e.CreatedAt = 0 }, "created_at"},
		{"missing hash", func(e *Envelope) { e.Hash = "" }, "hash"},
		{"bad args", func(e *Envelope) { e.OriginalArgs = json.RawMessage(`{bad`) }, "original_args"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := valid
			tc.mutate(&env)

			err := Validate(env)
			if err == nil {
				t.Fatal("expected validation error")
			}

			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}

	if err := Validate(valid); err != nil {
		t.Errorf("valid envelope rejected: %v", err)
	}
}

func TestSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()

	if !strings.HasPrefix(a, "ses_") {
		t.Errorf("unexpected session id format: %s", a)
	}
	if a == b {
		t.Error("expected unique session ids")
	}
}

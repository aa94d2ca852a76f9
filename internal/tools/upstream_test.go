package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUpstreamRunnerExecute(t *testing.T) {
	var received map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	runner := NewUpstreamRunner("file", srv.URL, 5)

	var steps []string
	result, err := runner.Execute(context.Background(), json.RawMessage(`{"path":"/tmp/a.txt","apply":true}`),
		func(step string, data map[string]any) {
			steps = append(steps, step)
		})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", result)
	}
	if string(received["tool_name"]) != `"file"` {
		t.Errorf("unexpected tool_name: %s", received["tool_name"])
	}
	if !strings.Contains(string(received["args"]), `"apply":true`) {
		t.Errorf("args not forwarded: %s", received["args"])
	}
	if len(steps) != 1 || steps[0] != "forward" {
		t.Errorf("expected one forward step, got %v", steps)
	}
}

func TestUpstreamRunnerNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewUpstreamRunner("file", srv.URL, 5)

	if _, err := runner.Execute(context.Background(), json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("expected error for non-200 upstream")
	}
}

func TestUpstreamKiller(t *testing.T) {
	var handle string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		handle = payload["handle"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	killer := NewUpstreamKiller(srv.URL, 5)
	if err := killer.Kill(context.Background(), "tm-1"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if handle != "tm-1" {
		t.Errorf("expected handle tm-1, got %s", handle)
	}
}

func TestUpstreamKillerNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	killer := NewUpstreamKiller(srv.URL, 5)
	if err := killer.Kill(context.Background(), "tm-1"); err == nil {
		t.Fatal("expected error for non-200 kill response")
	}
}

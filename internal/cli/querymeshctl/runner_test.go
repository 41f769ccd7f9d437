package querymeshctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"statusCode":200,"body":{"response":"There are 12 homes.","query":["SELECT 1",[]],"query_results":[[12]],"column_names":["count"],"cache_id":"cache:abc"},"headers":{"Content-Type":"application/json"}}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"--api-key", "k1",
		"ask",
		"--turn", "human:homes in Dallas",
		"--turn", "assistant:There are 7.",
		"and", "in", "Austin?",
	}, Options{Stdout: &stdout, Stderr: &stderr, Timeout: 2 * time.Second})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/prompt" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if gotBody["query"] != "and in Austin?" {
		t.Fatalf("query = %v", gotBody["query"])
	}
	turns, ok := gotBody["conversation_context"].([]any)
	if !ok || len(turns) != 2 {
		t.Fatalf("conversation_context = %v", gotBody["conversation_context"])
	}
	first := turns[0].(map[string]any)
	if first["role"] != "human" || first["content"] != "homes in Dallas" {
		t.Fatalf("first turn = %v", first)
	}
	if !strings.Contains(stdout.String(), "There are 12 homes.") {
		t.Fatalf("stdout = %s", stdout.String())
	}
	if strings.Contains(stdout.String(), "statusCode") {
		t.Fatalf("expected body only without --raw, got %s", stdout.String())
	}
}

func TestRunAskFailsOnEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"statusCode":500,"body":{"response":"Unable to generate SQL for the provided prompt, please try again.","query":null}}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "ask", "gibberish"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "Unable to generate SQL") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunAskRejectsBadTurn(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "--turn", "system:be nice", "hello"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunSimpleCommands(t *testing.T) {
	tests := []struct {
		args       []string
		wantMethod string
		wantPath   string
		wantQuery  string
	}{
		{args: []string{"health"}, wantMethod: http.MethodGet, wantPath: "/v1/health"},
		{args: []string{"ready"}, wantMethod: http.MethodGet, wantPath: "/v1/ready"},
		{args: []string{"index"}, wantMethod: http.MethodPost, wantPath: "/v1/index/run"},
		{args: []string{"result", "abc123", "--limit", "5"}, wantMethod: http.MethodGet, wantPath: "/v1/results/abc123", wantQuery: "limit=5"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			var gotMethod, gotPath, gotQuery string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				gotQuery = r.URL.RawQuery
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			}))
			defer srv.Close()

			var stdout bytes.Buffer
			args := append([]string{"--base-url", srv.URL}, tt.args...)
			code := Run(context.Background(), args, Options{Stdout: &stdout})
			if code != 0 {
				t.Fatalf("exit code = %d", code)
			}
			if gotMethod != tt.wantMethod || gotPath != tt.wantPath || gotQuery != tt.wantQuery {
				t.Fatalf("request = %s %s?%s", gotMethod, gotPath, gotQuery)
			}
			if stdout.Len() == 0 {
				t.Fatal("expected command output")
			}
		})
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code":"FORBIDDEN"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "index"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 403") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}

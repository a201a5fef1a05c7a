package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func datadogStub(t *testing.T, listing []map[string]string, defs map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/api/v1/logs/config/pipelines"
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == prefix:
			_ = json.NewEncoder(w).Encode(listing)
		case strings.HasPrefix(r.URL.Path, prefix+"/"):
			def, ok := defs[strings.TrimPrefix(r.URL.Path, prefix+"/")]
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"errors":["internal"]}`))
				return
			}
			_, _ = w.Write([]byte(def))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setCredentials(t *testing.T, apiKey, appKey string) {
	t.Helper()
	t.Setenv("PIPELINEOPS_CONFIG", "")
	t.Setenv("DATADOG_API_KEY", apiKey)
	t.Setenv("DATADOG_APP_KEY", appKey)
}

func TestRun_MissingCredentials(t *testing.T) {
	setCredentials(t, "", "app")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--pipelines-dir", t.TempDir()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if got := stderr.String(); got != "Missing required environment variable: DATADOG_API_KEY\n" {
		t.Fatalf("unexpected stderr %q", got)
	}

	setCredentials(t, "api", "")
	stderr.Reset()
	run(context.Background(), []string{"--pipelines-dir", t.TempDir()}, &stdout, &stderr)
	if !strings.Contains(stderr.String(), "DATADOG_APP_KEY") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestRun_SavesAndWarns(t *testing.T) {
	setCredentials(t, "api", "app")
	srv := datadogStub(t,
		[]map[string]string{{"id": "123", "name": "k8-aws-prod"}},
		map[string]string{"123": `{"id":"123","name":"k8-aws-prod","filter":{"query":"source:k8s"}}`},
	)
	dir := filepath.Join(t.TempDir(), "pipelines")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"--pipelines-dir", dir, "--api-url", srv.URL, "k8-aws-prod", "missing-one",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr.String())
	}
	want := "Saved k8-aws-prod -> " + filepath.Join(dir, "k8-aws-prod.json") + "\n"
	if stdout.String() != want {
		t.Fatalf("expected %q, got %q", want, stdout.String())
	}
	if !strings.Contains(stderr.String(), "Warning: pipeline 'missing-one' not found in Datadog") {
		t.Fatalf("missing skip warning in %q", stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "k8-aws-prod.json")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_FailureSetsExitCode(t *testing.T) {
	setCredentials(t, "api", "app")
	srv := datadogStub(t,
		[]map[string]string{{"id": "1", "name": "p1"}, {"id": "2", "name": "p2"}},
		map[string]string{"2": `{"name":"p2"}`},
	)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"--pipelines-dir", t.TempDir(), "--api-url", srv.URL, "--concurrency", "2", "p1", "p2",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Error: pipeline 'p1':") {
		t.Fatalf("missing failure line in %q", stderr.String())
	}
	if !strings.Contains(stdout.String(), "Saved p2 -> ") {
		t.Fatalf("p2 should still be saved, stdout %q", stdout.String())
	}
}

func TestRun_ListingFailure(t *testing.T) {
	setCredentials(t, "api", "app")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--pipelines-dir", t.TempDir(), "--api-url", srv.URL}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stdout.Len() != 0 || !strings.HasPrefix(stderr.String(), "Error: ") {
		t.Fatalf("unexpected output stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

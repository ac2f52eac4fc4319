package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vizbridge/vizbridge/internal/proxy"
	"github.com/vizbridge/vizbridge/internal/store/memory"
	"github.com/vizbridge/vizbridge/internal/upstream"
)

const testOrigin = "https://dashboards.example.com"

func newTestProxy(t *testing.T) *httptest.Server {
	t.Helper()

	st := memory.New()
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := proxy.NewHandler(logger, upstream.NewClient(""), st, proxy.Options{
		AllowedOrigins: []string{testOrigin},
		StoreBackend:   "memory",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Drain(ctx)
	})

	r := chi.NewRouter()
	r.Mount("/", h.Routes(nil))
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func writeHostView(t *testing.T) string {
	t.Helper()
	view := map[string]any{
		"fileName": "sales.csv",
		"categories": []map[string]any{
			{"name": "Region", "values": []any{"West", "East"}},
		},
		"measures": []map[string]any{
			{"name": "Sales", "values": []any{9100, 8400}},
		},
	}
	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	path := filepath.Join(t.TempDir(), "view.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write view: %v", err)
	}
	return path
}

func TestAskCommand(t *testing.T) {
	server := newTestProxy(t)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{
		"ask",
		"--proxy", server.URL,
		"--origin", testOrigin,
		"--data", writeHostView(t),
		"how many rows are loaded?",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("ask: %v", err)
	}
}

func TestAskCommand_NoQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask", "--proxy", "http://unused.invalid"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing question")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want an argument complaint", err.Error())
	}
}

func TestStatusCommand(t *testing.T) {
	server := newTestProxy(t)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"status", "--proxy", server.URL})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestStatusCommand_ProxyDown(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	// Status reports a stopped proxy instead of failing.
	rootCmd.SetArgs([]string{"status", "--proxy", "http://127.0.0.1:1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status against dead proxy: %v", err)
	}
}

func TestLoadHostView(t *testing.T) {
	view, err := loadHostView(writeHostView(t))
	if err != nil {
		t.Fatalf("loadHostView: %v", err)
	}
	if view.FileName != "sales.csv" {
		t.Errorf("fileName = %q", view.FileName)
	}
	if len(view.Categories) != 1 || view.Categories[0].Name != "Region" {
		t.Errorf("categories = %+v", view.Categories)
	}
	if len(view.Measures) != 1 || len(view.Measures[0].Values) != 2 {
		t.Errorf("measures = %+v", view.Measures)
	}
}

func TestLoadHostView_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadHostView(path); err == nil {
		t.Fatal("expected parse error")
	}
}

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"healthauthd/server"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	// The generated template parses back (the secret is intentionally
	// left empty, so full validation is expected to fail).
	if _, err := server.LoadConfig(path); err == nil {
		t.Fatalf("template without a secret must not validate")
	}

	if err := runConfigInit(path); err == nil {
		t.Fatalf("init must refuse to overwrite an existing file")
	}
}

func TestLoadConfigMissingFileHint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), logger)
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	if err := validateURL(context.Background(), srv.URL+"/ok"); err != nil {
		t.Fatalf("validateURL returned error: %v", err)
	}
	if err := validateURL(context.Background(), srv.URL+"/boom"); err == nil {
		t.Fatalf("expected error for 5xx response")
	}
}

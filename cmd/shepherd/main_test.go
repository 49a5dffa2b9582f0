package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/api"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// writeConfig writes a config file into a temp dir and points SHEPHERD_CONFIG at it.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("SHEPHERD_CONFIG", path)
	return dir
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("SHEPHERD_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails validation with an empty database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	writeConfig(t, `
database:
  path: ""
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("run() error = %v, want database.path validation error", err)
	}
}

// TestRun_BrokerUnreachable verifies run gives up once the MQTT retries are exhausted.
func TestRun_BrokerUnreachable(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, `
database:
  path: "`+filepath.Join(dir, "test.db")+`"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "test-unreachable"
  reconnect:
    initial_delay: 1
    max_delay: 1
    max_attempts: 1
api:
  enabled: false
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail without a reachable broker")
	}
	if !strings.Contains(err.Error(), "connecting to MQTT") {
		t.Errorf("run() error = %v, want MQTT connection error", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("SHEPHERD_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("SHEPHERD_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestPrintToken covers the token command.
func TestPrintToken(t *testing.T) {
	t.Run("usage", func(t *testing.T) {
		for _, args := range [][]string{nil, {""}, {"a", "b"}} {
			if err := printToken(&bytes.Buffer{}, args); !errors.Is(err, errUsage) {
				t.Errorf("printToken(%q) error = %v, want errUsage", args, err)
			}
		}
	})

	t.Run("no secret", func(t *testing.T) {
		writeConfig(t, "logging:\n  level: error\n")
		if err := printToken(&bytes.Buffer{}, []string{"operator"}); !errors.Is(err, api.ErrNoSecret) {
			t.Errorf("printToken() error = %v, want ErrNoSecret", err)
		}
	})

	t.Run("signed", func(t *testing.T) {
		writeConfig(t, "security:\n  jwt:\n    secret: \""+testSecret+"\"\n")
		var out bytes.Buffer
		if err := printToken(&out, []string{"operator"}); err != nil {
			t.Fatalf("printToken() error = %v", err)
		}
		if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
			t.Errorf("printToken() output = %q, want a JWT", out.String())
		}
	})
}

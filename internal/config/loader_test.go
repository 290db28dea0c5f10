package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected resolved path %q, got %q", path, resolved)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected default config to be written: %v", statErr)
	}

	def := Default()
	if cfg.Addr != def.Addr {
		t.Fatalf("expected addr %q, got %q", def.Addr, cfg.Addr)
	}
	if cfg.WS.HandshakeTimeout != def.WS.HandshakeTimeout {
		t.Fatalf("expected handshake timeout %v, got %v", def.WS.HandshakeTimeout, cfg.WS.HandshakeTimeout)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
addr: ":9999"
ws:
  max_content_bytes: 128
database:
  driver: postgres
  dsn: postgres://localhost/guffghar
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GUFFGHAR_WS_PERSIST_TIMEOUT", "7s")
	t.Setenv("GUFFGHAR_JWT_SECRET", "from-env")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Fatalf("expected addr from file, got %q", cfg.Addr)
	}
	if cfg.WS.MaxContentBytes != 128 {
		t.Fatalf("expected max content bytes 128, got %d", cfg.WS.MaxContentBytes)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/guffghar" {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.WS.PersistTimeout != 7*time.Second {
		t.Fatalf("expected persist timeout from env, got %v", cfg.WS.PersistTimeout)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Fatalf("expected jwt secret from env, got %q", cfg.JWT.Secret)
	}
	// Untouched keys keep their defaults.
	if cfg.WS.SendBuffer != Default().WS.SendBuffer {
		t.Fatalf("expected default send buffer, got %d", cfg.WS.SendBuffer)
	}
}

func TestUpdateFromOnlyOverridesNonZero(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1234", Database: DatabaseConfig{DSN: "other.db"}})

	if cfg.Addr != ":1234" {
		t.Fatalf("expected addr override, got %q", cfg.Addr)
	}
	if cfg.Database.DSN != "other.db" {
		t.Fatalf("expected dsn override, got %q", cfg.Database.DSN)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected driver to stay sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.ShutdownTimeout != Default().ShutdownTimeout {
		t.Fatalf("expected shutdown timeout untouched, got %v", cfg.ShutdownTimeout)
	}
}

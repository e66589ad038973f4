package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  http_port: 9090
  http_bind: 0.0.0.0

db:
  host: localhost
  port: 5432
  dbname: pingsrv_db
  username: pingsrv
  password: testpass

pool:
  size: 8
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.HTTPPort != 9090 {
		t.Errorf("expected http port 9090, got %d", cfg.Listen.HTTPPort)
	}
	if cfg.DB.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", cfg.DB.Host)
	}
	if cfg.Pool.Size != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.Pool.Size)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
db:
  host: localhost
  dbname: pingsrv_db
  username: pingsrv
  password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DB.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.DB.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing host",
			yaml: `
db:
  dbname: pingsrv_db
  username: pingsrv
`,
		},
		{
			name: "missing dbname",
			yaml: `
db:
  host: localhost
  username: pingsrv
`,
		},
		{
			name: "missing username",
			yaml: `
db:
  host: localhost
  dbname: pingsrv_db
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
db:
  host: localhost
  dbname: pingsrv_db
  username: pingsrv
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.HTTPPort != 8080 {
		t.Errorf("expected default http port 8080, got %d", cfg.Listen.HTTPPort)
	}
	if cfg.Listen.HTTPBind != "0.0.0.0" {
		t.Errorf("expected default http bind 0.0.0.0, got %s", cfg.Listen.HTTPBind)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("expected default db port 5432, got %d", cfg.DB.Port)
	}
	if cfg.Pool.Size != 10 {
		t.Errorf("expected default pool size 10, got %d", cfg.Pool.Size)
	}
}

func TestDBConfigRedacted(t *testing.T) {
	d := DBConfig{Host: "localhost", Password: "secret"}
	r := d.Redacted()
	if r.Password != "***REDACTED***" {
		t.Errorf("Redacted password = %q", r.Password)
	}
	if d.Password != "secret" {
		t.Error("Redacted mutated the original DBConfig")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

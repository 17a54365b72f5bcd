package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "purchase-service" {
		t.Fatalf("unexpected service name %q", cfg.ServiceName)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr())
	}
	if !cfg.IsDev() {
		t.Fatalf("expected dev env by default")
	}
}

func TestLoadReadsYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "service_name: purchase-test\nhttp:\n  port: 9191\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CEX_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "purchase-test" || cfg.HTTP.Port != 9191 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env override not applied, got %q", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AppConfig
		wantErr bool
	}{
		{name: "ok", cfg: AppConfig{ServiceName: "svc", MetricsPath: "/metrics", HTTP: HTTPConfig{Port: 80}}},
		{name: "missing name", cfg: AppConfig{MetricsPath: "/metrics", HTTP: HTTPConfig{Port: 80}}, wantErr: true},
		{name: "bad port", cfg: AppConfig{ServiceName: "svc", MetricsPath: "/metrics"}, wantErr: true},
		{name: "bad metrics path", cfg: AppConfig{ServiceName: "svc", MetricsPath: "metrics", HTTP: HTTPConfig{Port: 80}}, wantErr: true},
	}

	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rate, err := cfg.PlatformFeeRate()
	if err != nil || rate != 700 {
		t.Fatalf("platform rate = %d, %v", rate, err)
	}
	if cfg.Payout.VisibilityTimeout != 5*time.Minute || cfg.Provider.Timeout != 10*time.Second {
		t.Fatalf("durations not decoded: %+v", cfg.Payout)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("fees:\n  platform_pct: \"5.5\"\npayout:\n  workers: 2\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if rate, _ := cfg.PlatformFeeRate(); rate != 550 {
		t.Fatalf("rate = %d", rate)
	}
	if cfg.Payout.Workers != 2 || cfg.Payout.Transport != TransportSQL || cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad rate":          "fees:\n  platform_pct: \"120\"\n",
		"mp without token":  "provider:\n  kind: mercadopago\n",
		"unknown transport": "payout:\n  transport: nats\n",
		"kafka no brokers":  "payout:\n  transport: kafka\n",
		"bad base path":     "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "escrowctl init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "escrowline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

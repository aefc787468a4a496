package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
	if cfg.Transports["p2p"]["listenAddr"] != "/ip4/0.0.0.0/tcp/0" {
		t.Fatalf("expected default p2p transport config, got %+v", cfg.Transports)
	}
}

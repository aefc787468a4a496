package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/config"
)

func TestNewWiresAllComponentsAndShutsDownCleanly(t *testing.T) {
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{
		StoragePath:  filepath.Join(dir, "blobs"),
		DatabasePath: filepath.Join(dir, "db.sqlite"),
		LogLevel:     "info",
		Transports: map[string]map[string]any{
			"p2p": {"listenAddr": "/ip4/127.0.0.1/tcp/0"},
		},
	}

	ctx := context.Background()
	s, err := New(ctx, cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(s.Registry.Names()) != 1 {
		t.Fatalf("expected one configured transport, got %v", s.Registry.Names())
	}

	s.Start()
	s.Shutdown(ctx)
}

func TestNewFailsOnUnknownTransport(t *testing.T) {
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{
		StoragePath:  filepath.Join(dir, "blobs"),
		DatabasePath: filepath.Join(dir, "db.sqlite"),
		Transports: map[string]map[string]any{
			"nonexistent": {},
		},
	}

	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Fatal("expected an error configuring an unknown transport")
	}
}

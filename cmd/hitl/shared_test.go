package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/yencolon/human-in-the-loop-chat/internal/config"
)

func testConfig(storage *config.StorageConfig) *config.Config {
	return &config.Config{
		Slack:   config.SlackConfig{BotToken: "xoxb-test", Channel: "C123"},
		Storage: storage,
	}
}

func TestInitShared_Memory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc, err := initShared(context.Background(), testConfig(&config.StorageConfig{Driver: "memory"}), logger)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Durable() {
		t.Error("memory storage reported as durable")
	}
	if sc.Orchestrator == nil || sc.Dispatcher == nil || sc.Events == nil {
		t.Fatal("components not wired")
	}
	stop, err := sc.StartSweeper(context.Background())
	if err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	stop()
}

func TestInitShared_SQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(&config.StorageConfig{
		Driver: "sqlite",
		SQLite: &config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "data", "hitl.db")},
	})
	cfg.Observability = &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Health:  &config.HealthConfig{IncludeDB: true},
	}

	sc, err := initShared(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if !sc.Durable() || sc.Store.Driver() != "sqlite" {
		t.Fatalf("store = %v", sc.Store)
	}
	status := sc.Obs.Health.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("readiness = %+v", status)
	}
}

func TestInitShared_RequiresSlack(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := initShared(context.Background(), &config.Config{}, logger); err == nil {
		t.Fatal("expected error without slack credentials")
	}
}

func TestNewLogger_Level(t *testing.T) {
	defer func(prev string) { logLevel = prev }(logLevel)

	logLevel = "debug"
	if _, err := newLogger(); err != nil {
		t.Errorf("debug: %v", err)
	}
	logLevel = "loud"
	if _, err := newLogger(); err == nil {
		t.Error("expected error for an unknown level")
	}
}

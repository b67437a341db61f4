package main

import (
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// APPLICATION LIFECYCLE TESTS
// =============================================================================

func testAppConfig(t *testing.T) Config {
	t.Helper()

	cfg := defaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Database.WalMode = false
	cfg.Web.Port = 0 // let the OS pick a port
	return cfg
}

func TestNewTabdeckApp_Success(t *testing.T) {
	cfg := testAppConfig(t)

	app, err := newTabdeckApp(&cfg)
	if err != nil {
		t.Fatalf("Expected successful app creation, got error: %v", err)
	}
	defer app.stop()

	if app.db == nil {
		t.Error("Expected database to be initialized")
	}
	if app.webServer == nil {
		t.Error("Expected web server to be initialized")
	}
	if app.fetcher == nil {
		t.Error("Expected metadata fetcher to be initialized")
	}
}

func TestNewTabdeckApp_DatabaseError(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Database.BusyTimeout = "not-a-duration"

	if _, err := newTabdeckApp(&cfg); err == nil {
		t.Error("Expected error for invalid database config")
	}
}

func TestNewTabdeckApp_FetcherError(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Fetch.Timeout = "not-a-duration"

	if _, err := newTabdeckApp(&cfg); err == nil {
		t.Error("Expected error for invalid fetch config")
	}
}

func TestTabdeckApp_StartAndStop(t *testing.T) {
	cfg := testAppConfig(t)

	app, err := newTabdeckApp(&cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	if err := app.start(); err != nil {
		t.Fatalf("Failed to start app: %v", err)
	}

	// Give the listener goroutine a moment before shutting down.
	time.Sleep(50 * time.Millisecond)

	if err := app.stop(); err != nil {
		t.Errorf("Failed to stop app: %v", err)
	}
}

func TestTabdeckApp_StopLeavesEventChannelOpen(t *testing.T) {
	cfg := testAppConfig(t)

	app, err := newTabdeckApp(&cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	if err := app.stop(); err != nil {
		t.Fatalf("Failed to stop app: %v", err)
	}

	// An importer finishing during shutdown may still emit; the channel
	// stays open so this must not panic.
	sendEvent(app.eventChan, ServerEvent{Type: "import_complete"})
}

func TestTabdeckApp_StopWithoutStart(t *testing.T) {
	cfg := testAppConfig(t)

	app, err := newTabdeckApp(&cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	if err := app.stop(); err != nil {
		t.Errorf("Expected clean stop without start, got %v", err)
	}
}

// =============================================================================
// LOGGING SETUP TESTS
// =============================================================================

func TestSetupLogging_AllFormats(t *testing.T) {
	// These only need to not panic; output goes to stderr.
	setupLogging("info", "console")
	setupLogging("info", "json")
	setupLogging("debug", "console")
	setupLogging("not-a-level", "console")
}

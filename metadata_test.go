package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// =============================================================================
// PAGE METADATA FETCHER TESTS
// =============================================================================

func newTestFetcher(t *testing.T) *MetadataFetcher {
	t.Helper()

	fetcher, err := newMetadataFetcher(defaultConfig())
	if err != nil {
		t.Fatalf("Failed to create metadata fetcher: %v", err)
	}
	return fetcher
}

func TestFetch_ParsesHTMLMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "tabdeck/") {
			t.Errorf("Expected tabdeck user agent, got %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html><head>
<title>  Example Page  </title>
<meta name="description" content="A description here">
<link rel="icon" href="/favicon.png">
</head><body>hello</body></html>`))
	}))
	defer server.Close()

	meta, err := newTestFetcher(t).fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if meta.Title != "Example Page" {
		t.Errorf("Expected title Example Page, got %q", meta.Title)
	}
	if meta.Description != "A description here" {
		t.Errorf("Expected description, got %q", meta.Description)
	}
	if meta.Icon != server.URL+"/favicon.png" {
		t.Errorf("Expected resolved icon URL, got %q", meta.Icon)
	}
}

func TestFetch_OGDescriptionFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head>
<meta property="og:description" content="Social description">
</head></html>`))
	}))
	defer server.Close()

	meta, err := newTestFetcher(t).fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if meta.Description != "Social description" {
		t.Errorf("Expected og:description used, got %q", meta.Description)
	}
}

func TestFetch_IconFromLinkHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</header-icon.ico>; rel="icon"`)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><link rel="icon" href="/body-icon.ico"></head></html>`))
	}))
	defer server.Close()

	meta, err := newTestFetcher(t).fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	// The Link response header wins over the in-page tag.
	if meta.Icon != server.URL+"/header-icon.ico" {
		t.Errorf("Expected header icon, got %q", meta.Icon)
	}
}

func TestFetch_NonHTMLDegradesToFallbackTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	meta, err := newTestFetcher(t).fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasPrefix(meta.Title, "127.0.0.1") {
		t.Errorf("Expected host fallback title, got %q", meta.Title)
	}
	if meta.Description != "" {
		t.Errorf("Expected no description for non-HTML, got %q", meta.Description)
	}
}

func TestFetch_NonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := newTestFetcher(t).fetch(context.Background(), server.URL); err == nil {
		t.Error("Expected error for 404 response")
	}
}

func TestFetch_RejectsInvalidURL(t *testing.T) {
	_, err := newTestFetcher(t).fetch(context.Background(), "ftp://example.com")
	if !errors.Is(err, errValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

// =============================================================================
// HTML PARSING TESTS
// =============================================================================

func TestParsePageHTML_FirstValuesWin(t *testing.T) {
	doc := `<html><head>
<title>First</title>
<title>Second</title>
<meta name="description" content="first desc">
<meta property="og:description" content="second desc">
<link rel="shortcut icon" href="/a.ico">
<link rel="icon" href="/b.ico">
</head></html>`

	title, description, icon := parsePageHTML(strings.NewReader(doc))
	if title != "First" {
		t.Errorf("Expected first title, got %q", title)
	}
	if description != "first desc" {
		t.Errorf("Expected first description, got %q", description)
	}
	if icon != "/a.ico" {
		t.Errorf("Expected first icon, got %q", icon)
	}
}

func TestParsePageHTML_EmptyDocument(t *testing.T) {
	title, description, icon := parsePageHTML(strings.NewReader(""))
	if title != "" || description != "" || icon != "" {
		t.Errorf("Expected empty results, got %q %q %q", title, description, icon)
	}
}

func TestResolveAgainst(t *testing.T) {
	tests := []struct {
		base string
		ref  string
		want string
	}{
		{"https://example.com/page", "/favicon.ico", "https://example.com/favicon.ico"},
		{"https://example.com/a/b", "icon.png", "https://example.com/a/icon.png"},
		{"https://example.com", "https://cdn.example.com/i.png", "https://cdn.example.com/i.png"},
	}

	for _, tt := range tests {
		if got := resolveAgainst(tt.base, tt.ref); got != tt.want {
			t.Errorf("resolveAgainst(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

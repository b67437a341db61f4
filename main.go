package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/McKael/madon/v3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/peterhellberg/link"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	_ "modernc.org/sqlite"
)

//go:embed web/*
var webFS embed.FS

// =============================================================================
// VERSION INFORMATION
// =============================================================================

// Version information set by build process
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "unknown"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type DatabaseConfig struct {
	Path        string `toml:"path"`
	WalMode     bool   `toml:"wal_mode"`
	BusyTimeout string `toml:"busy_timeout"`
}

type WebConfig struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SearchConfig struct {
	IndexedFields []string `toml:"indexed_fields"`
}

type FetchConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
	MaxBody   int64  `toml:"max_body"`
}

type DockConfig struct {
	Capacity int `toml:"capacity"`
}

type MastodonConfig struct {
	Server        string `toml:"server"`
	AccessToken   string `toml:"access_token"`
	ClientTimeout string `toml:"client_timeout"`
	BatchSize     int    `toml:"batch_size"`
}

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Web      WebConfig      `toml:"web"`
	Logging  LoggingConfig  `toml:"logging"`
	Search   SearchConfig   `toml:"search"`
	Fetch    FetchConfig    `toml:"fetch"`
	Dock     DockConfig     `toml:"dock"`
	Mastodon MastodonConfig `toml:"mastodon"`
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path:        "./tabdeck.db",
			WalMode:     true,
			BusyTimeout: "5s",
		},
		Web: WebConfig{
			Listen: "127.0.0.1",
			Port:   8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Search: SearchConfig{
			IndexedFields: []string{"title", "url", "description", "tags"},
		},
		Fetch: FetchConfig{
			Timeout:   "15s",
			UserAgent: "tabdeck/1.0",
			MaxBody:   1 << 20,
		},
		Dock: DockConfig{
			Capacity: 8,
		},
		Mastodon: MastodonConfig{
			Server:        "",
			AccessToken:   "",
			ClientTimeout: "30s",
			BatchSize:     40,
		},
	}
}

func loadConfig(path string, cfg interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Read the TOML content once to see what fields are actually present
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(content)

	// Parse into a map first to see what keys are present
	var tomlMap map[string]interface{}
	if _, err := toml.NewDecoder(reader).Decode(&tomlMap); err != nil {
		return err
	}

	// Reset reader for the next decode
	if _, err := reader.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to reset reader: %w", err)
	}

	// Now decode into the actual struct
	cfgType := reflect.TypeOf(cfg).Elem()
	partial := reflect.New(cfgType).Interface()
	if _, err := toml.NewDecoder(reader).Decode(partial); err != nil {
		return err
	}

	mergeStructs(cfg, partial, tomlMap)
	return nil
}

func mergeStructs(dst, src interface{}, tomlMap map[string]interface{}) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()
	dstType := dstVal.Type()

	for i := 0; i < dstVal.NumField(); i++ {
		field := dstVal.Field(i)
		srcField := srcVal.Field(i)
		fieldType := dstType.Field(i)

		tomlTag := getTomlTag(fieldType)

		if field.Kind() == reflect.Struct {
			// For nested structs, check if the section exists in TOML
			nestedMap := make(map[string]interface{})
			if sectionMap, ok := tomlMap[tomlTag].(map[string]interface{}); ok {
				nestedMap = sectionMap
			}

			mergeStructs(field.Addr().Interface(), srcField.Addr().Interface(), nestedMap)
		} else {
			// Check if this field was actually present in the TOML
			if _, fieldPresent := tomlMap[tomlTag]; fieldPresent {
				// Field was explicitly set in TOML, so merge it regardless of value
				field.Set(srcField)
			} else {
				// Field was not in TOML, so only merge non-zero values
				zero := reflect.Zero(field.Type()).Interface()
				if !reflect.DeepEqual(srcField.Interface(), zero) {
					field.Set(srcField)
				}
			}
		}
	}
}

// getTomlTag extracts the TOML tag from a struct field, or uses the field name if not present.
func getTomlTag(field reflect.StructField) string {
	tag := field.Tag.Get("toml")
	if tag != "" {
		return tag
	}
	return field.Name
}

// =============================================================================
// LOGGING
// =============================================================================

func setupLogging(level, format string) {
	logLevel := parseLogLevel(level)
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if logLevel <= zerolog.DebugLevel {
		zlog.Logger = zlog.Logger.With().Caller().Logger()
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func validLogLevels() []string {
	return []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
}

// =============================================================================
// MODELS
// =============================================================================

const (
	KindLink   = "link"
	KindFolder = "folder"
)

// rootFolderID is the parent of top-level grid items. It never has a
// bookmark row of its own.
const rootFolderID = ""

type Bookmark struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BookmarkPatch carries a partial update; nil fields are left untouched.
type BookmarkPatch struct {
	Title       *string   `json:"title,omitempty"`
	URL         *string   `json:"url,omitempty"`
	Icon        *string   `json:"icon,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

type TreeNode struct {
	*Bookmark
	Children []*TreeNode `json:"children,omitempty"`
}

type SearchRequest struct {
	Query              string `json:"query"`
	Limit              int    `json:"limit,omitempty"`
	Offset             int    `json:"offset,omitempty"`
	Kind               string `json:"kind,omitempty"`
	Tag                string `json:"tag,omitempty"`
	EnableHighlighting bool   `json:"enable_highlighting,omitempty"`
	SnippetLength      int    `json:"snippet_length,omitempty"`
}

type SearchResult struct {
	Bookmark *Bookmark `json:"bookmark"`
	Rank     float64   `json:"rank"`
	Snippet  string    `json:"snippet,omitempty"`
}

type PageMetadata struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type Snapshot struct {
	Version    int                        `json:"version"`
	ExportedAt time.Time                  `json:"exported_at"`
	Bookmarks  []*Bookmark                `json:"bookmarks"`
	Order      map[string][]string        `json:"order"`
	Dock       []string                   `json:"dock"`
	Settings   map[string]json.RawMessage `json:"settings"`
}

const snapshotVersion = 1

// Sentinel errors mapped to HTTP statuses by the web layer.
var (
	errNotFound      = errors.New("bookmark not found")
	errNotAFolder    = errors.New("parent is not a folder")
	errCycle         = errors.New("cannot move a folder into its own subtree")
	errUnknownChild  = errors.New("id is not a child of this folder")
	errDockFull      = errors.New("dock is full")
	errDockDuplicate = errors.New("already in dock")
	errDockMissing   = errors.New("not in dock")
	errBadMerge      = errors.New("cannot merge a folder into a link")
	errValidation    = errors.New("invalid request")
)

func newBookmarkID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func validateBookmarkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url", errValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", errValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", errValidation)
	}
	return nil
}

// =============================================================================
// DATABASE
// =============================================================================

type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	// opMu serializes compound mutations (create/move/merge/dock) so the
	// order arrays and the rows they reference cannot interleave.
	opMu sync.Mutex

	indexedFields []string
	dockCapacity  int
}

func newDatabase(cfg Config) (*Database, error) {
	var busyTimeout time.Duration
	var err error
	if cfg.Database.BusyTimeout != "" {
		busyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid busy timeout: %w", err)
		}
	} else {
		busyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(cfg.Database.Path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	busyTimeoutMs := int(busyTimeout.Milliseconds())
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if cfg.Database.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	indexedFields := cfg.Search.IndexedFields
	if len(indexedFields) == 0 {
		indexedFields = defaultConfig().Search.IndexedFields
	}

	dockCapacity := cfg.Dock.Capacity
	if dockCapacity <= 0 {
		dockCapacity = defaultConfig().Dock.Capacity
	}

	database := &Database{
		db:            db,
		path:          cfg.Database.Path,
		indexedFields: indexedFields,
		dockCapacity:  dockCapacity,
	}

	if err := database.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

func (d *Database) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// getDB safely returns the database connection
func (d *Database) getDB() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	return d.db, nil
}

func (d *Database) runMigrations() error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback migration transaction")
		}
	}()

	for _, stmt := range getMigrationStatements() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w", err)
		}
	}

	return tx.Commit()
}

func getMigrationStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS bookmarks (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL CHECK (kind IN ('link', 'folder')),
			title TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			search_text TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parent_id ON bookmarks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_created_at ON bookmarks(created_at)`,
		`CREATE TABLE IF NOT EXISTS bookmark_tags (
			bookmark_id TEXT NOT NULL REFERENCES bookmarks(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (bookmark_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tag ON bookmark_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS folder_order (
			folder_id TEXT PRIMARY KEY,
			child_ids TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dock (
			id INTEGER PRIMARY KEY DEFAULT 1,
			item_ids TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (id = 1)
		)`,
		`INSERT OR IGNORE INTO dock (id) VALUES (1)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS bookmarks_fts USING fts5(
			id UNINDEXED,
			search_text,
			content='bookmarks',
			content_rowid='rowid',
			tokenize='porter unicode61 remove_diacritics 1'
		)`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_insert AFTER INSERT ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(rowid, id, search_text)
			VALUES (new.rowid, new.id, new.search_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_delete AFTER DELETE ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(bookmarks_fts, rowid, id, search_text)
			VALUES('delete', old.rowid, old.id, old.search_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_update AFTER UPDATE ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(bookmarks_fts, rowid, id, search_text)
			VALUES('delete', old.rowid, old.id, old.search_text);
			INSERT INTO bookmarks_fts(rowid, id, search_text)
			VALUES (new.rowid, new.id, new.search_text);
		END`,
	}
}

func marshalIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalIDs(data string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return []string{}
	}
	if ids == nil {
		return []string{}
	}
	return ids
}

// =============================================================================
// BOOKMARK STORAGE
// =============================================================================

func (d *Database) createBookmark(b *Bookmark, atIndex int) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.createBookmarkLocked(b, atIndex)
}

func (d *Database) createBookmarkLocked(b *Bookmark, atIndex int) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	if b.Kind != KindLink && b.Kind != KindFolder {
		return fmt.Errorf("%w: kind must be link or folder", errValidation)
	}

	b.Title = strings.TrimSpace(b.Title)

	switch b.Kind {
	case KindLink:
		if b.URL == "" {
			return fmt.Errorf("%w: url is required for links", errValidation)
		}
		if err := validateBookmarkURL(b.URL); err != nil {
			return err
		}
		if b.Title == "" {
			b.Title = fallbackTitle(b.URL)
		}
	case KindFolder:
		if b.URL != "" {
			return fmt.Errorf("%w: folders do not have a url", errValidation)
		}
		if b.Title == "" {
			return fmt.Errorf("%w: title is required for folders", errValidation)
		}
	}

	if b.ParentID != rootFolderID {
		parent, err := d.getBookmark(b.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("parent %s: %w", b.ParentID, errNotFound)
		}
		if parent.Kind != KindFolder {
			return errNotAFolder
		}
	}

	id, err := newBookmarkID()
	if err != nil {
		return err
	}
	b.ID = id
	b.Tags = normalizeTags(b.Tags)

	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	searchText := buildSearchText(b, d.indexedFields)

	query := `INSERT INTO bookmarks
		(id, parent_id, kind, title, url, icon, description, search_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.Exec(query,
		b.ID, b.ParentID, b.Kind, b.Title, b.URL, b.Icon, b.Description,
		searchText, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bookmark: %w", err)
	}

	if err := d.replaceTags(b.ID, b.Tags); err != nil {
		return err
	}

	ids, err := d.orderedChildIDsLocked(b.ParentID)
	if err != nil {
		return err
	}
	ids = insertIDAt(removeID(ids, b.ID), b.ID, atIndex)
	return d.setFolderOrder(b.ParentID, ids)
}

func (d *Database) getBookmark(id string) (*Bookmark, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, parent_id, kind, title, url, icon, description, created_at, updated_at
		FROM bookmarks WHERE id = ?`

	var b Bookmark
	err = db.QueryRow(query, id).Scan(
		&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
		&b.Description, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bookmark: %w", err)
	}

	tags, err := d.getTags(id)
	if err != nil {
		return nil, err
	}
	b.Tags = tags

	return &b, nil
}

func (d *Database) getTags(bookmarkID string) ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT tag FROM bookmark_tags WHERE bookmark_id = ? ORDER BY tag`, bookmarkID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (d *Database) replaceTags(bookmarkID string, tags []string) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM bookmark_tags WHERE bookmark_id = ?`, bookmarkID); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := db.Exec(`INSERT OR IGNORE INTO bookmark_tags (bookmark_id, tag) VALUES (?, ?)`, bookmarkID, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

// listChildren returns a folder's direct children in their stored order.
func (d *Database) listChildren(folderID string) ([]*Bookmark, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, parent_id, kind, title, url, icon, description, created_at, updated_at
		FROM bookmarks WHERE parent_id = ?`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Bookmark)
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
			&b.Description, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		byID[b.ID] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over children: %w", err)
	}

	ids, err := d.orderedChildIDs(folderID)
	if err != nil {
		return nil, err
	}

	children := []*Bookmark{}
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			continue
		}
		tags, err := d.getTags(id)
		if err != nil {
			return nil, err
		}
		b.Tags = tags
		children = append(children, b)
	}
	return children, nil
}

func (d *Database) updateBookmark(id string, patch BookmarkPatch) (*Bookmark, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	b, err := d.getBookmark(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errNotFound
	}

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be empty", errValidation)
		}
		b.Title = title
	}
	if patch.URL != nil {
		if b.Kind == KindFolder {
			if *patch.URL != "" {
				return nil, fmt.Errorf("%w: folders do not have a url", errValidation)
			}
		} else {
			if err := validateBookmarkURL(*patch.URL); err != nil {
				return nil, err
			}
			b.URL = *patch.URL
		}
	}
	if patch.Icon != nil {
		b.Icon = *patch.Icon
	}
	if patch.Description != nil {
		b.Description = *patch.Description
	}
	if patch.Tags != nil {
		b.Tags = normalizeTags(*patch.Tags)
	}

	b.UpdatedAt = time.Now().UTC()
	searchText := buildSearchText(b, d.indexedFields)

	// Row and tags change together or not at all, so search_text and the
	// tag rows cannot drift apart on a failed write.
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback update transaction")
		}
	}()

	query := `UPDATE bookmarks
		SET title = ?, url = ?, icon = ?, description = ?, search_text = ?, updated_at = ?
		WHERE id = ?`

	if _, err := tx.Exec(query, b.Title, b.URL, b.Icon, b.Description, searchText, b.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("failed to update bookmark: %w", err)
	}

	if patch.Tags != nil {
		if _, err := tx.Exec(`DELETE FROM bookmark_tags WHERE bookmark_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to clear tags: %w", err)
		}
		for _, tag := range b.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO bookmark_tags (bookmark_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return nil, fmt.Errorf("failed to insert tag: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update transaction: %w", err)
	}

	return b, nil
}

// deleteBookmark removes a bookmark and, for folders, the whole subtree.
// Deleted IDs are purged from order arrays and the dock, and a parent
// folder left empty is dissolved.
func (d *Database) deleteBookmark(id string) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.deleteBookmarkLocked(id)
}

func (d *Database) deleteBookmarkLocked(id string) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	b, err := d.getBookmark(id)
	if err != nil {
		return err
	}
	if b == nil {
		return errNotFound
	}

	ids, err := d.subtreeIDs(id)
	if err != nil {
		return err
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, v := range ids {
		args[i] = v
	}

	if _, err := db.Exec(`DELETE FROM bookmarks WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete bookmarks: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM bookmark_tags WHERE bookmark_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete bookmark tags: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM folder_order WHERE folder_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete folder orders: %w", err)
	}

	parentOrder, err := d.getFolderOrder(b.ParentID)
	if err != nil {
		return err
	}
	if cleaned, changed := removeIDs(parentOrder, ids); changed {
		if err := d.setFolderOrder(b.ParentID, cleaned); err != nil {
			return err
		}
	}

	dockIDs, err := d.getDockRaw()
	if err != nil {
		return err
	}
	if cleaned, changed := removeIDs(dockIDs, ids); changed {
		if err := d.setDockRaw(cleaned); err != nil {
			return err
		}
	}

	_, err = d.dissolveIfEmptyLocked(b.ParentID)
	return err
}

// subtreeIDs returns the bookmark's ID plus every descendant ID.
func (d *Database) subtreeIDs(id string) ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	ids := []string{id}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		rows, err := db.Query(`SELECT id FROM bookmarks WHERE parent_id = ?`, current)
		if err != nil {
			return nil, fmt.Errorf("failed to list subtree: %w", err)
		}
		for rows.Next() {
			var childID string
			if err := rows.Scan(&childID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan subtree id: %w", err)
			}
			ids = append(ids, childID)
			queue = append(queue, childID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

// =============================================================================
// ORDER ENGINE
// =============================================================================

// reconcileOrder cleans a stored child-ID array against the live set of
// children: IDs that no longer exist are dropped and children missing
// from the array are appended in creation order. The stored arrays can
// go stale the same way the browser-local copies they replace did.
func reconcileOrder(stored, children []string) ([]string, bool) {
	childSet := make(map[string]bool, len(children))
	for _, id := range children {
		childSet[id] = true
	}

	out := make([]string, 0, len(children))
	seen := make(map[string]bool, len(children))
	for _, id := range stored {
		if childSet[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range children {
		if !seen[id] {
			out = append(out, id)
		}
	}

	return out, !equalIDs(out, stored)
}

// spliceTo removes id from the array and re-inserts it at toIndex,
// clamped to the array bounds.
func spliceTo(ids []string, id string, toIndex int) ([]string, error) {
	found := false
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v == id {
			found = true
			continue
		}
		out = append(out, v)
	}
	if !found {
		return nil, errUnknownChild
	}
	return insertIDAt(out, id, toIndex), nil
}

func insertIDAt(ids []string, id string, index int) []string {
	if index < 0 || index >= len(ids) {
		return append(ids, id)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	out = append(out, ids[index:]...)
	return out
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func removeIDs(ids []string, remove []string) ([]string, bool) {
	removeSet := make(map[string]bool, len(remove))
	for _, id := range remove {
		removeSet[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if !removeSet[v] {
			out = append(out, v)
		}
	}
	return out, len(out) != len(ids)
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func indexOfID(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func (d *Database) getFolderOrder(folderID string) ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	var childIDs string
	err = db.QueryRow(`SELECT child_ids FROM folder_order WHERE folder_id = ?`, folderID).Scan(&childIDs)
	if err != nil {
		if err == sql.ErrNoRows {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to get folder order: %w", err)
	}
	return unmarshalIDs(childIDs), nil
}

func (d *Database) setFolderOrder(folderID string, ids []string) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	query := `INSERT INTO folder_order (folder_id, child_ids, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(folder_id) DO UPDATE SET child_ids = excluded.child_ids, updated_at = CURRENT_TIMESTAMP`

	if _, err := db.Exec(query, folderID, marshalIDs(ids)); err != nil {
		return fmt.Errorf("failed to set folder order: %w", err)
	}
	return nil
}

// childIDsByCreation lists a folder's child IDs in creation order. ULIDs
// sort by time, so ordering by id is ordering by creation.
func (d *Database) childIDsByCreation(folderID string) ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id FROM bookmarks WHERE parent_id = ? ORDER BY id`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan child id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// orderedChildIDs returns the reconciled order array for a folder,
// persisting the cleaned array when it differed from what was stored.
func (d *Database) orderedChildIDs(folderID string) ([]string, error) {
	return d.orderedChildIDsLocked(folderID)
}

func (d *Database) orderedChildIDsLocked(folderID string) ([]string, error) {
	stored, err := d.getFolderOrder(folderID)
	if err != nil {
		return nil, err
	}
	children, err := d.childIDsByCreation(folderID)
	if err != nil {
		return nil, err
	}

	merged, changed := reconcileOrder(stored, children)
	if changed {
		if err := d.setFolderOrder(folderID, merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (d *Database) reorderChild(folderID, childID string, toIndex int) ([]string, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	child, err := d.getBookmark(childID)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, errNotFound
	}
	if child.ParentID != folderID {
		return nil, errUnknownChild
	}

	ids, err := d.orderedChildIDsLocked(folderID)
	if err != nil {
		return nil, err
	}

	newIDs, err := spliceTo(ids, childID, toIndex)
	if err != nil {
		return nil, err
	}
	if equalIDs(newIDs, ids) {
		return ids, nil
	}
	if err := d.setFolderOrder(folderID, newIDs); err != nil {
		return nil, err
	}
	return newIDs, nil
}

// =============================================================================
// TREE OPS
// =============================================================================

// isAncestor reports whether ancestorID appears on the parent chain of
// nodeID (nodeID itself excluded).
func (d *Database) isAncestor(ancestorID, nodeID string) (bool, error) {
	db, err := d.getDB()
	if err != nil {
		return false, err
	}

	current := nodeID
	// The chain is bounded by tree depth; the cap only guards against a
	// corrupted parent loop.
	for i := 0; i < 1000; i++ {
		var parentID string
		err := db.QueryRow(`SELECT parent_id FROM bookmarks WHERE id = ?`, current).Scan(&parentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return false, nil
			}
			return false, fmt.Errorf("failed to walk parent chain: %w", err)
		}
		if parentID == rootFolderID {
			return false, nil
		}
		if parentID == ancestorID {
			return true, nil
		}
		current = parentID
	}
	return false, fmt.Errorf("parent chain too deep for %s", nodeID)
}

func (d *Database) moveBookmark(id, newParentID string, toIndex int) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.moveBookmarkLocked(id, newParentID, toIndex)
}

func (d *Database) moveBookmarkLocked(id, newParentID string, toIndex int) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	b, err := d.getBookmark(id)
	if err != nil {
		return err
	}
	if b == nil {
		return errNotFound
	}

	if id == newParentID {
		return errCycle
	}

	if newParentID != rootFolderID {
		parent, err := d.getBookmark(newParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("parent %s: %w", newParentID, errNotFound)
		}
		if parent.Kind != KindFolder {
			return errNotAFolder
		}
		if b.Kind == KindFolder {
			descendant, err := d.isAncestor(id, newParentID)
			if err != nil {
				return err
			}
			if descendant {
				return errCycle
			}
		}
	}

	if b.ParentID == newParentID {
		_, err := d.reorderLocked(newParentID, id, toIndex)
		return err
	}

	oldOrder, err := d.orderedChildIDsLocked(b.ParentID)
	if err != nil {
		return err
	}
	if err := d.setFolderOrder(b.ParentID, removeID(oldOrder, id)); err != nil {
		return err
	}

	if _, err := db.Exec(`UPDATE bookmarks SET parent_id = ?, updated_at = ? WHERE id = ?`,
		newParentID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to reparent bookmark: %w", err)
	}

	newOrder, err := d.orderedChildIDsLocked(newParentID)
	if err != nil {
		return err
	}
	newOrder, err = spliceTo(newOrder, id, toIndex)
	if err != nil {
		return err
	}
	if err := d.setFolderOrder(newParentID, newOrder); err != nil {
		return err
	}

	_, err = d.dissolveIfEmptyLocked(b.ParentID)
	return err
}

// reorderLocked is reorderChild without re-acquiring opMu, with the child
// already known to belong to the folder.
func (d *Database) reorderLocked(folderID, childID string, toIndex int) ([]string, error) {
	ids, err := d.orderedChildIDsLocked(folderID)
	if err != nil {
		return nil, err
	}
	newIDs, err := spliceTo(ids, childID, toIndex)
	if err != nil {
		return nil, err
	}
	if equalIDs(newIDs, ids) {
		return ids, nil
	}
	if err := d.setFolderOrder(folderID, newIDs); err != nil {
		return nil, err
	}
	return newIDs, nil
}

// dissolveIfEmptyLocked walks up from folderID deleting folders left
// without children. Returns the dissolved folder IDs.
func (d *Database) dissolveIfEmptyLocked(folderID string) ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	dissolved := []string{}
	for folderID != rootFolderID {
		folder, err := d.getBookmark(folderID)
		if err != nil {
			return dissolved, err
		}
		if folder == nil || folder.Kind != KindFolder {
			break
		}

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM bookmarks WHERE parent_id = ?`, folderID).Scan(&count); err != nil {
			return dissolved, fmt.Errorf("failed to count children: %w", err)
		}
		if count > 0 {
			break
		}

		if _, err := db.Exec(`DELETE FROM bookmarks WHERE id = ?`, folderID); err != nil {
			return dissolved, fmt.Errorf("failed to dissolve folder: %w", err)
		}
		if _, err := db.Exec(`DELETE FROM folder_order WHERE folder_id = ?`, folderID); err != nil {
			return dissolved, fmt.Errorf("failed to drop folder order: %w", err)
		}

		parentOrder, err := d.getFolderOrder(folder.ParentID)
		if err != nil {
			return dissolved, err
		}
		if err := d.setFolderOrder(folder.ParentID, removeID(parentOrder, folderID)); err != nil {
			return dissolved, err
		}

		dockIDs, err := d.getDockRaw()
		if err != nil {
			return dissolved, err
		}
		if cleaned, changed := removeIDs(dockIDs, []string{folderID}); changed {
			if err := d.setDockRaw(cleaned); err != nil {
				return dissolved, err
			}
		}

		dissolved = append(dissolved, folderID)
		folderID = folder.ParentID
	}
	return dissolved, nil
}

// mergeBookmarks implements merge-on-drop: dropping source onto a link
// creates a folder in the link's place holding both; dropping onto a
// folder appends source to it. Returns the folder that received the
// source.
func (d *Database) mergeBookmarks(sourceID, targetID string) (*Bookmark, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	source, err := d.getBookmark(sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errNotFound
	}
	target, err := d.getBookmark(targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errNotFound
	}

	if sourceID == targetID {
		return nil, fmt.Errorf("%w: cannot merge a bookmark with itself", errValidation)
	}
	if source.Kind == KindFolder && target.Kind == KindLink {
		return nil, errBadMerge
	}

	if target.Kind == KindFolder {
		if err := d.moveBookmarkLocked(sourceID, targetID, -1); err != nil {
			return nil, err
		}
		return d.getBookmark(targetID)
	}

	// Target is a link: build a folder in its grid slot.
	parentID := target.ParentID
	order, err := d.orderedChildIDsLocked(parentID)
	if err != nil {
		return nil, err
	}
	targetIndex := indexOfID(order, targetID)

	folder := &Bookmark{
		ParentID: parentID,
		Kind:     KindFolder,
		Title:    target.Title,
	}
	if err := d.createBookmarkLocked(folder, targetIndex); err != nil {
		return nil, err
	}

	if err := d.moveBookmarkLocked(targetID, folder.ID, -1); err != nil {
		return nil, err
	}
	if err := d.moveBookmarkLocked(sourceID, folder.ID, -1); err != nil {
		return nil, err
	}

	return d.getBookmark(folder.ID)
}

// buildTree assembles the full nested tree in stored order.
func (d *Database) buildTree() ([]*TreeNode, error) {
	return d.buildSubtree(rootFolderID)
}

func (d *Database) buildSubtree(folderID string) ([]*TreeNode, error) {
	children, err := d.listChildren(folderID)
	if err != nil {
		return nil, err
	}

	nodes := []*TreeNode{}
	for _, child := range children {
		node := &TreeNode{Bookmark: child}
		if child.Kind == KindFolder {
			sub, err := d.buildSubtree(child.ID)
			if err != nil {
				return nil, err
			}
			node.Children = sub
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// =============================================================================
// DOCK
// =============================================================================

func (d *Database) getDockRaw() ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	var itemIDs string
	if err := db.QueryRow(`SELECT item_ids FROM dock WHERE id = 1`).Scan(&itemIDs); err != nil {
		return nil, fmt.Errorf("failed to get dock: %w", err)
	}
	return unmarshalIDs(itemIDs), nil
}

func (d *Database) setDockRaw(ids []string) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`UPDATE dock SET item_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
		marshalIDs(ids)); err != nil {
		return fmt.Errorf("failed to set dock: %w", err)
	}
	return nil
}

func (d *Database) getDock() ([]string, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.getDockLocked()
}

// getDockLocked reconciles the pinned set against live bookmarks,
// persisting the cleaned array when entries had gone stale.
func (d *Database) getDockLocked() ([]string, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	ids, err := d.getDockRaw()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, v := range ids {
		args[i] = v
	}

	rows, err := db.Query(`SELECT id FROM bookmarks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check dock ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dock id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if existing[id] {
			cleaned = append(cleaned, id)
		}
	}
	if !equalIDs(cleaned, ids) {
		if err := d.setDockRaw(cleaned); err != nil {
			return nil, err
		}
	}
	return cleaned, nil
}

func (d *Database) dockAdd(id string) ([]string, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	b, err := d.getBookmark(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errNotFound
	}

	ids, err := d.getDockLocked()
	if err != nil {
		return nil, err
	}
	if containsID(ids, id) {
		return nil, errDockDuplicate
	}

	capacity := d.settingInt("dock_capacity", d.dockCapacity)
	if len(ids) >= capacity {
		return nil, errDockFull
	}

	ids = append(ids, id)
	if err := d.setDockRaw(ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Database) dockRemove(id string) ([]string, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	ids, err := d.getDockLocked()
	if err != nil {
		return nil, err
	}
	if !containsID(ids, id) {
		return nil, errDockMissing
	}

	ids = removeID(ids, id)
	if err := d.setDockRaw(ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Database) dockReorder(id string, toIndex int) ([]string, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	ids, err := d.getDockLocked()
	if err != nil {
		return nil, err
	}
	if !containsID(ids, id) {
		return nil, errDockMissing
	}

	newIDs, err := spliceTo(ids, id, toIndex)
	if err != nil {
		return nil, errDockMissing
	}
	if equalIDs(newIDs, ids) {
		return ids, nil
	}
	if err := d.setDockRaw(newIDs); err != nil {
		return nil, err
	}
	return newIDs, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (d *Database) defaultSettings() map[string]interface{} {
	return map[string]interface{}{
		"dock_capacity":   d.dockCapacity,
		"theme":           "system",
		"drawer_columns":  4,
		"open_in_new_tab": true,
	}
}

func (d *Database) getSettings() (map[string]interface{}, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	settings := d.defaultSettings()

	rows, err := db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			zlog.Warn().Str("key", key).Msg("Skipping unreadable setting value")
			continue
		}
		settings[key] = parsed
	}
	return settings, rows.Err()
}

func (d *Database) putSettings(values map[string]json.RawMessage) (map[string]interface{}, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	for key, raw := range values {
		switch key {
		case "dock_capacity", "drawer_columns":
			var n int
			if err := json.Unmarshal(raw, &n); err != nil || n < 1 {
				return nil, fmt.Errorf("%w: %s must be a positive integer", errValidation, key)
			}
		case "theme":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%w: theme must be a non-empty string", errValidation)
			}
		case "open_in_new_tab":
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, fmt.Errorf("%w: open_in_new_tab must be a boolean", errValidation)
			}
		default:
			return nil, fmt.Errorf("%w: unknown setting %q", errValidation, key)
		}
	}

	for key, raw := range values {
		query := `INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
		if _, err := db.Exec(query, key, string(raw)); err != nil {
			return nil, fmt.Errorf("failed to store setting: %w", err)
		}
	}

	return d.getSettings()
}

// settingInt reads an integer setting, tolerating the float64 JSON
// numbers decode to.
func (d *Database) settingInt(key string, fallback int) int {
	settings, err := d.getSettings()
	if err != nil {
		return fallback
	}
	switch v := settings[key].(type) {
	case int:
		return v
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return fallback
}

// =============================================================================
// SEARCH
// =============================================================================

func (d *Database) searchBookmarksWithFTS5(request *SearchRequest) ([]*SearchResult, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	if request.Query == "" {
		return []*SearchResult{}, nil
	}

	limit := request.Limit
	if limit <= 0 {
		limit = 100
	}

	offset := request.Offset
	if offset < 0 {
		offset = 0
	}

	// snippet() takes a token count capped at 64 by SQLite
	snippetTokens := minInt(request.SnippetLength, 64)
	if snippetTokens <= 0 {
		snippetTokens = 32
	}

	searchQuery := prepareFTS5Query(request.Query)

	filter := ""
	filterArgs := []interface{}{}
	if request.Kind != "" {
		filter += " AND b.kind = ?"
		filterArgs = append(filterArgs, request.Kind)
	}
	if request.Tag != "" {
		filter += " AND EXISTS (SELECT 1 FROM bookmark_tags bt WHERE bt.bookmark_id = b.id AND bt.tag = ?)"
		filterArgs = append(filterArgs, strings.ToLower(strings.TrimSpace(request.Tag)))
	}

	var query string
	var args []interface{}

	if request.EnableHighlighting {
		query = `
			SELECT
				b.id, b.parent_id, b.kind, b.title, b.url, b.icon, b.description, b.created_at, b.updated_at,
				bm25(bookmarks_fts) as rank,
				snippet(bookmarks_fts, 1, '<mark>', '</mark>', '...', ?) as snippet
			FROM bookmarks_fts
			JOIN bookmarks b ON b.rowid = bookmarks_fts.rowid
			WHERE bookmarks_fts MATCH ?` + filter + `
			ORDER BY rank
			LIMIT ? OFFSET ?`
		args = []interface{}{snippetTokens, searchQuery}
	} else {
		query = `
			SELECT
				b.id, b.parent_id, b.kind, b.title, b.url, b.icon, b.description, b.created_at, b.updated_at,
				bm25(bookmarks_fts) as rank
			FROM bookmarks_fts
			JOIN bookmarks b ON b.rowid = bookmarks_fts.rowid
			WHERE bookmarks_fts MATCH ?` + filter + `
			ORDER BY rank
			LIMIT ? OFFSET ?`
		args = []interface{}{searchQuery}
	}
	args = append(args, filterArgs...)
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS5 search: %w", err)
	}
	defer rows.Close()

	results := []*SearchResult{}
	for rows.Next() {
		var b Bookmark
		var rank float64
		var snippet sql.NullString

		if request.EnableHighlighting {
			err = rows.Scan(&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
				&b.Description, &b.CreatedAt, &b.UpdatedAt, &rank, &snippet)
		} else {
			err = rows.Scan(&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
				&b.Description, &b.CreatedAt, &b.UpdatedAt, &rank)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}

		result := &SearchResult{
			Bookmark: &b,
			Rank:     rank,
		}
		if snippet.Valid {
			result.Snippet = snippet.String
		}
		results = append(results, result)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over search results: %w", err)
	}

	for _, result := range results {
		tags, err := d.getTags(result.Bookmark.ID)
		if err != nil {
			return nil, err
		}
		result.Bookmark.Tags = tags
	}

	return results, nil
}

func (d *Database) getRecentBookmarks(limit, offset int, kind, tag string) ([]*SearchResult, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	filter := ""
	args := []interface{}{}
	if kind != "" {
		filter += " AND b.kind = ?"
		args = append(args, kind)
	}
	if tag != "" {
		filter += " AND EXISTS (SELECT 1 FROM bookmark_tags bt WHERE bt.bookmark_id = b.id AND bt.tag = ?)"
		args = append(args, strings.ToLower(strings.TrimSpace(tag)))
	}

	query := `SELECT b.id, b.parent_id, b.kind, b.title, b.url, b.icon, b.description, b.created_at, b.updated_at
		FROM bookmarks b WHERE 1=1` + filter + ` ORDER BY b.created_at DESC, b.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute recent bookmarks query: %w", err)
	}
	defer rows.Close()

	results := []*SearchResult{}
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
			&b.Description, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recent bookmark result: %w", err)
		}
		results = append(results, &SearchResult{Bookmark: &b, Rank: 0.0})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over recent bookmark results: %w", err)
	}

	for _, result := range results {
		tags, err := d.getTags(result.Bookmark.ID)
		if err != nil {
			return nil, err
		}
		result.Bookmark.Tags = tags
	}

	return results, nil
}

func (d *Database) searchOrRecentBookmarks(request *SearchRequest) ([]*SearchResult, error) {
	if strings.TrimSpace(request.Query) == "" {
		return d.getRecentBookmarks(request.Limit, request.Offset, request.Kind, request.Tag)
	}
	return d.searchBookmarksWithFTS5(request)
}

func prepareFTS5Query(query string) string {
	query = strings.TrimSpace(query)

	if strings.HasPrefix(query, "\"") && strings.HasSuffix(query, "\"") {
		return query
	}

	upperQuery := strings.ToUpper(query)
	if strings.Contains(upperQuery, " AND ") || strings.Contains(upperQuery, " OR ") || strings.Contains(upperQuery, " NOT ") {
		return query
	}

	if !strings.HasSuffix(query, "*") && !strings.HasSuffix(query, "\"") && !strings.Contains(query, "\"") {
		words := strings.Fields(query)
		for i, word := range words {
			if !strings.HasSuffix(word, "*") && !strings.HasSuffix(word, "\"") && !strings.Contains(word, "\"") {
				words[i] = word + "*"
			}
		}
		return strings.Join(words, " ")
	}

	return query
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// =============================================================================
// STATS
// =============================================================================

func (d *Database) stats() (map[string]interface{}, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	var links, folders int
	rows, err := db.Query(`SELECT kind, COUNT(*) FROM bookmarks GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bookmarks: %w", err)
	}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan bookmark count: %w", err)
		}
		switch kind {
		case KindLink:
			links = count
		case KindFolder:
			folders = count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var tagCount int
	if err := db.QueryRow(`SELECT COUNT(DISTINCT tag) FROM bookmark_tags`).Scan(&tagCount); err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}

	dockIDs, err := d.getDockRaw()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_bookmarks": links + folders,
		"links":           links,
		"folders":         folders,
		"tags":            tagCount,
		"dock_items":      len(dockIDs),
		"updated_at":      time.Now().UTC(),
	}, nil
}

// =============================================================================
// SNAPSHOT EXPORT / IMPORT
// =============================================================================

// listAll returns every bookmark in the store, tags attached, ordered by
// id (IDs are time-sortable, so this is creation order).
func (d *Database) listAll() ([]*Bookmark, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, parent_id, kind, title, url, icon, description, created_at, updated_at
		FROM bookmarks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := []*Bookmark{}
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.ParentID, &b.Kind, &b.Title, &b.URL, &b.Icon,
			&b.Description, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		bookmarks = append(bookmarks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range bookmarks {
		tags, err := d.getTags(b.ID)
		if err != nil {
			return nil, err
		}
		b.Tags = tags
	}
	return bookmarks, nil
}

func (d *Database) exportSnapshot() (*Snapshot, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	bookmarks, err := d.listAll()
	if err != nil {
		return nil, err
	}

	order := make(map[string][]string)
	orderRows, err := db.Query(`SELECT folder_id, child_ids FROM folder_order`)
	if err != nil {
		return nil, fmt.Errorf("failed to export folder order: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		var folderID, childIDs string
		if err := orderRows.Scan(&folderID, &childIDs); err != nil {
			return nil, fmt.Errorf("failed to scan folder order: %w", err)
		}
		order[folderID] = unmarshalIDs(childIDs)
	}
	if err := orderRows.Err(); err != nil {
		return nil, err
	}

	dock, err := d.getDockRaw()
	if err != nil {
		return nil, err
	}

	settings := make(map[string]json.RawMessage)
	settingRows, err := db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to export settings: %w", err)
	}
	defer settingRows.Close()
	for settingRows.Next() {
		var key, value string
		if err := settingRows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = json.RawMessage(value)
	}
	if err := settingRows.Err(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UTC(),
		Bookmarks:  bookmarks,
		Order:      order,
		Dock:       dock,
		Settings:   settings,
	}, nil
}

// importSnapshot replaces the entire store with the snapshot contents.
func (d *Database) importSnapshot(s *Snapshot) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	db, err := d.getDB()
	if err != nil {
		return err
	}

	if s.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", errValidation, s.Version)
	}
	folders := make(map[string]bool)
	seen := make(map[string]bool)
	for _, b := range s.Bookmarks {
		if b.ID == "" {
			return fmt.Errorf("%w: snapshot bookmark without id", errValidation)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: snapshot bookmark %s appears twice", errValidation, b.ID)
		}
		seen[b.ID] = true
		if b.Kind != KindLink && b.Kind != KindFolder {
			return fmt.Errorf("%w: snapshot bookmark %s has kind %q", errValidation, b.ID, b.Kind)
		}
		if b.Kind == KindFolder {
			folders[b.ID] = true
		}
	}
	// Every non-root parent must resolve to a folder within the snapshot,
	// or the imported row would be unreachable from the tree.
	for _, b := range s.Bookmarks {
		if b.ParentID == rootFolderID {
			continue
		}
		if !folders[b.ParentID] {
			return fmt.Errorf("%w: snapshot bookmark %s has parent %q which is not a folder in the snapshot",
				errValidation, b.ID, b.ParentID)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback import transaction")
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM bookmark_tags`,
		`DELETE FROM bookmarks`,
		`DELETE FROM folder_order`,
		`DELETE FROM settings`,
		`UPDATE dock SET item_ids = '[]', updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to clear store for import: %w", err)
		}
	}

	now := time.Now().UTC()
	for _, b := range s.Bookmarks {
		createdAt := b.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		updatedAt := b.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		b.Tags = normalizeTags(b.Tags)
		searchText := buildSearchText(b, d.indexedFields)

		if _, err := tx.Exec(`INSERT INTO bookmarks
			(id, parent_id, kind, title, url, icon, description, search_text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.ParentID, b.Kind, b.Title, b.URL, b.Icon, b.Description,
			searchText, createdAt, updatedAt); err != nil {
			return fmt.Errorf("failed to import bookmark %s: %w", b.ID, err)
		}
		for _, tag := range b.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO bookmark_tags (bookmark_id, tag) VALUES (?, ?)`,
				b.ID, tag); err != nil {
				return fmt.Errorf("failed to import tag for %s: %w", b.ID, err)
			}
		}
	}

	for folderID, ids := range s.Order {
		if _, err := tx.Exec(`INSERT INTO folder_order (folder_id, child_ids, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)`, folderID, marshalIDs(ids)); err != nil {
			return fmt.Errorf("failed to import folder order: %w", err)
		}
	}

	if len(s.Dock) > 0 {
		if _, err := tx.Exec(`UPDATE dock SET item_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
			marshalIDs(s.Dock)); err != nil {
			return fmt.Errorf("failed to import dock: %w", err)
		}
	}

	for key, raw := range s.Settings {
		if _, err := tx.Exec(`INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)`, key, string(raw)); err != nil {
			return fmt.Errorf("failed to import setting %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// =============================================================================
// SEARCH TEXT
// =============================================================================

func buildSearchText(b *Bookmark, indexedFields []string) string {
	var searchParts []string

	shouldIndex := func(field string) bool {
		for _, f := range indexedFields {
			if f == field {
				return true
			}
		}
		return false
	}

	if shouldIndex("title") && b.Title != "" {
		searchParts = append(searchParts, stripHTML(b.Title))
	}

	if shouldIndex("url") && b.URL != "" {
		searchParts = append(searchParts, b.URL)
		if u, err := url.Parse(b.URL); err == nil && u.Host != "" {
			searchParts = append(searchParts, strings.TrimPrefix(u.Host, "www."))
		}
	}

	if shouldIndex("description") && b.Description != "" {
		searchParts = append(searchParts, stripHTML(b.Description))
	}

	if shouldIndex("tags") {
		for _, tag := range b.Tags {
			if tag != "" {
				searchParts = append(searchParts, tag)
			}
		}
	}

	return strings.Join(searchParts, " ")
}

func stripHTML(htmlText string) string {
	// StrictPolicy strips all HTML tags
	policy := bluemonday.StrictPolicy()
	// Add space when stripping tags to prevent words from being merged
	policy = policy.AddSpaceWhenStrippingTag(true)

	cleaned := policy.Sanitize(htmlText)

	// Clean up extra whitespace
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	return cleaned
}

// fallbackTitle derives a display title from a URL when nothing better
// is available.
func fallbackTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Host, "www.")
}

// =============================================================================
// RATE LIMITER
// =============================================================================

type RateLimiter struct {
	maxRequests int
	timeWindow  time.Duration
	requests    []time.Time
}

func newRateLimiter(maxRequests int, timeWindow time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		timeWindow:  timeWindow,
		requests:    make([]time.Time, 0),
	}
}

func (rl *RateLimiter) allow() bool {
	now := time.Now()
	cutoff := now.Add(-rl.timeWindow)
	newRequests := make([]time.Time, 0, len(rl.requests))
	for _, req := range rl.requests {
		if req.After(cutoff) {
			newRequests = append(newRequests, req)
		}
	}
	rl.requests = newRequests

	if len(rl.requests) >= rl.maxRequests {
		return false
	}

	rl.requests = append(rl.requests, now)
	return true
}

func (rl *RateLimiter) wait(ctx context.Context) error {
	for !rl.allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// =============================================================================
// PAGE METADATA FETCHER
// =============================================================================

type MetadataFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	limiter   *RateLimiter
}

func newMetadataFetcher(cfg Config) (*MetadataFetcher, error) {
	timeout := 15 * time.Second
	if cfg.Fetch.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Fetch.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid fetch timeout: %w", err)
		}
	}

	userAgent := cfg.Fetch.UserAgent
	if userAgent == "" {
		userAgent = "tabdeck/1.0"
	}

	maxBody := cfg.Fetch.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &MetadataFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxBody:   maxBody,
		limiter:   newRateLimiter(30, time.Minute),
	}, nil
}

// fetch pulls a page and extracts title, description and icon. Anything
// short of a parseable HTML page degrades to a URL-derived title rather
// than an error.
func (f *MetadataFetcher) fetch(ctx context.Context, rawURL string) (*PageMetadata, error) {
	if err := validateBookmarkURL(rawURL); err != nil {
		return nil, err
	}

	if err := f.limiter.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page fetch failed with status %d", resp.StatusCode)
	}

	meta := &PageMetadata{
		URL:   rawURL,
		Title: fallbackTitle(rawURL),
	}

	// Some servers advertise icons in Link response headers (RFC 8288).
	for _, l := range link.ParseResponse(resp) {
		if l.Rel == "icon" || l.Rel == "shortcut icon" {
			meta.Icon = resolveAgainst(rawURL, l.URI)
			break
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		return meta, nil
	}

	title, description, iconHref := parsePageHTML(io.LimitReader(resp.Body, f.maxBody))
	if title != "" {
		meta.Title = stripHTML(title)
	}
	if description != "" {
		meta.Description = stripHTML(description)
	}
	if meta.Icon == "" && iconHref != "" {
		meta.Icon = resolveAgainst(rawURL, iconHref)
	}

	return meta, nil
}

// parsePageHTML walks an HTML document for <title>, the description meta
// tag and the first icon link.
func parsePageHTML(r io.Reader) (title, description, iconHref string) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", ""
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = nodeText(n)
				}
			case "meta":
				name := attrValue(n, "name")
				if name == "" {
					name = attrValue(n, "property")
				}
				if (name == "description" || name == "og:description") && description == "" {
					description = attrValue(n, "content")
				}
			case "link":
				rel := strings.ToLower(attrValue(n, "rel"))
				if strings.Contains(rel, "icon") && iconHref == "" {
					iconHref = attrValue(n, "href")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, description, iconHref
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(sb.String())
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// resolveAgainst resolves a possibly relative reference against a base
// URL, falling back to the reference on parse errors.
func resolveAgainst(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// =============================================================================
// MASTODON CLIENT
// =============================================================================

type MastodonClient struct {
	server      string
	accessToken string
	timeout     time.Duration
	madonClient *madon.Client
}

func newMastodonClient(cfg *Config) (*MastodonClient, error) {
	if cfg.Mastodon.Server == "" {
		return nil, fmt.Errorf("mastodon server URL is required")
	}
	if cfg.Mastodon.AccessToken == "" {
		return nil, fmt.Errorf("mastodon access token is required")
	}

	timeout := 30 * time.Second
	if cfg.Mastodon.ClientTimeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Mastodon.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid client timeout: %w", err)
		}
	}

	return &MastodonClient{
		server:      cfg.Mastodon.Server,
		accessToken: cfg.Mastodon.AccessToken,
		timeout:     timeout,
		madonClient: nil,
	}, nil
}

func (c *MastodonClient) initMadonClient() error {
	if c.madonClient != nil {
		return nil
	}

	userToken := &madon.UserToken{
		AccessToken: c.accessToken,
		TokenType:   "Bearer",
	}

	madonClient, err := madon.RestoreApp("tabdeck", c.server, "dummy-app-id", "dummy-app-secret", userToken)
	if err != nil {
		return fmt.Errorf("failed to create madon client: %w", err)
	}

	c.madonClient = madonClient
	return nil
}

func (c *MastodonClient) verifyCredentials() error {
	if err := c.initMadonClient(); err != nil {
		return err
	}

	_, err := c.madonClient.GetCurrentAccount()
	if err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}
	return nil
}

func (c *MastodonClient) getMadonClient() (*madon.Client, error) {
	if err := c.initMadonClient(); err != nil {
		return nil, err
	}
	return c.madonClient, nil
}

// =============================================================================
// MASTODON BOOKMARK IMPORT
// =============================================================================

// RemoteBookmark is one bookmarked status flattened into link-bookmark
// shape.
type RemoteBookmark struct {
	StatusID    string
	URL         string
	Title       string
	Description string
	Tags        []string
	CreatedAt   time.Time
}

type RemoteBookmarkClient interface {
	GetBookmarks(ctx context.Context, limit int, nextURL string) ([]RemoteBookmark, string, error)
}

type MastodonBookmarkClient struct {
	client      *madon.Client
	rateLimiter *RateLimiter
	maxRetries  int
}

func newMastodonBookmarkClient(client *madon.Client, maxRetries int) *MastodonBookmarkClient {
	rateLimiter := newRateLimiter(150, 5*time.Minute)

	return &MastodonBookmarkClient{
		client:      client,
		rateLimiter: rateLimiter,
		maxRetries:  maxRetries,
	}
}

func (bc *MastodonBookmarkClient) GetBookmarks(ctx context.Context, limit int, nextURL string) ([]RemoteBookmark, string, error) {
	if err := bc.rateLimiter.wait(ctx); err != nil {
		return nil, "", fmt.Errorf("rate limit wait failed: %w", err)
	}

	if bc.client == nil {
		return []RemoteBookmark{}, "", nil
	}

	var requestURL string
	if nextURL != "" {
		requestURL = nextURL
	} else {
		baseURL := fmt.Sprintf("%s/api/v1/bookmarks", bc.client.InstanceURL)
		reqURL, err := url.Parse(baseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse URL: %w", err)
		}

		params := url.Values{}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		reqURL.RawQuery = params.Encode()
		requestURL = reqURL.String()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", requestURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	if bc.client.UserToken != nil && bc.client.UserToken.AccessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", bc.client.UserToken.AccessToken))
	}
	req.Header.Set("User-Agent", "tabdeck/1.0")

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= bc.maxRetries; attempt++ {
		resp, lastErr = http.DefaultClient.Do(req)
		if lastErr == nil && resp.StatusCode == http.StatusOK {
			break
		}

		if resp != nil {
			resp.Body.Close()
		}

		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			break
		}

		if attempt < bc.maxRetries {
			delay := time.Duration(attempt+1) * time.Second
			time.Sleep(delay)
		}
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("HTTP request failed after %d retries: %w", bc.maxRetries, lastErr)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var nextURLFromHeader string
	links := link.ParseResponse(resp)
	for _, l := range links {
		if l.Rel == "next" {
			nextURLFromHeader = l.URI
			break
		}
	}

	var madonStatuses []madon.Status
	if err := json.NewDecoder(resp.Body).Decode(&madonStatuses); err != nil {
		return nil, "", fmt.Errorf("failed to decode JSON response: %w", err)
	}

	bookmarks := make([]RemoteBookmark, len(madonStatuses))
	for i, status := range madonStatuses {
		bookmarks[i] = statusToRemoteBookmark(status)
	}

	return bookmarks, nextURLFromHeader, nil
}

func statusToRemoteBookmark(status madon.Status) RemoteBookmark {
	content := stripHTML(status.Content)

	title := content
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}
	if title == "" {
		title = status.SpoilerText
	}

	statusURL := status.URL
	if statusURL == "" {
		statusURL = status.URI
	}
	if title == "" {
		title = fallbackTitle(statusURL)
	}

	var tags []string
	for _, tag := range status.Tags {
		if tag.Name != "" {
			tags = append(tags, tag.Name)
		}
	}

	return RemoteBookmark{
		StatusID:    string(status.ID),
		URL:         statusURL,
		Title:       title,
		Description: content,
		Tags:        tags,
		CreatedAt:   status.CreatedAt,
	}
}

type ImportResult struct {
	FolderID string `json:"folder_id"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
}

const defaultImportFolderTitle = "Mastodon"

// ensureImportFolder resolves the target folder for an import: a given
// folder ID, an existing root folder with the default title, or a new
// one.
func ensureImportFolder(db *Database, folderID string) (*Bookmark, error) {
	if folderID != "" {
		folder, err := db.getBookmark(folderID)
		if err != nil {
			return nil, err
		}
		if folder == nil {
			return nil, errNotFound
		}
		if folder.Kind != KindFolder {
			return nil, errNotAFolder
		}
		return folder, nil
	}

	children, err := db.listChildren(rootFolderID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Kind == KindFolder && child.Title == defaultImportFolderTitle {
			return child, nil
		}
	}

	folder := &Bookmark{
		ParentID: rootFolderID,
		Kind:     KindFolder,
		Title:    defaultImportFolderTitle,
	}
	if err := db.createBookmark(folder, -1); err != nil {
		return nil, err
	}
	return folder, nil
}

// importRemoteBookmarks walks the remote bookmark pages into the target
// folder, skipping URLs already present there. Progress is emitted per
// batch.
func importRemoteBookmarks(ctx context.Context, db *Database, client RemoteBookmarkClient, folderID string, batchSize int, events chan<- ServerEvent) (*ImportResult, error) {
	if batchSize <= 0 {
		batchSize = 40
	}

	folder, err := ensureImportFolder(db, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve import folder: %w", err)
	}

	existing := make(map[string]bool)
	children, err := db.listChildren(folder.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.URL != "" {
			existing[child.URL] = true
		}
	}

	result := &ImportResult{FolderID: folder.ID}

	sendEvent(events, ServerEvent{
		Type: "import_started",
		Payload: map[string]interface{}{
			"folder_id": folder.ID,
		},
	})

	nextURL := ""
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		zlog.Debug().Str("next_url", nextURL).Int("batch_size", batchSize).Msg("Fetching remote bookmark batch")

		remote, newNextURL, err := client.GetBookmarks(ctx, batchSize, nextURL)
		if err != nil {
			return result, fmt.Errorf("failed to fetch remote bookmarks: %w", err)
		}

		for _, rb := range remote {
			if rb.URL == "" || existing[rb.URL] {
				result.Skipped++
				continue
			}

			b := &Bookmark{
				ParentID:    folder.ID,
				Kind:        KindLink,
				Title:       rb.Title,
				URL:         rb.URL,
				Description: rb.Description,
				Tags:        rb.Tags,
			}
			if err := db.createBookmark(b, -1); err != nil {
				zlog.Warn().Err(err).Str("url", rb.URL).Msg("Failed to import remote bookmark")
				result.Skipped++
				continue
			}
			existing[rb.URL] = true
			result.Imported++
		}

		sendEvent(events, ServerEvent{
			Type: "import_progress",
			Payload: map[string]interface{}{
				"folder_id": folder.ID,
				"imported":  result.Imported,
				"skipped":   result.Skipped,
			},
		})

		if len(remote) == 0 || newNextURL == "" {
			break
		}
		nextURL = newNextURL
	}

	sendEvent(events, ServerEvent{
		Type: "import_complete",
		Payload: map[string]interface{}{
			"folder_id": folder.ID,
			"imported":  result.Imported,
			"skipped":   result.Skipped,
		},
	})

	zlog.Info().Int("imported", result.Imported).Int("skipped", result.Skipped).Str("folder_id", folder.ID).Msg("Remote bookmark import completed")
	return result, nil
}

func sendEvent(events chan<- ServerEvent, event ServerEvent) {
	if events == nil {
		return
	}
	select {
	case events <- event:
	default:
	}
}

// =============================================================================
// WEB SERVER AND EVENTS
// =============================================================================

type ServerEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type EventBroadcaster struct {
	clients  map[chan ServerEvent]bool
	mutex    sync.RWMutex
	shutdown bool
}

func newEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[chan ServerEvent]bool),
	}
}

func (eb *EventBroadcaster) addClient(client chan ServerEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	eb.clients[client] = true
}

func (eb *EventBroadcaster) removeClient(client chan ServerEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.shutdown {
		return
	}

	if _, exists := eb.clients[client]; exists {
		delete(eb.clients, client)
		close(client)
	}
}

func (eb *EventBroadcaster) broadcast(event ServerEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	if eb.shutdown {
		return
	}

	for client := range eb.clients {
		select {
		case client <- event:
		default:
		}
	}
}

// sendTo delivers an event to a single client if it is still registered.
// Membership is checked under the same lock that guards channel close, so
// the send cannot overlap removeClient or closeAllClients.
func (eb *EventBroadcaster) sendTo(client chan ServerEvent, event ServerEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	if eb.shutdown {
		return
	}
	if _, exists := eb.clients[client]; !exists {
		return
	}

	select {
	case client <- event:
	default:
	}
}

func (eb *EventBroadcaster) closeAllClients() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	eb.shutdown = true
	for client := range eb.clients {
		close(client)
	}
	eb.clients = make(map[chan ServerEvent]bool)
}

type WebServer struct {
	config      *Config
	db          *Database
	fetcher     *MetadataFetcher
	broadcaster *EventBroadcaster
	server      *http.Server
	ctx         context.Context
	eventChan   chan ServerEvent

	importMu      sync.Mutex
	importRunning bool
}

func newWebServer(ctx context.Context, cfg *Config, db *Database, fetcher *MetadataFetcher, eventChan chan ServerEvent) *WebServer {
	broadcaster := newEventBroadcaster()

	// The pump exits on context cancellation; the channel itself is never
	// closed, so a slow producer (an import finishing during shutdown) can
	// never send on a closed channel.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-eventChan:
				if !ok {
					return
				}
				broadcaster.broadcast(event)
			}
		}
	}()

	return &WebServer{
		config:      cfg,
		db:          db,
		fetcher:     fetcher,
		broadcaster: broadcaster,
		ctx:         ctx,
		eventChan:   eventChan,
	}
}

func (ws *WebServer) publish(event ServerEvent) {
	ws.broadcaster.broadcast(event)
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	webSubFS, err := fs.Sub(webFS, "web")
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to create web sub-filesystem")
		return mux
	}

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(webSubFS))))
	mux.HandleFunc("/", ws.handleIndex)
	mux.HandleFunc("/api/tree", ws.handleTree)
	mux.HandleFunc("/api/bookmarks", ws.handleBookmarks)
	mux.HandleFunc("/api/bookmarks/", ws.handleBookmarkByID)
	mux.HandleFunc("/api/dock", ws.handleDock)
	mux.HandleFunc("/api/dock/reorder", ws.handleDockReorder)
	mux.HandleFunc("/api/dock/", ws.handleDockItem)
	mux.HandleFunc("/api/settings", ws.handleSettings)
	mux.HandleFunc("/api/search", ws.handleSearch)
	mux.HandleFunc("/api/metadata", ws.handleMetadata)
	mux.HandleFunc("/api/import/mastodon", ws.handleImportMastodon)
	mux.HandleFunc("/api/export", ws.handleExport)
	mux.HandleFunc("/api/import", ws.handleImport)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/events", ws.handleEvents)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, errDockMissing):
		return http.StatusNotFound
	case errors.Is(err, errValidation), errors.Is(err, errNotAFolder), errors.Is(err, errUnknownChild):
		return http.StatusBadRequest
	case errors.Is(err, errCycle), errors.Is(err, errDockFull),
		errors.Is(err, errDockDuplicate), errors.Is(err, errBadMerge):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		zlog.Error().Err(err).Msg("Request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := webFS.ReadFile("web/index.html")
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		zlog.Error().Err(err).Msg("Failed to read index.html")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if _, err := w.Write(data); err != nil {
		zlog.Error().Err(err).Msg("failed to write response data")
	}
}

func (ws *WebServer) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query()
	if query.Has("folder") {
		folderID := query.Get("folder")
		if folderID != rootFolderID {
			folder, err := ws.db.getBookmark(folderID)
			if err != nil {
				respondError(w, err)
				return
			}
			if folder == nil {
				writeError(w, http.StatusNotFound, "folder not found")
				return
			}
			if folder.Kind != KindFolder {
				writeError(w, http.StatusBadRequest, "not a folder")
				return
			}
		}

		items, err := ws.db.listChildren(folderID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"folder": folderID,
			"items":  items,
		})
		return
	}

	nodes, err := ws.db.buildTree()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nodes})
}

type createBookmarkRequest struct {
	ParentID    string   `json:"parent_id"`
	Kind        string   `json:"kind"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Icon        string   `json:"icon"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Index       *int     `json:"index"`
}

func (ws *WebServer) handleBookmarks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req createBookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	index := -1
	if req.Index != nil {
		index = *req.Index
	}

	b := &Bookmark{
		ParentID:    req.ParentID,
		Kind:        req.Kind,
		Title:       req.Title,
		URL:         req.URL,
		Icon:        req.Icon,
		Description: req.Description,
		Tags:        req.Tags,
	}

	if err := ws.db.createBookmark(b, index); err != nil {
		respondError(w, err)
		return
	}

	ws.publish(ServerEvent{Type: "bookmark_created", Payload: b})
	ws.publish(ServerEvent{Type: "order_changed", Payload: map[string]interface{}{"folder_id": b.ParentID}})

	writeJSON(w, http.StatusCreated, b)
}

func (ws *WebServer) handleBookmarkByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bookmarks/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 2 {
		ws.handleBookmarkAction(w, r, id, parts[1])
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := ws.db.getBookmark(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if b == nil {
			writeError(w, http.StatusNotFound, "bookmark not found")
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodPatch:
		var patch BookmarkPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		b, err := ws.db.updateBookmark(id, patch)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "bookmark_updated", Payload: b})
		writeJSON(w, http.StatusOK, b)

	case http.MethodDelete:
		b, err := ws.db.getBookmark(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if b == nil {
			writeError(w, http.StatusNotFound, "bookmark not found")
			return
		}
		if err := ws.db.deleteBookmark(id); err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "bookmark_deleted", Payload: map[string]interface{}{"id": id, "folder_id": b.ParentID}})
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (ws *WebServer) handleBookmarkAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	switch action {
	case "move":
		var req struct {
			ParentID string `json:"parent_id"`
			Index    *int   `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		index := -1
		if req.Index != nil {
			index = *req.Index
		}
		if err := ws.db.moveBookmark(id, req.ParentID, index); err != nil {
			respondError(w, err)
			return
		}
		b, err := ws.db.getBookmark(id)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "bookmark_moved", Payload: b})
		ws.publish(ServerEvent{Type: "order_changed", Payload: map[string]interface{}{"folder_id": req.ParentID}})
		writeJSON(w, http.StatusOK, b)

	case "reorder":
		var req struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		b, err := ws.db.getBookmark(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if b == nil {
			writeError(w, http.StatusNotFound, "bookmark not found")
			return
		}
		order, err := ws.db.reorderChild(b.ParentID, id, req.Index)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "order_changed", Payload: map[string]interface{}{"folder_id": b.ParentID, "order": order}})
		writeJSON(w, http.StatusOK, map[string]interface{}{"folder_id": b.ParentID, "order": order})

	case "merge":
		var req struct {
			TargetID string `json:"target_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		folder, err := ws.db.mergeBookmarks(id, req.TargetID)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "bookmark_moved", Payload: map[string]interface{}{"id": id, "folder_id": folder.ID}})
		ws.publish(ServerEvent{Type: "order_changed", Payload: map[string]interface{}{"folder_id": folder.ParentID}})
		writeJSON(w, http.StatusOK, folder)

	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (ws *WebServer) dockResponse() (map[string]interface{}, error) {
	ids, err := ws.db.getDock()
	if err != nil {
		return nil, err
	}

	items := []*Bookmark{}
	for _, id := range ids {
		b, err := ws.db.getBookmark(id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			items = append(items, b)
		}
	}

	return map[string]interface{}{
		"item_ids": ids,
		"items":    items,
	}, nil
}

func (ws *WebServer) handleDock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resp, err := ws.dockResponse()
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		ids, err := ws.db.dockAdd(req.ID)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "dock_changed", Payload: map[string]interface{}{"item_ids": ids}})
		writeJSON(w, http.StatusCreated, map[string]interface{}{"item_ids": ids})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (ws *WebServer) handleDockReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		ID    string `json:"id"`
		Index int    `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	ids, err := ws.db.dockReorder(req.ID, req.Index)
	if err != nil {
		respondError(w, err)
		return
	}
	ws.publish(ServerEvent{Type: "dock_changed", Payload: map[string]interface{}{"item_ids": ids}})
	writeJSON(w, http.StatusOK, map[string]interface{}{"item_ids": ids})
}

func (ws *WebServer) handleDockItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/dock/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	ids, err := ws.db.dockRemove(id)
	if err != nil {
		respondError(w, err)
		return
	}
	ws.publish(ServerEvent{Type: "dock_changed", Payload: map[string]interface{}{"item_ids": ids}})
	writeJSON(w, http.StatusOK, map[string]interface{}{"item_ids": ids})
}

func (ws *WebServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := ws.db.getSettings()
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPut:
		var values map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		settings, err := ws.db.putSettings(values)
		if err != nil {
			respondError(w, err)
			return
		}
		ws.publish(ServerEvent{Type: "settings_changed", Payload: settings})
		writeJSON(w, http.StatusOK, settings)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (ws *WebServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var request SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if request.Kind != "" && request.Kind != KindLink && request.Kind != KindFolder {
		writeError(w, http.StatusBadRequest, "kind must be link or folder")
		return
	}

	results, err := ws.db.searchOrRecentBookmarks(&request)
	if err != nil {
		zlog.Error().Err(err).Str("query", request.Query).Msg("Search failed")
		writeError(w, http.StatusInternalServerError, "Search failed")
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (ws *WebServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	meta, err := ws.fetcher.fetch(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, errValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zlog.Debug().Err(err).Str("url", req.URL).Msg("Metadata fetch failed")
		writeError(w, http.StatusBadGateway, "failed to fetch page metadata")
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

func (ws *WebServer) handleImportMastodon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if ws.config.Mastodon.Server == "" || ws.config.Mastodon.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "mastodon is not configured")
		return
	}

	var req struct {
		FolderID string `json:"folder_id"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	ws.importMu.Lock()
	if ws.importRunning {
		ws.importMu.Unlock()
		writeError(w, http.StatusConflict, "an import is already running")
		return
	}
	ws.importRunning = true
	ws.importMu.Unlock()

	go func() {
		defer func() {
			ws.importMu.Lock()
			ws.importRunning = false
			ws.importMu.Unlock()
		}()

		mastodonClient, err := newMastodonClient(ws.config)
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to create mastodon client")
			ws.publish(ServerEvent{Type: "import_failed", Payload: map[string]interface{}{"error": err.Error()}})
			return
		}
		if err := mastodonClient.verifyCredentials(); err != nil {
			zlog.Error().Err(err).Msg("Failed to verify mastodon credentials")
			ws.publish(ServerEvent{Type: "import_failed", Payload: map[string]interface{}{"error": err.Error()}})
			return
		}
		madonClient, err := mastodonClient.getMadonClient()
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to get madon client")
			ws.publish(ServerEvent{Type: "import_failed", Payload: map[string]interface{}{"error": err.Error()}})
			return
		}

		client := newMastodonBookmarkClient(madonClient, 3)
		if _, err := importRemoteBookmarks(ws.ctx, ws.db, client, req.FolderID, ws.config.Mastodon.BatchSize, ws.eventChan); err != nil {
			zlog.Error().Err(err).Msg("Remote bookmark import failed")
			ws.publish(ServerEvent{Type: "import_failed", Payload: map[string]interface{}{"error": err.Error()}})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (ws *WebServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snapshot, err := ws.db.exportSnapshot()
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="tabdeck-export.json"`)
	writeJSON(w, http.StatusOK, snapshot)
}

func (ws *WebServer) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var snapshot Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := ws.db.importSnapshot(&snapshot); err != nil {
		respondError(w, err)
		return
	}

	ws.publish(ServerEvent{Type: "snapshot_imported", Payload: map[string]interface{}{
		"bookmarks": len(snapshot.Bookmarks),
	}})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "imported",
		"bookmarks": len(snapshot.Bookmarks),
	})
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := ws.db.stats()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to get stats")
		writeError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")
	w.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	client := make(chan ServerEvent, 50)
	ws.broadcaster.addClient(client)
	defer ws.broadcaster.removeClient(client)

	ctx := r.Context()

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	go func() {
		stats, err := ws.db.stats()
		if err != nil {
			return
		}
		// The handler may have returned and closed the channel by now;
		// sendTo drops the event in that case instead of sending.
		ws.broadcaster.sendTo(client, ServerEvent{Type: "stats", Payload: stats})
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-client:
			if !ok {
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				zlog.Debug().Err(err).Msg("Failed to marshal SSE event")
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}

			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, "data: {\"type\":\"heartbeat\"}\n\n"); err != nil {
				return
			}

			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
}

func (ws *WebServer) start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Listen, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	zlog.Info().Str("address", addr).Msg("Starting web server")

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("Web server error")
		}
	}()

	return nil
}

func (ws *WebServer) stop() error {
	if ws.server == nil {
		return nil
	}

	zlog.Info().Msg("Stopping web server")

	if ws.broadcaster != nil {
		ws.broadcaster.closeAllClients()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		if err := ws.server.Close(); err != nil {
			return fmt.Errorf("failed to force close server: %w", err)
		}
		zlog.Debug().Msg("Web server force closed after graceful shutdown timeout")
		return nil
	}

	return nil
}

// =============================================================================
// MAIN APPLICATION
// =============================================================================

type TabdeckApp struct {
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	db        *Database
	fetcher   *MetadataFetcher
	webServer *WebServer
	eventChan chan ServerEvent
}

func newTabdeckApp(cfg *Config) (*TabdeckApp, error) {
	zlog.Info().Msg("Starting tabdeck service")

	ctx, cancel := context.WithCancel(context.Background())

	db, err := newDatabase(*cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	fetcher, err := newMetadataFetcher(*cfg)
	if err != nil {
		db.close()
		cancel()
		return nil, fmt.Errorf("failed to create metadata fetcher: %w", err)
	}

	eventChan := make(chan ServerEvent, 100)

	webServer := newWebServer(ctx, cfg, db, fetcher, eventChan)

	return &TabdeckApp{
		config:    *cfg,
		ctx:       ctx,
		cancel:    cancel,
		db:        db,
		fetcher:   fetcher,
		webServer: webServer,
		eventChan: eventChan,
	}, nil
}

func (app *TabdeckApp) start() error {
	if err := app.webServer.start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	zlog.Info().Msg("Tabdeck service started")
	return nil
}

func (app *TabdeckApp) run() error {
	if err := app.start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	zlog.Info().Msg("Shutdown signal received")

	return app.stop()
}

func (app *TabdeckApp) stop() error {
	zlog.Info().Msg("Stopping tabdeck service")

	// Cancelling the context stops the event pump; the event channel is
	// left open so in-flight importers cannot hit a closed channel.
	if app.cancel != nil {
		app.cancel()
	}

	if app.webServer != nil {
		if err := app.webServer.stop(); err != nil {
			zlog.Debug().Err(err).Msg("Web server stop completed with timeout - this is normal during shutdown")
		}
	}

	if app.db != nil {
		if err := app.db.close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing database")
		}
	}

	zlog.Info().Msg("Tabdeck service stopped")
	return nil
}

// =============================================================================
// MAIN ENTRY POINT
// =============================================================================

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	logLevel := flag.String("l", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	logLevelLong := flag.String("log-level", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	showVersion := flag.Bool("version", false, "show version information")
	showHelp := flag.Bool("help", false, "show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tabdeck %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		fmt.Printf("  built by: %s\n", builtBy)
		return
	}

	if *showHelp {
		fmt.Println("tabdeck - personal new-tab bookmark dashboard")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Printf("  %s [options]\n", os.Args[0])
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Configuration:")
		fmt.Println("  Copy config.toml.sample to config.toml and edit as needed.")
		fmt.Println("  The application will create a SQLite database at the configured path.")
		fmt.Println()
		fmt.Printf("Version: %s (%s)\n", version, commit)
		return
	}

	var cliLogLevel string
	if *logLevel != "" {
		cliLogLevel = *logLevel
	} else if *logLevelLong != "" {
		cliLogLevel = *logLevelLong
	}

	if cliLogLevel != "" {
		validLevels := validLogLevels()
		valid := false
		for _, level := range validLevels {
			if strings.ToLower(cliLogLevel) == level {
				valid = true
				break
			}
		}
		if !valid {
			log.Fatalf("Invalid log level: %s. Valid levels: %s", cliLogLevel, strings.Join(validLevels, ", "))
		}
	}

	cfg := defaultConfig()
	if err := loadConfig(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		zlog.Info().Str("path", *configPath).Msg("No config file found, using defaults")
	}

	logLevelToUse := cfg.Logging.Level
	if cliLogLevel != "" {
		logLevelToUse = cliLogLevel
	}
	setupLogging(logLevelToUse, cfg.Logging.Format)

	app, err := newTabdeckApp(&cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

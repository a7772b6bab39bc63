package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/model"
)

// FileName is the name of the visit log inside a crawl directory.
const FileName = "visits.db"

// ErrNotFound is returned when a crawl directory has no visit log.
var ErrNotFound = errors.New("visit log not found")

// VisitDB stores one record per visit of a crawl.
//
// Records are keyed by their global visit index. A visit that is run again
// after a resume replaces its earlier record.
type VisitDB struct {
	db     *sql.DB
	dbPath string
}

// Options configures VisitDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging, so a report can read the log
	// of a running crawl.
	EnableWAL bool
}

// DefaultOptions returns the options used by the crawler.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// ReadOnlyOptions returns options for opening the log of an existing crawl.
func ReadOnlyOptions() Options {
	return Options{EnableWAL: true}
}

// Open opens or creates the visit log in dir.
func Open(dir string, opts Options) (*VisitDB, error) {
	dbPath := filepath.Join(dir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// mode=rw refuses to create a missing file.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	vdb := &VisitDB{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := vdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return vdb, nil
}

// Path returns the database file.
func (vdb *VisitDB) Path() string {
	return vdb.dbPath
}

// Close closes the database connection.
func (vdb *VisitDB) Close() error {
	return vdb.db.Close()
}

func (vdb *VisitDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS visits (
		global_visit INTEGER PRIMARY KEY,
		batch INTEGER NOT NULL,
		site INTEGER NOT NULL,
		visit INTEGER NOT NULL,
		instance INTEGER NOT NULL,
		url TEXT NOT NULL,
		dir TEXT NOT NULL,
		outcome TEXT NOT NULL,
		captcha INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		entry_ips TEXT,
		packets_read INTEGER DEFAULT 0,
		packets_kept INTEGER DEFAULT 0,
		packets_stripped INTEGER DEFAULT 0,
		started_at TEXT,
		duration_ms INTEGER DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_visits_dir ON visits(dir);
	CREATE INDEX IF NOT EXISTS idx_visits_site ON visits(site);
	CREATE INDEX IF NOT EXISTS idx_visits_outcome ON visits(outcome);
	`

	_, err := vdb.db.ExecContext(context.Background(), schema)
	return err
}

// RecordVisit inserts rec, replacing an earlier record of the same visit.
func (vdb *VisitDB) RecordVisit(ctx context.Context, rec *model.VisitRecord) error {
	ipsJSON, err := json.Marshal(rec.EntryIPs)
	if err != nil {
		return fmt.Errorf("failed to serialize entry addresses: %w", err)
	}

	var startedAt string
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}

	query := `
	INSERT INTO visits (global_visit, batch, site, visit, instance, url, dir, outcome, captcha,
		error, entry_ips, packets_read, packets_kept, packets_stripped, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(global_visit) DO UPDATE SET
		batch = excluded.batch,
		site = excluded.site,
		visit = excluded.visit,
		instance = excluded.instance,
		url = excluded.url,
		dir = excluded.dir,
		outcome = excluded.outcome,
		captcha = excluded.captcha,
		error = excluded.error,
		entry_ips = excluded.entry_ips,
		packets_read = excluded.packets_read,
		packets_kept = excluded.packets_kept,
		packets_stripped = excluded.packets_stripped,
		started_at = excluded.started_at,
		duration_ms = excluded.duration_ms,
		recorded_at = CURRENT_TIMESTAMP
	`

	_, err = vdb.db.ExecContext(ctx, query,
		rec.GlobalVisit,
		rec.Batch,
		rec.Site,
		rec.Visit,
		rec.Instance,
		rec.URL,
		rec.Dir,
		rec.Outcome.String(),
		rec.Captcha,
		rec.Error,
		string(ipsJSON),
		rec.PacketsRead,
		rec.PacketsKept,
		rec.PacketsStripped,
		startedAt,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record visit %d: %w", rec.GlobalVisit, err)
	}
	return nil
}

const selectVisits = `
	SELECT global_visit, batch, site, visit, instance, url, dir, outcome, captcha,
		error, entry_ips, packets_read, packets_kept, packets_stripped, started_at, duration_ms
	FROM visits
	`

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(row scanner) (model.VisitRecord, error) {
	var (
		rec        model.VisitRecord
		outcome    string
		errMsg     sql.NullString
		ipsJSON    sql.NullString
		startedAt  sql.NullString
		durationMS int64
	)
	err := row.Scan(
		&rec.GlobalVisit,
		&rec.Batch,
		&rec.Site,
		&rec.Visit,
		&rec.Instance,
		&rec.URL,
		&rec.Dir,
		&outcome,
		&rec.Captcha,
		&errMsg,
		&ipsJSON,
		&rec.PacketsRead,
		&rec.PacketsKept,
		&rec.PacketsStripped,
		&startedAt,
		&durationMS,
	)
	if err != nil {
		return rec, err
	}

	if rec.Outcome, err = model.ParseOutcome(outcome); err != nil {
		return rec, err
	}
	rec.Error = errMsg.String
	if ipsJSON.Valid && ipsJSON.String != "" && ipsJSON.String != "null" {
		if err := json.Unmarshal([]byte(ipsJSON.String), &rec.EntryIPs); err != nil {
			return rec, fmt.Errorf("failed to parse entry addresses: %w", err)
		}
	}
	rec.StartedAt = parseTimestamp(startedAt.String)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// Visits returns every record ordered by batch, site and visit.
func (vdb *VisitDB) Visits(ctx context.Context) ([]model.VisitRecord, error) {
	rows, err := vdb.db.QueryContext(ctx, selectVisits+" ORDER BY batch, site, visit")
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var records []model.VisitRecord
	for rows.Next() {
		rec, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Visit returns the record of one global visit, or nil if there is none.
func (vdb *VisitDB) Visit(ctx context.Context, globalVisit int) (*model.VisitRecord, error) {
	rec, err := scanVisit(vdb.db.QueryRowContext(ctx, selectVisits+" WHERE global_visit = ?", globalVisit))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visit %d: %w", globalVisit, err)
	}
	return &rec, nil
}

// EntryIPs returns the entry relay addresses recorded for a visit
// directory. dir is matched with and without the captcha prefix, so a
// directory renamed after the record was written is still found.
func (vdb *VisitDB) EntryIPs(ctx context.Context, dir string) ([]netip.Addr, error) {
	name := filepath.Base(job.StripCaptchaPrefix(dir))
	query := `
	SELECT entry_ips FROM visits
	WHERE dir = ? OR dir = ?
	ORDER BY recorded_at DESC
	LIMIT 1
	`

	var ipsJSON sql.NullString
	err := vdb.db.QueryRowContext(ctx, query, name, job.CaptchaPrefix+name).Scan(&ipsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry addresses of %s: %w", name, err)
	}
	if !ipsJSON.Valid || ipsJSON.String == "" || ipsJSON.String == "null" {
		return nil, nil
	}

	var ips []netip.Addr
	if err := json.Unmarshal([]byte(ipsJSON.String), &ips); err != nil {
		return nil, fmt.Errorf("failed to parse entry addresses of %s: %w", name, err)
	}
	return ips, nil
}

// CaptureResolver returns a resolver that looks up the entry relays of the
// visit a capture file belongs to.
func (vdb *VisitDB) CaptureResolver(ctx context.Context) func(capturePath string) ([]netip.Addr, error) {
	return func(capturePath string) ([]netip.Addr, error) {
		return vdb.EntryIPs(ctx, filepath.Dir(capturePath))
	}
}

// timestampFormats are the formats started_at and SQLite's own timestamps
// may come back in, most specific first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp returns the zero time for an empty or unknown value.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

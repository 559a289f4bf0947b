package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "rotasend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendResult(ctx context.Context, r Result) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	ok := 0
	if r.Success {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(at, run_id, account, lead, lead_key, ok, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullStr(r.RunID), r.AccountID, r.LeadID, normLead(r.LeadID), ok, nullStr(r.Detail),
	)
	return err
}

func (s *sqliteStore) Contacted(ctx context.Context, lead string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	key := normLead(lead)
	if key == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM results WHERE lead_key = ? AND ok = 1 LIMIT 1`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Totals(ctx context.Context) (Totals, error) {
	if s == nil || s.db == nil {
		return Totals{}, ErrDisabled
	}
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0) FROM results`,
	).Scan(&t.OK, &t.Failed)
	return t, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

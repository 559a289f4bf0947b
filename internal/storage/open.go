package storage

import (
	"context"
	"errors"
	"strings"

	logx "rotasend/pkg/logx"
)

// Store is the persistence API used by the app and the lead loader.
type Store interface {
	AppendResult(ctx context.Context, r Result) error
	// Contacted reports whether lead has at least one successful send.
	Contacted(ctx context.Context, lead string) (bool, error)
	Totals(ctx context.Context) (Totals, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normLead(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

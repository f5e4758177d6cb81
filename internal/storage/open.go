package storage

import (
	"context"
	"errors"
	"strings"

	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	// LoadState returns the last saved snapshot, or an empty one if nothing
	// was saved yet.
	LoadState(ctx context.Context) (state.Snapshot, error)
	// SaveState replaces the saved snapshot atomically.
	SaveState(ctx context.Context, snap state.Snapshot) error
	AppendAudit(ctx context.Context, e AuditEntry) error
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

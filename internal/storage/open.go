package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

// Store is the persistence API used by the registries.
//
// Load/Save pairs operate on whole tables: a Save must be atomic with
// respect to a single mutation (no partial-write visible state), so the
// registries can do load-mutate-persist under one lock.
type Store interface {
	LoadAdmins(ctx context.Context) ([]int64, error)
	SaveAdmins(ctx context.Context, ids []int64) error

	LoadChannels(ctx context.Context, owner int64) ([]Channel, error)
	SaveChannels(ctx context.Context, owner int64, chs []Channel) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

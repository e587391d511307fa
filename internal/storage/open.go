package storage

import (
	"context"
	"errors"
	"strings"

	logx "loyaltybot/pkg/logx"
)

// Store is the identity & counter store consumed by the loyalty services.
//
// The bot holds no authoritative copy of any of this data; callers re-fetch
// on every evaluation so notifications reflect current state at send time.
type Store interface {
	GetUser(ctx context.Context, id int64) (User, error)
	UpsertUser(ctx context.Context, u User) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	ListAdmins(ctx context.Context) ([]User, error)

	Counters(ctx context.Context, userID int64) ([]Counter, error)
	EnsureCounter(ctx context.Context, userID int64, name string) error

	Grants(ctx context.Context, userID int64) ([]Grant, error)
	CreateGrant(ctx context.Context, userID int64) (Grant, error)

	CreateRequest(ctx context.Context, userID int64, promotion string) (RedemptionRequest, error)
	GetRequest(ctx context.Context, id int64) (RedemptionRequest, error)
	// ResolveRequest atomically moves a pending request to a terminal status.
	// It returns ErrConflict when the request is unknown or already resolved.
	ResolveRequest(ctx context.Context, id, adminID int64, status RequestStatus) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

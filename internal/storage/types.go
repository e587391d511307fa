package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a compare-and-set style update loses
	// (e.g. resolving a redemption request that is no longer pending).
	ErrConflict = errors.New("storage: conflict")
)

// Config configures the identity/counter store.
//
// Driver values:
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL (DSN)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is one enrolled person. ID is the Telegram user id; it doubles as the
// push-channel recipient identity.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
	IsAdmin   bool
	CreatedAt time.Time
}

// Counter is a named promotion tally for one user, 0..100 percent.
// It advances only via external purchase-recording events; this bot reads it.
type Counter struct {
	ID        int64
	UserID    int64
	Name      string
	Progress  int
	UpdatedAt time.Time
}

// Grant is one earned free reward. Consumable exactly once.
type Grant struct {
	ID        int64
	UserID    int64
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// RedemptionRequest tracks one user's ask to redeem a free reward.
// It transitions pending -> approved|rejected exactly once.
type RedemptionRequest struct {
	ID         int64
	UserID     int64
	Promotion  string
	Status     RequestStatus
	ResolvedBy int64 // admin user id; 0 while pending
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// AuditEntry records an operator-visible action (broadcast runs, redemption
// resolutions). Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
}

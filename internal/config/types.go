package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Loyalty       LoyaltyConfig       `json:"loyalty"`
	Notifications NotificationsConfig `json:"notifications"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs are always treated as administrators, in addition to users
	// flagged as admin in the store.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the identity/counter store backend.
//
// Driver values:
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL (DSN)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LoyaltyConfig describes the running promotion.
//
// Promotion is matched against counter names case-insensitively as a
// substring, because operators name counters loosely (e.g. "5+1 hookah").
type LoyaltyConfig struct {
	Promotion string `json:"promotion"`
	// SlotSize is the percentage one qualifying purchase adds. Default 20
	// (five purchases to a full reward).
	SlotSize int `json:"slot_size,omitempty"`
}

// NotificationsConfig controls the daily progress notification run and the
// shared outbound send gate.
//
// All durations are Go duration strings (e.g. "200ms", "10s").
type NotificationsConfig struct {
	Enabled bool `json:"enabled"`
	// DailyAt is HH:MM in Timezone.
	DailyAt  string `json:"daily_at"`
	Timezone string `json:"timezone,omitempty"`
	// MinSendGap is the minimum spacing between any two outbound sends.
	MinSendGap  string `json:"min_send_gap,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

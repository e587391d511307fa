package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	logx "loyaltybot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "loyaltybot.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func encTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := decTime(raw.String)
	return &t
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tg_id, first_name, last_name, username, phone, is_admin, created_at
		FROM users WHERE tg_id = ?`, id)
	return scanSQLiteUser(row)
}

func scanSQLiteUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u       User
		admin   int
		created string
	)
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Username, &u.Phone, &admin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsAdmin = admin != 0
	u.CreatedAt = decTime(created)
	return u, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) (User, error) {
	now := encTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (tg_id, first_name, last_name, username, phone, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tg_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			username   = excluded.username,
			phone      = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE users.phone END,
			updated_at = excluded.updated_at`,
		u.ID, u.FirstName, u.LastName, u.Username, u.Phone, boolToInt(u.IsAdmin), now, now)
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, u.ID)
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.listUsersWhere(ctx, "")
}

func (s *sqliteStore) ListAdmins(ctx context.Context) ([]User, error) {
	return s.listUsersWhere(ctx, "WHERE is_admin = 1")
}

func (s *sqliteStore) listUsersWhere(ctx context.Context, where string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tg_id, first_name, last_name, username, phone, is_admin, created_at
		FROM users `+where+` ORDER BY tg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Counters(ctx context.Context, userID int64) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, progress, updated_at
		FROM counters WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var (
			c       Counter
			updated string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Progress, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = decTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnsureCounter(ctx context.Context, userID int64, name string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM counters WHERE user_id = ? AND name = ?`, userID, name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	now := encTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO counters (user_id, name, progress, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`, userID, name, now, now)
	return err
}

func (s *sqliteStore) Grants(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, used, used_at, created_at
		FROM reward_grants WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			g       Grant
			used    int
			usedAt  sql.NullString
			created string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &used, &usedAt, &created); err != nil {
			return nil, err
		}
		g.Used = used != 0
		g.UsedAt = decTimePtr(usedAt)
		g.CreatedAt = decTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateGrant(ctx context.Context, userID int64) (Grant, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_grants (user_id, used, created_at) VALUES (?, 0, ?)`,
		userID, encTime(now))
	if err != nil {
		return Grant{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Grant{}, err
	}
	return Grant{ID: id, UserID: userID, CreatedAt: now.UTC()}, nil
}

func (s *sqliteStore) CreateRequest(ctx context.Context, userID int64, promotion string) (RedemptionRequest, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO redemption_requests (user_id, promotion, status, created_at)
		VALUES (?, ?, 'pending', ?)`, userID, promotion, encTime(now))
	if err != nil {
		return RedemptionRequest{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return RedemptionRequest{}, err
	}
	return RedemptionRequest{
		ID:        id,
		UserID:    userID,
		Promotion: promotion,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

func (s *sqliteStore) GetRequest(ctx context.Context, id int64) (RedemptionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, promotion, status, COALESCE(resolved_by, 0), created_at, resolved_at
		FROM redemption_requests WHERE id = ?`, id)

	var (
		r          RedemptionRequest
		status     string
		created    string
		resolvedAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Promotion, &status, &r.ResolvedBy, &created, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RedemptionRequest{}, ErrNotFound
	}
	if err != nil {
		return RedemptionRequest{}, err
	}
	r.Status = RequestStatus(status)
	r.CreatedAt = decTime(created)
	r.ResolvedAt = decTimePtr(resolvedAt)
	return r, nil
}

func (s *sqliteStore) ResolveRequest(ctx context.Context, id, adminID int64, status RequestStatus) error {
	if status != StatusApproved && status != StatusRejected {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE redemption_requests
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), adminID, encTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (at, actor_id, action, target, ok, fail, err)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		encTime(at), e.ActorID, e.Action, e.Target, e.OK, e.Fail, nullString(e.Error))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

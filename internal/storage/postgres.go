package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	logx "loyaltybot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	tg_id      BIGINT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS counters (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(tg_id),
	name       TEXT NOT NULL,
	progress   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_counters_user ON counters(user_id);

CREATE TABLE IF NOT EXISTS reward_grants (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(tg_id),
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	used_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_grants_user ON reward_grants(user_id, used);

CREATE TABLE IF NOT EXISTS redemption_requests (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL REFERENCES users(tg_id),
	promotion   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	resolved_by BIGINT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON redemption_requests(status);

CREATE TABLE IF NOT EXISTS audit (
	id       BIGSERIAL PRIMARY KEY,
	at       TIMESTAMPTZ NOT NULL,
	actor_id BIGINT NOT NULL,
	action   TEXT NOT NULL,
	target   TEXT NOT NULL DEFAULT '',
	ok       INTEGER NOT NULL DEFAULT 0,
	fail     INTEGER NOT NULL DEFAULT 0,
	err      TEXT
);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres driver requires a dsn")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug("postgres store ready")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tg_id, first_name, last_name, username, phone, is_admin, created_at
		FROM users WHERE tg_id = $1`, id)
	return scanPGUser(row)
}

func scanPGUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Username, &u.Phone, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *postgresStore) UpsertUser(ctx context.Context, u User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (tg_id, first_name, last_name, username, phone, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tg_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			username   = EXCLUDED.username,
			phone      = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE users.phone END,
			updated_at = now()
		RETURNING tg_id, first_name, last_name, username, phone, is_admin, created_at`,
		u.ID, u.FirstName, u.LastName, u.Username, u.Phone, u.IsAdmin)
	return scanPGUser(row)
}

func (s *postgresStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.listUsersWhere(ctx, "")
}

func (s *postgresStore) ListAdmins(ctx context.Context) ([]User, error) {
	return s.listUsersWhere(ctx, "WHERE is_admin")
}

func (s *postgresStore) listUsersWhere(ctx context.Context, where string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tg_id, first_name, last_name, username, phone, is_admin, created_at
		FROM users `+where+` ORDER BY tg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanPGUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) Counters(ctx context.Context, userID int64) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, progress, updated_at
		FROM counters WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Progress, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) EnsureCounter(ctx context.Context, userID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (user_id, name, progress)
		SELECT $1, $2, 0
		WHERE NOT EXISTS (SELECT 1 FROM counters WHERE user_id = $1 AND name = $2)`,
		userID, name)
	return err
}

func (s *postgresStore) Grants(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, used, used_at, created_at
		FROM reward_grants WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			g      Grant
			usedAt sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.Used, &usedAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			t := usedAt.Time
			g.UsedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *postgresStore) CreateGrant(ctx context.Context, userID int64) (Grant, error) {
	var g Grant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reward_grants (user_id) VALUES ($1)
		RETURNING id, user_id, used, created_at`, userID).
		Scan(&g.ID, &g.UserID, &g.Used, &g.CreatedAt)
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

func (s *postgresStore) CreateRequest(ctx context.Context, userID int64, promotion string) (RedemptionRequest, error) {
	var (
		r      RedemptionRequest
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO redemption_requests (user_id, promotion) VALUES ($1, $2)
		RETURNING id, user_id, promotion, status, created_at`, userID, promotion).
		Scan(&r.ID, &r.UserID, &r.Promotion, &status, &r.CreatedAt)
	if err != nil {
		return RedemptionRequest{}, err
	}
	r.Status = RequestStatus(status)
	return r, nil
}

func (s *postgresStore) GetRequest(ctx context.Context, id int64) (RedemptionRequest, error) {
	var (
		r          RedemptionRequest
		status     string
		resolvedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, promotion, status, COALESCE(resolved_by, 0), created_at, resolved_at
		FROM redemption_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Promotion, &status, &r.ResolvedBy, &r.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RedemptionRequest{}, ErrNotFound
	}
	if err != nil {
		return RedemptionRequest{}, err
	}
	r.Status = RequestStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return r, nil
}

func (s *postgresStore) ResolveRequest(ctx context.Context, id, adminID int64, status RequestStatus) error {
	if status != StatusApproved && status != StatusRejected {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE redemption_requests
		SET status = $1, resolved_by = $2, resolved_at = now()
		WHERE id = $3 AND status = 'pending'`,
		string(status), adminID, id)
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

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (at, actor_id, action, target, ok, fail, err)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		at, e.ActorID, e.Action, e.Target, e.OK, e.Fail, nullString(e.Error))
	return err
}

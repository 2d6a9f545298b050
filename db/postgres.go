package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Postgres is the networked store, for deployments that share one database
// between several relays or already run PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	cost int
}

func NewPostgres(ctx context.Context, url string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := &Postgres{pool: pool, cost: buildOptions(opts).cost}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			last_online TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_offline TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS private_messages (
			id BIGSERIAL PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_private_messages_pair ON private_messages(sender, receiver, timestamp)`,
	}

	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	err := p.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM private_messages)",
	).Scan(&st.Users, &st.Messages)
	return st, err
}

func (p *Postgres) Register(ctx context.Context, username, password string) error {
	hashed, err := hashPassword(password, p.cost)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx,
		"INSERT INTO users (username, password) VALUES ($1, $2)",
		username, hashed,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrUsernameExists
	}
	return err
}

func (p *Postgres) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var hashed string
	err := p.pool.QueryRow(ctx, "SELECT password FROM users WHERE username = $1", username).Scan(&hashed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checkPassword(hashed, password), nil
}

func (p *Postgres) AllUsernames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT username FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) UpdateLastOnline(ctx context.Context, username string, t time.Time) error {
	_, err := p.pool.Exec(ctx, "UPDATE users SET last_online = $1 WHERE username = $2", t, username)
	return err
}

func (p *Postgres) UpdateLastOffline(ctx context.Context, username string, t time.Time) error {
	_, err := p.pool.Exec(ctx, "UPDATE users SET last_offline = $1 WHERE username = $2", t, username)
	return err
}

func (p *Postgres) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx,
		"SELECT id, username, password, last_online, last_offline FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.Password, &u.LastOnline, &u.LastOffline)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ErrNoRows
	}
	if err != nil {
		return u, err
	}
	u.LastOnline = u.LastOnline.UTC()
	u.LastOffline = u.LastOffline.UTC()
	return u, nil
}

func (p *Postgres) SaveMessage(ctx context.Context, m models.Message) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO private_messages (sender, receiver, message, timestamp) VALUES ($1, $2, $3, $4)",
		m.Sender, m.Recipient, m.Content, m.Timestamp,
	)
	return err
}

func (p *Postgres) History(ctx context.Context, a, b string) ([]models.HistoryEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sender, message, timestamp
		FROM private_messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY timestamp ASC, id ASC
	`, a, b)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.HistoryEntry, error) {
		var e models.HistoryEntry
		err := row.Scan(&e.Sender, &e.Content, &e.Timestamp)
		e.Timestamp = e.Timestamp.UTC()
		return e, err
	})
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so lexical order in SQLite equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
	cost int
}

// New opens (creating if needed) the SQLite database at path.
func New(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, cost: buildOptions(opts).cost}

	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS private_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_private_messages_pair ON private_messages(sender, receiver, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds presence columns to user tables created before they existed.
func (db *DB) migrate() error {
	for _, column := range []string{"last_online", "last_offline"} {
		exists, err := db.columnExists("users", column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		// ALTER TABLE does not take parameters
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN " + column + " TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Stats counts users and messages; it doubles as the startup health check.
func (db *DB) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&st.Users); err != nil {
		return st, err
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM private_messages").Scan(&st.Messages); err != nil {
		return st, err
	}
	return st, nil
}

// Register creates a user. It returns ErrUsernameExists when the name is taken.
func (db *DB) Register(ctx context.Context, username, password string) error {
	hashed, err := hashPassword(password, db.cost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, last_online, last_offline) VALUES (?, ?, ?, ?)",
		username, hashed, now, now,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrUsernameExists
	}
	return err
}

func (db *DB) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ?", username).Scan(&hashed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checkPassword(hashed, password), nil
}

// AllUsernames is the roster: every registered user, online or not.
func (db *DB) AllUsernames(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT username FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) UpdateLastOnline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE username = ?",
		t.UTC().Format(timeLayout), username,
	)
	return err
}

func (db *DB) UpdateLastOffline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE username = ?",
		t.UTC().Format(timeLayout), username,
	)
	return err
}

// GetUser returns the stored account with its presence timestamps. A user
// that never came online has zero LastOnline and LastOffline.
func (db *DB) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	var online, offline string
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password, last_online, last_offline FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.Password, &online, &offline)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNoRows
	}
	if err != nil {
		return u, err
	}
	u.LastOnline, _ = time.Parse(timeLayout, online)
	u.LastOffline, _ = time.Parse(timeLayout, offline)
	return u, nil
}

func (db *DB) SaveMessage(ctx context.Context, m models.Message) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO private_messages (sender, receiver, message, timestamp) VALUES (?, ?, ?, ?)",
		m.Sender, m.Recipient, m.Content, m.Timestamp.UTC().Format(timeLayout),
	)
	return err
}

// History returns the conversation between a and b, oldest first.
func (db *DB) History(ctx context.Context, a, b string) ([]models.HistoryEntry, error) {
	query := `
		SELECT sender, message, timestamp
		FROM private_messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var ts string
		if err := rows.Scan(&e.Sender, &e.Content, &ts); err != nil {
			return nil, err
		}

		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/models"

	"golang.org/x/crypto/bcrypt"
)

// gateway is the method set both stores share.
type gateway interface {
	Register(ctx context.Context, username, password string) error
	Authenticate(ctx context.Context, username, password string) (bool, error)
	AllUsernames(ctx context.Context) ([]string, error)
	SaveMessage(ctx context.Context, m models.Message) error
	History(ctx context.Context, a, b string) ([]models.HistoryEntry, error)
	UpdateLastOnline(ctx context.Context, username string, t time.Time) error
	UpdateLastOffline(ctx context.Context, username string, t time.Time) error
	GetUser(ctx context.Context, username string) (models.User, error)
	Stats(ctx context.Context) (models.StoreStats, error)
	Close() error
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"), WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSQLiteGateway(t *testing.T) {
	runGatewayTests(t, setupTestDB(t))
}

func TestPostgresGateway(t *testing.T) {
	url := os.Getenv("CHATRELAY_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CHATRELAY_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, url, WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { pg.Close() })

	if _, err := pg.pool.Exec(ctx, "TRUNCATE users, private_messages"); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	runGatewayTests(t, pg)
}

func runGatewayTests(t *testing.T, g gateway) {
	ctx := context.Background()

	t.Run("register and authenticate", func(t *testing.T) {
		if err := g.Register(ctx, "alice", "secret"); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := g.Register(ctx, "alice", "other"); !errors.Is(err, ErrUsernameExists) {
			t.Fatalf("Expected ErrUsernameExists, got %v", err)
		}

		ok, err := g.Authenticate(ctx, "alice", "secret")
		if err != nil || !ok {
			t.Fatalf("Expected valid credentials, got %v, %v", ok, err)
		}
		ok, err = g.Authenticate(ctx, "alice", "wrong")
		if err != nil || ok {
			t.Fatalf("Expected rejected password, got %v, %v", ok, err)
		}
		ok, err = g.Authenticate(ctx, "nobody", "secret")
		if err != nil || ok {
			t.Fatalf("Expected unknown user rejected, got %v, %v", ok, err)
		}
	})

	t.Run("roster is sorted", func(t *testing.T) {
		for _, name := range []string{"carol", "bob"} {
			if err := g.Register(ctx, name, "pw"); err != nil {
				t.Fatalf("Register %s: %v", name, err)
			}
		}
		names, err := g.AllUsernames(ctx)
		if err != nil {
			t.Fatalf("AllUsernames: %v", err)
		}
		want := []string{"alice", "bob", "carol"}
		if len(names) != len(want) {
			t.Fatalf("Expected %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("Expected %v, got %v", want, names)
			}
		}
	})

	t.Run("history round trip in timestamp order", func(t *testing.T) {
		base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		msgs := []models.Message{
			{Sender: "bob", Recipient: "alice", Content: "second: reply", Timestamp: base.Add(5 * time.Minute)},
			{Sender: "alice", Recipient: "bob", Content: "first", Timestamp: base},
			{Sender: "alice", Recipient: "carol", Content: "elsewhere", Timestamp: base.Add(time.Minute)},
			{Sender: "alice", Recipient: "bob", Content: "third | piped", Timestamp: base.Add(10 * time.Minute)},
		}
		for _, m := range msgs {
			if err := g.SaveMessage(ctx, m); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}
		}

		entries, err := g.History(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		want := []string{"first", "second: reply", "third | piped"}
		if len(entries) != len(want) {
			t.Fatalf("Expected %d entries, got %+v", len(want), entries)
		}
		for i, e := range entries {
			if e.Content != want[i] {
				t.Errorf("Entry %d: expected %q, got %q", i, want[i], e.Content)
			}
			if i > 0 && e.Timestamp.Before(entries[i-1].Timestamp) {
				t.Errorf("Entry %d out of order", i)
			}
		}
		if entries[1].Sender != "bob" || !entries[1].Timestamp.Equal(base.Add(5*time.Minute)) {
			t.Errorf("Unexpected entry %+v", entries[1])
		}

		reversed, err := g.History(ctx, "bob", "alice")
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(reversed) != len(entries) {
			t.Errorf("History should be symmetric, got %d vs %d", len(reversed), len(entries))
		}
	})

	t.Run("presence timestamps and stats", func(t *testing.T) {
		// postgres keeps microseconds only
		now := time.Now().UTC().Truncate(time.Millisecond)
		if err := g.UpdateLastOnline(ctx, "alice", now); err != nil {
			t.Fatalf("UpdateLastOnline: %v", err)
		}
		if err := g.UpdateLastOffline(ctx, "alice", now.Add(time.Second)); err != nil {
			t.Fatalf("UpdateLastOffline: %v", err)
		}

		u, err := g.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Username != "alice" || !u.LastOnline.Equal(now) || !u.LastOffline.Equal(now.Add(time.Second)) {
			t.Errorf("Unexpected user %+v", u)
		}
		if _, err := g.GetUser(ctx, "nobody"); !errors.Is(err, ErrNoRows) {
			t.Errorf("Expected ErrNoRows, got %v", err)
		}

		st, err := g.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Users != 3 || st.Messages != 4 {
			t.Errorf("Unexpected stats %+v", st)
		}
	})
}

func TestLastOnlineIsStored(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.Register(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ts := time.Date(2024, 2, 3, 4, 5, 6, 7, time.UTC)
	if err := database.UpdateLastOnline(ctx, "alice", ts); err != nil {
		t.Fatalf("UpdateLastOnline: %v", err)
	}

	u, err := database.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.LastOnline.Equal(ts) {
		t.Errorf("Expected %v, got %v", ts, u.LastOnline)
	}
	if u.Password == "pw" {
		t.Error("Password stored in clear text")
	}

	if _, err := database.GetUser(ctx, "nobody"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
}

func TestMigrateAddsPresenceColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = legacy.Exec(`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL
	)`)
	legacy.Close()
	if err != nil {
		t.Fatalf("Create legacy table: %v", err)
	}

	database, err := New(path, WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("New on legacy db: %v", err)
	}
	defer database.Close()

	for _, column := range []string{"last_online", "last_offline"} {
		exists, err := database.columnExists("users", column)
		if err != nil || !exists {
			t.Errorf("Column %s missing after migrate: %v", column, err)
		}
	}
	if err := database.Register(context.Background(), "alice", "pw"); err != nil {
		t.Errorf("Register after migrate: %v", err)
	}
}

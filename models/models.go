package models

import "time"

type User struct {
	ID          int64
	Username    string
	Password    string // hashed
	LastOnline  time.Time
	LastOffline time.Time
}

// Message is created when a PRIVATE command is accepted and is never
// mutated afterwards.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
}

// HistoryEntry is one line of a conversation as returned by the store,
// ordered by Timestamp ascending.
type HistoryEntry struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// StoreStats is reported once at startup.
type StoreStats struct {
	Users    int
	Messages int
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the tables the sync layer reads and writes. IDs are
// text so they match the hosted backend's string identifiers.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE,
            display_name TEXT,
            profile_picture_url TEXT
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            participant1_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            participant2_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CHECK (participant1_id <> participant2_id)
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_idx
            ON conversations (LEAST(participant1_id, participant2_id), GREATEST(participant1_id, participant2_id))`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            is_read BOOLEAN NOT NULL DEFAULT false
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_at)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

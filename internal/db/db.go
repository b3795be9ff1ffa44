package db

import (
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

func init() {
	// sqlx does not know the pure-Go sqlite driver name; queries are written with '?'.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Connect opens the message store database and applies migrations.
// driver is "postgres" or "sqlite".
func Connect(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == "sqlite" {
		// One writer keeps MarkSeen and Create serialized on SQLite.
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Migrate creates the schema for the connection's dialect. It is idempotent.
func Migrate(db *sqlx.DB) error {
	migrations := postgresMigrations
	if db.DriverName() == "sqlite" {
		migrations = sqliteMigrations
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Info().Str("driver", db.DriverName()).Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            sender_id BIGINT NOT NULL,
            receiver_id BIGINT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            image TEXT NOT NULL DEFAULT '',
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CONSTRAINT messages_body_present CHECK (text <> '' OR image <> '')
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unseen ON messages (receiver_id, sender_id) WHERE seen = FALSE;`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sender_id INTEGER NOT NULL,
            receiver_id INTEGER NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            image TEXT NOT NULL DEFAULT '',
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL,
            CHECK (text <> '' OR image <> '')
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unseen ON messages (receiver_id, sender_id, seen);`,
}

package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending migration embedded in the binary
func Migrate(database *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(database, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Truncate empties the kiosk tables; used by integration tests for a clean state
func Truncate(database *sql.DB) error {
	if _, err := database.Exec("TRUNCATE TABLE otp_challenges, payment_orders"); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

package cron

import (
	"database/sql"
	"testing"

	tempotest "github.com/corvid-labs/tempo/internal/testing"
)

// createTestDB creates an in-memory test database with migrations applied.
func createTestDB(t *testing.T) *sql.DB {
	return tempotest.CreateTestDB(t)
}

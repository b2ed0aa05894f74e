package database

import (
	"testing"

	"bezsettle/internal/config"
	"bezsettle/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInitDBSQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"}

	db, err := InitDB(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, table := range []interface{}{
		&model.Account{},
		&model.AccountTransaction{},
		&model.IdempotencyMarker{},
		&model.EscrowRecord{},
		&model.Settlement{},
		&model.OutboxMessage{},
	} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
}

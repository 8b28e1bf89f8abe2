//go:build integration

package repository

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

var testDB *gorm.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("eventflow"),
		postgres.WithUsername("eventflow"),
		postgres.WithPassword("eventflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start container: %s", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to obtain connection string: %s", err)
	}
	testDB, err = InitDB(dsn)
	if err != nil {
		log.Fatalf("failed to open database: %s", err)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func TestPostgresRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) (ThreadRepositoryInterface, MessageRepositoryInterface) {
		require.NoError(t, testDB.Exec(
			`TRUNCATE threads, participants, messages, message_edits, idempotency_records RESTART IDENTITY CASCADE`,
		).Error)
		return NewThreadRepository(testDB), NewMessageRepository(testDB)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	require.NoError(t, Migrate(testDB))
}

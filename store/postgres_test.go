package store_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/sealbid/store"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SEALBID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEALBID_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	s, err := store.NewPostgresStore(context.Background(), db)
	require.NoError(t, err)
	defer s.Close()

	runStoreTests(t, s)
}

func TestPostgresConfig_ConnectionString(t *testing.T) {
	c := store.PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "sealbid"}
	require.Equal(t, "host=db port=5432 user=u password=p dbname=sealbid sslmode=disable", c.ConnectionString())
	c.SSLMode = "require"
	require.Contains(t, c.ConnectionString(), "sslmode=require")
}

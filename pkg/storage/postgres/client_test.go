package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/profilestore-go/pkg/storage"
	"github.com/oceanbase/profilestore-go/pkg/storage/postgres"
	"github.com/oceanbase/profilestore-go/pkg/storage/storagetest"
)

func setupPostgresTest(t *testing.T) *postgres.Client {
	// Load .env file from project root
	_ = godotenv.Load(filepath.Join("..", "..", "..", ".env"))

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		t.Skip("Skipping PostgreSQL test: POSTGRES_PASSWORD not set")
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(envOr("POSTGRES_PORT", "5432"))
	if err != nil {
		t.Skip("Skipping PostgreSQL test: invalid POSTGRES_PORT")
	}

	cfg := &postgres.Config{
		Host:      host,
		Port:      port,
		User:      envOr("POSTGRES_USER", "postgres"),
		Password:  password,
		DBName:    envOr("POSTGRES_DATABASE", "profilestore_test"),
		TableName: "profiles_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
	t.Cleanup(func() {
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			return
		}
		defer func() { _ = db.Close() }()
		_, _ = db.Exec("DROP TABLE IF EXISTS " + cfg.TableName)
	})
	return postgres.NewClient(cfg, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgreSQLClient_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return setupPostgresTest(t)
	})
}

func TestConfig_DSN(t *testing.T) {
	cfg := &postgres.Config{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "profiles"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=profiles sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConfig_DSNQuotesValues(t *testing.T) {
	tests := []struct {
		password string
		want     string
	}{
		{"", "password=''"},
		{"two words", "password='two words'"},
		{"it's", `password='it\'s'`},
		{`back\slash`, `password='back\\slash'`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			cfg := &postgres.Config{Host: "db", Port: 5432, User: "u", Password: tt.password, DBName: "profiles"}
			dsn := cfg.DSN()
			assert.Contains(t, dsn, tt.want+" dbname=profiles")

			_, err := pq.NewConnector(dsn)
			assert.NoError(t, err)
		})
	}
}

func TestPostgreSQLClient_Name(t *testing.T) {
	client := postgres.NewClient(&postgres.Config{}, nil)
	assert.Equal(t, "PostgreSQL", client.Name())
	assert.False(t, client.IsHealthy(context.Background()))
}

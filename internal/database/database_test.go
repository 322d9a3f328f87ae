package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SQLiteInitialize(t *testing.T) {
	db, err := New("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DialectSQLite, db.Dialect)

	ctx := context.Background()
	require.NoError(t, db.Initialize(ctx))
	require.NoError(t, db.Initialize(ctx), "initialize is idempotent")

	for _, table := range []string{"workflows", "schedules", "secrets"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		driver  string
		source  string
		dialect Dialect
	}{
		{"mysql://u:p@db:3306/flows", "mysql", "u:p@tcp(db:3306)/flows?parseTime=true", DialectMySQL},
		{"mysql://u:p@db:3306/flows?tls=true", "mysql", "u:p@tcp(db:3306)/flows?tls=true&parseTime=true", DialectMySQL},
		{"mysql://u:p@db:3306/flows?parseTime=false", "mysql", "u:p@tcp(db:3306)/flows?parseTime=false", DialectMySQL},
		{"sqlite://:memory:", "sqlite", ":memory:", DialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, source, dialect, err := parseDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.source, source)
			assert.Equal(t, tt.dialect, dialect)
		})
	}

	_, _, _, err := parseDSN("postgres://x")
	assert.ErrorContains(t, err, "unsupported DATABASE_URL")
	_, _, _, err = parseDSN("sqlite://")
	assert.Error(t, err)
}

func TestExtractDBName(t *testing.T) {
	assert.Equal(t, "flows", extractDBName("mongodb://localhost:27017/flows?authSource=admin"))
	assert.Equal(t, "flows", extractDBName("mongodb+srv://u:p@cluster.example.net/flows"))
	assert.Equal(t, "", extractDBName("mongodb://localhost:27017"))
	assert.Equal(t, "", extractDBName("mongodb://localhost:27017/?replicaSet=rs0"))
}

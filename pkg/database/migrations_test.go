package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "approvals.db"), MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_add_index.sql":      {Data: []byte("CREATE INDEX x ON t(a);")},
		"m/002_create_table.sql":   {Data: []byte("CREATE TABLE t (a TEXT);")},
		"m/README.md":              {Data: []byte("not a migration")},
		"m/001_initial_schema.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "initial_schema", migrations[0].Name)
	assert.Equal(t, "add_index", migrations[2].Name)
}

func TestLoadMigrations_RejectsUnversionedFile(t *testing.T) {
	fsys := fstest.MapFS{"m/schema.sql": {Data: []byte("SELECT 1;")}}
	_, err := LoadMigrations(fsys, "m")
	assert.Error(t, err)
}

func TestRunMigrations_EmbeddedSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, zap.NewNop())

	require.NoError(t, m.RunMigrations())
	require.NoError(t, m.RunMigrations())

	for _, table := range []string{"approval_records", "channel_bindings", "approval_operations", "idempotency_keys"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 1, applied)

	version, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNew_CreatesDirectoryAndRequiresPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "approvals.db")
	db, err := New(Config{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, NewMigrator(db, zap.NewNop()).createMigrationsTable())
	version, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Zero(t, version)

	_, err = New(Config{}, nil)
	assert.Error(t, err)
}

func TestConfig_DSN(t *testing.T) {
	dsn := Config{Path: "data/approvals.db", BusyTimeout: 2 * time.Second}.dsn()
	assert.True(t, strings.HasPrefix(dsn, "file:data/approvals.db?"))
	assert.Contains(t, dsn, "_busy_timeout=2000")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, Config{Path: "x.db"}.dsn(), "_busy_timeout=5000")
}

func TestRunMigrationsFS_FailedMigrationIsNotRecorded(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, zap.NewNop())

	fsys := fstest.MapFS{
		"m/001_ok.sql":     {Data: []byte("CREATE TABLE ok_table (id INTEGER);")},
		"m/002_broken.sql": {Data: []byte("CREATE TABLE broken (;")},
	}
	require.Error(t, m.RunMigrationsFS(fsys, "m"))

	var versions []int
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	assert.Equal(t, []int{1}, versions)
}

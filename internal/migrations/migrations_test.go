package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_Paired(t *testing.T) {
	ups, err := fs.Glob(MigrationFiles, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(MigrationFiles, down)
		require.NoError(t, err, "missing down migration for %s", up)
	}
}

func TestMigrationFiles_DefineStableTables(t *testing.T) {
	data, err := fs.ReadFile(MigrationFiles, "000001_init.up.sql")
	require.NoError(t, err)
	sql := string(data)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS processed_files",
		"token       TEXT        PRIMARY KEY",
		"CREATE TABLE IF NOT EXISTS snapshot_watermarks",
		"CREATE TABLE IF NOT EXISTS page_views_daily",
		"PRIMARY KEY (source, dt)",
		"CREATE TABLE IF NOT EXISTS searches_daily",
		"PRIMARY KEY (source, dt, query)",
	} {
		require.Contains(t, sql, want)
	}
}

package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storefront-support/internal/chat"
)

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	for _, m := range chat.Models() {
		assert.True(t, gdb.Migrator().HasTable(m))
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "whatever")
	assert.ErrorContains(t, err, "unsupported db driver")
}

package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
)

func TestRegisteredDBTypes(t *testing.T) {
	types := GetRegisteredDBTypes()

	assert.Contains(t, types, configs.SQLite)
	assert.Contains(t, types, configs.Postgres)
	assert.Contains(t, types, configs.MariaDB)
}

func TestNewOpensSQLite(t *testing.T) {
	cfg := configs.Defaults().DB
	cfg.Database = filepath.Join(t.TempDir(), "state")

	client, err := New(context.Background(), cfg, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	var one int
	require.NoError(t, client.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}

func TestNewRejectsUnknownType(t *testing.T) {
	cfg := configs.Defaults().DB
	cfg.Type = "oracle"

	_, err := New(context.Background(), cfg, false)
	assert.Error(t, err)
}

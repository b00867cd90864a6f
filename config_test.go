package pgtempdb

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("zero value is valid", func(t *testing.T) {
		require.NoError(t, (&Config{}).Validate())
	})

	t.Run("known modes", func(t *testing.T) {
		require.NoError(t, (&Config{Mode: ModeMulti}).Validate())
		require.NoError(t, (&Config{Mode: ModeSingle}).Validate())
	})

	t.Run("unknown mode", func(t *testing.T) {
		err := (&Config{Mode: "auto"}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown mode")
	})

	t.Run("port range", func(t *testing.T) {
		require.NoError(t, (&Config{Port: 0}).Validate())
		require.NoError(t, (&Config{Port: 5432}).Validate())
		require.NoError(t, (&Config{Port: 65535}).Validate())
		require.Error(t, (&Config{Port: -1}).Validate())
		require.Error(t, (&Config{Port: 65536}).Validate())
	})

	t.Run("negative timeouts", func(t *testing.T) {
		require.Error(t, (&Config{StartTimeout: -time.Second}).Validate())
		require.Error(t, (&Config{StopGrace: -time.Second}).Validate())
	})

	t.Run("template setup requires single mode", func(t *testing.T) {
		setup := func(context.Context, *pgx.Conn) error { return nil }
		require.Error(t, (&Config{Mode: ModeMulti, SetupTemplate: setup}).Validate())
		require.Error(t, (&Config{SetupTemplate: setup}).Validate())
		require.NoError(t, (&Config{Mode: ModeSingle, SetupTemplate: setup}).Validate())
	})
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{}).withDefaults()
	assert.Equal(t, ModeMulti, cfg.Mode)
	assert.Equal(t, DefaultUsername, cfg.Username)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultStartTimeout, cfg.StartTimeout)
	assert.Equal(t, DefaultStopGrace, cfg.StopGrace)
	assert.NotNil(t, cfg.Logger)

	// Explicit values survive.
	cfg = (&Config{Mode: ModeSingle, Username: "admin", StartTimeout: time.Second}).withDefaults()
	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, time.Second, cfg.StartTimeout)
}

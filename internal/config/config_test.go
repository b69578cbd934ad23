package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	err := os.WriteFile(path, []byte(`
addr = ":9000"
jwt-secret = "from-file"
pong-wait = "90s"

[log]
level = "debug"
`), 0600)
	require.NoError(t, err)

	t.Setenv("SPACEPOINT_JWT_SECRET", "from-env")
	t.Setenv("SPACEPOINT_SEND_BUFFER", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, "from-env", cfg.JWTSecret)
	require.Equal(t, 16, cfg.SendBuffer)
	require.Equal(t, 90*time.Second, cfg.PongWait.Duration)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "space-point.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "missing secret")

	cfg.JWTSecret = "s"
	require.NoError(t, cfg.Validate())

	cfg.PingPeriod = cfg.PongWait
	require.Error(t, cfg.Validate())
}

func TestBadEnv(t *testing.T) {
	t.Setenv("SPACEPOINT_JWT_SECRET", "x")
	t.Setenv("SPACEPOINT_SEND_BUFFER", "lots")
	_, err := Load("")
	require.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	lg, err := cfg.SetupLogger()
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(zapcore.DebugLevel))

	cfg.Log.Level = "loud"
	_, err = cfg.SetupLogger()
	require.Error(t, err)
}

package collab

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()
	assert.Equal(t, config.Validate(), nil)
	assert.Equal(t, config.Addr(), "0.0.0.0:8080")

	roomManagerSettings := config.RoomManagerSettings()
	assert.Equal(t, roomManagerSettings.InactivityTimeout, 10*time.Minute)
	assert.Equal(t, roomManagerSettings.EmptyRoomTimeout, time.Minute)
	assert.Equal(t, roomManagerSettings.SweepInterval, 5*time.Minute)
	assert.Equal(t, roomManagerSettings.ChangeLogCapacity, 100)
	assert.Equal(t, roomManagerSettings.ChangeBackfill, 20)

	gatewaySettings := config.GatewaySettings("1.0.0")
	assert.Equal(t, gatewaySettings.Version, "1.0.0")
	assert.Equal(t, gatewaySettings.MaxMessageSize, int64(64*1024))
}

func TestLoadServerConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yml")
	err := os.WriteFile(path, []byte(`
port: 9090
inactivity_timeout: 20m
empty_room_timeout: 30s
change_log_capacity: 50
change_backfill: 10
allowed_origins:
  - https://editor.example.com
`), 0o600)
	assert.Equal(t, err, nil)

	config, err := LoadServerConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Port, 9090)
	assert.Equal(t, config.InactivityTimeout, 20*time.Minute)
	assert.Equal(t, config.EmptyRoomTimeout, 30*time.Second)
	assert.Equal(t, config.ChangeLogCapacity, 50)
	assert.Equal(t, config.ChangeBackfill, 10)
	assert.Equal(t, config.AllowedOrigins, []string{"https://editor.example.com"})
	// unset keys keep their defaults
	assert.Equal(t, config.SweepInterval, 5*time.Minute)

	_, err = LoadServerConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)

	badPath := filepath.Join(t.TempDir(), "bad.yml")
	err = os.WriteFile(badPath, []byte("change_backfill: 500\n"), 0o600)
	assert.Equal(t, err, nil)
	_, err = LoadServerConfig(badPath)
	assert.NotEqual(t, err, nil)
}

func TestServerConfigEnv(t *testing.T) {
	env := map[string]string{
		"COLLAB_PORT":               "7000",
		"COLLAB_INACTIVITY_TIMEOUT": "15m",
		"COLLAB_MAX_MESSAGE_SIZE":   "128KiB",
		"COLLAB_MESSAGE_RATE":       "12.5",
		"COLLAB_ALLOWED_ORIGINS":    "https://a.example.com, https://b.example.com,",
	}
	lookupEnv := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	config := DefaultServerConfig()
	err := config.ApplyEnv(lookupEnv)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Port, 7000)
	assert.Equal(t, config.InactivityTimeout, 15*time.Minute)
	assert.Equal(t, config.MaxMessageSize, int64(128*1024))
	assert.Equal(t, config.MessageRate, 12.5)
	assert.Equal(t, config.AllowedOrigins, []string{"https://a.example.com", "https://b.example.com"})
	assert.Equal(t, config.Validate(), nil)

	env["COLLAB_SWEEP_INTERVAL"] = "often"
	env["COLLAB_PORT"] = "seven"
	config = DefaultServerConfig()
	err = config.ApplyEnv(lookupEnv)
	assert.NotEqual(t, err, nil)
}

func TestServerConfigValidate(t *testing.T) {
	config := DefaultServerConfig()
	config.Port = 0
	assert.NotEqual(t, config.Validate(), nil)

	config = DefaultServerConfig()
	// empty rooms must be reclaimed sooner than idle members
	config.EmptyRoomTimeout = config.InactivityTimeout
	assert.NotEqual(t, config.Validate(), nil)

	config = DefaultServerConfig()
	config.MessageBurst = 0
	assert.NotEqual(t, config.Validate(), nil)
}

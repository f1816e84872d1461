package collab

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const LocalVersion = "0.0.0-local"

// server configuration
// precedence, lowest first: defaults, yaml file, environment (`COLLAB_*`), command line
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	EmptyRoomTimeout  time.Duration `yaml:"empty_room_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ChangeLogCapacity int           `yaml:"change_log_capacity"`
	ChangeBackfill    int           `yaml:"change_backfill"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	MessageRate     float64       `yaml:"message_rate"`
	MessageBurst    int           `yaml:"message_burst"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

func DefaultServerConfig() *ServerConfig {
	roomManagerSettings := DefaultRoomManagerSettings()
	gatewaySettings := DefaultGatewaySettings()
	return &ServerConfig{
		Address:           "0.0.0.0",
		Port:              8080,
		InactivityTimeout: roomManagerSettings.InactivityTimeout,
		EmptyRoomTimeout:  roomManagerSettings.EmptyRoomTimeout,
		SweepInterval:     roomManagerSettings.SweepInterval,
		ChangeLogCapacity: roomManagerSettings.ChangeLogCapacity,
		ChangeBackfill:    roomManagerSettings.ChangeBackfill,
		WriteTimeout:      gatewaySettings.WriteTimeout,
		ReadTimeout:       gatewaySettings.ReadTimeout,
		SendBufferSize:    gatewaySettings.SendBufferSize,
		MaxMessageSize:    gatewaySettings.MaxMessageSize,
		MessageRate:       float64(gatewaySettings.MessageRate),
		MessageBurst:      gatewaySettings.MessageBurst,
		MetricsInterval:   gatewaySettings.MetricsInterval,
		AllowedOrigins:    gatewaySettings.AllowedOrigins,
	}
}

// defaults, overlaid by the yaml file at `path` (if not empty), then the environment
func LoadServerConfig(path string) (*ServerConfig, error) {
	config := DefaultServerConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *ServerConfig) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	var errs []string

	envString := func(name string, out *string) {
		if v, ok := lookupEnv(name); ok && v != "" {
			*out = v
		}
	}
	envInt := func(name string, out *int) {
		if v, ok := lookupEnv(name); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*out = n
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", name, err))
			}
		}
	}
	// plain byte counts or humanized sizes, e.g. `64KiB`
	envBytes := func(name string, out *int64) {
		if v, ok := lookupEnv(name); ok && v != "" {
			if n, err := humanize.ParseBytes(v); err == nil {
				*out = int64(n)
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", name, err))
			}
		}
	}
	envFloat := func(name string, out *float64) {
		if v, ok := lookupEnv(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*out = f
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", name, err))
			}
		}
	}
	envDuration := func(name string, out *time.Duration) {
		if v, ok := lookupEnv(name); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*out = d
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", name, err))
			}
		}
	}

	envString("COLLAB_ADDRESS", &self.Address)
	envInt("COLLAB_PORT", &self.Port)
	envDuration("COLLAB_INACTIVITY_TIMEOUT", &self.InactivityTimeout)
	envDuration("COLLAB_EMPTY_ROOM_TIMEOUT", &self.EmptyRoomTimeout)
	envDuration("COLLAB_SWEEP_INTERVAL", &self.SweepInterval)
	envInt("COLLAB_CHANGE_LOG_CAPACITY", &self.ChangeLogCapacity)
	envInt("COLLAB_CHANGE_BACKFILL", &self.ChangeBackfill)
	envDuration("COLLAB_WRITE_TIMEOUT", &self.WriteTimeout)
	envDuration("COLLAB_READ_TIMEOUT", &self.ReadTimeout)
	envInt("COLLAB_SEND_BUFFER_SIZE", &self.SendBufferSize)
	envBytes("COLLAB_MAX_MESSAGE_SIZE", &self.MaxMessageSize)
	envFloat("COLLAB_MESSAGE_RATE", &self.MessageRate)
	envInt("COLLAB_MESSAGE_BURST", &self.MessageBurst)
	envDuration("COLLAB_METRICS_INTERVAL", &self.MetricsInterval)
	if v, ok := lookupEnv("COLLAB_ALLOWED_ORIGINS"); ok && v != "" {
		origins := []string{}
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		self.AllowedOrigins = origins
	}

	if 0 < len(errs) {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (self *ServerConfig) Validate() error {
	if self.Port <= 0 || 65535 < self.Port {
		return fmt.Errorf("port out of range: %d", self.Port)
	}
	if self.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity_timeout must be positive")
	}
	if self.EmptyRoomTimeout <= 0 || self.InactivityTimeout <= self.EmptyRoomTimeout {
		return fmt.Errorf("empty_room_timeout must be positive and less than inactivity_timeout")
	}
	if self.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if self.ChangeLogCapacity <= 0 {
		return fmt.Errorf("change_log_capacity must be positive")
	}
	if self.ChangeBackfill < 0 || self.ChangeLogCapacity < self.ChangeBackfill {
		return fmt.Errorf("change_backfill must be between 0 and change_log_capacity")
	}
	if self.SendBufferSize <= 0 {
		return fmt.Errorf("send_buffer_size must be positive")
	}
	if self.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if self.MessageRate <= 0 || self.MessageBurst <= 0 {
		return fmt.Errorf("message_rate and message_burst must be positive")
	}
	if self.MetricsInterval <= 0 {
		return fmt.Errorf("metrics_interval must be positive")
	}
	return nil
}

func (self *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", self.Address, self.Port)
}

func (self *ServerConfig) RoomManagerSettings() *RoomManagerSettings {
	settings := DefaultRoomManagerSettings()
	settings.InactivityTimeout = self.InactivityTimeout
	settings.EmptyRoomTimeout = self.EmptyRoomTimeout
	settings.SweepInterval = self.SweepInterval
	settings.ChangeLogCapacity = self.ChangeLogCapacity
	settings.ChangeBackfill = self.ChangeBackfill
	return settings
}

func (self *ServerConfig) GatewaySettings(version string) *GatewaySettings {
	settings := DefaultGatewaySettings()
	settings.WriteTimeout = self.WriteTimeout
	settings.ReadTimeout = self.ReadTimeout
	settings.SendBufferSize = self.SendBufferSize
	settings.MaxMessageSize = self.MaxMessageSize
	settings.MessageRate = rate.Limit(self.MessageRate)
	settings.MessageBurst = self.MessageBurst
	settings.MetricsInterval = self.MetricsInterval
	settings.AllowedOrigins = self.AllowedOrigins
	settings.Version = version
	return settings
}

func Host() (string, error) {
	host := os.Getenv("COLLAB_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("COLLAB_HOST not set")
}

func RequireVersion() string {
	if version := os.Getenv("COLLAB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Link        LinkConfig        `yaml:"link"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Registry    RegistryConfig    `yaml:"registry"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Integration IntegrationConfig `yaml:"integration"`
	Agent       AgentConfig       `yaml:"agent"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LinkConfig represents the device-facing listeners
type LinkConfig struct {
	CableBind        string        `yaml:"cable_bind"`
	NetworkBind      string        `yaml:"network_bind"`
	ProtocolVersion  int           `yaml:"protocol_version"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxSessions      int           `yaml:"max_sessions"`
}

// DiscoveryConfig represents the UDP discovery responder
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// HeartbeatConfig represents probe cadence and interval hints
type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// DeliveryConfig represents retry and circuit breaker knobs
type DeliveryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	ReconnectTime time.Duration `yaml:"reconnect_time"`
	CacheSize     int           `yaml:"cache_size"`
}

// RegistryConfig represents rate limiting for handshakes and frames
type RegistryConfig struct {
	HandshakeBurst int           `yaml:"handshake_burst"`
	HandshakeRate  float64       `yaml:"handshake_rate"`
	FrameBurst     int           `yaml:"frame_burst"`
	FrameRate      float64       `yaml:"frame_rate"`
	BlockDuration  time.Duration `yaml:"block_duration"`
	Shards         int           `yaml:"shards"`
}

// APIConfig represents management API configuration
type APIConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the MQTT broker used for integration fan-out
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// JWTConfig represents device credential signing configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IntegrationConfig represents HTTP webhook fan-out
type IntegrationConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	Workers        int           `yaml:"workers"`
}

// AgentConfig represents the client agent's side of the link
type AgentConfig struct {
	DeviceID      string        `yaml:"device_id"`
	DeviceSecret  string        `yaml:"device_secret"`
	BridgeAddr    string        `yaml:"bridge_addr"`
	BridgeSerial  string        `yaml:"bridge_serial"`
	ServerAddr    string        `yaml:"server_addr"`
	UseDiscovery  bool          `yaml:"use_discovery"`
	BroadcastAddr string        `yaml:"broadcast_addr"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if secret := os.Getenv("DEVICE_SECRET"); secret != "" {
		c.Agent.DeviceSecret = secret
	}

	if password := os.Getenv("API_ADMIN_PASSWORD"); password != "" {
		c.API.AdminPassword = password
	}
}

// validateAndSetDefaults fills in defaults section by section
func (c *Config) validateAndSetDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "nfclink-server"
	}

	c.setDefaultLink()
	c.setDefaultHeartbeat()
	c.setDefaultDelivery()
	c.setDefaultRegistry()
	c.setDefaultInfra()

	if c.Heartbeat.MinInterval > c.Heartbeat.MaxInterval {
		return fmt.Errorf("heartbeat min_interval %s exceeds max_interval %s",
			c.Heartbeat.MinInterval, c.Heartbeat.MaxInterval)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}

	return nil
}

func (c *Config) setDefaultLink() {
	if c.Link.CableBind == "" {
		c.Link.CableBind = "0.0.0.0:48910"
	}
	if c.Link.NetworkBind == "" {
		c.Link.NetworkBind = "0.0.0.0:48911"
	}
	if c.Link.ProtocolVersion == 0 {
		c.Link.ProtocolVersion = 1
	}
	if c.Link.HandshakeTimeout == 0 {
		c.Link.HandshakeTimeout = 5 * time.Second
	}
	if c.Link.IdleTimeout == 0 {
		c.Link.IdleTimeout = 5 * time.Minute
	}
	if c.Link.MaxSessions == 0 {
		c.Link.MaxSessions = 1024
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 48912
	}
	if c.Discovery.Bind == "" {
		c.Discovery.Bind = "0.0.0.0"
	}
}

func (c *Config) setDefaultHeartbeat() {
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.MinInterval == 0 {
		c.Heartbeat.MinInterval = 5 * time.Second
	}
	if c.Heartbeat.MaxInterval == 0 {
		c.Heartbeat.MaxInterval = 5 * time.Minute
	}
}

func (c *Config) setDefaultDelivery() {
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.AckTimeout == 0 {
		c.Delivery.AckTimeout = 10 * time.Second
	}
	if c.Delivery.ReconnectTime == 0 {
		c.Delivery.ReconnectTime = 90 * time.Second
	}
	if c.Delivery.CacheSize == 0 {
		c.Delivery.CacheSize = 10_000
	}
}

func (c *Config) setDefaultRegistry() {
	if c.Registry.HandshakeBurst == 0 {
		c.Registry.HandshakeBurst = 5
	}
	if c.Registry.HandshakeRate == 0 {
		c.Registry.HandshakeRate = 1
	}
	if c.Registry.FrameBurst == 0 {
		c.Registry.FrameBurst = 200
	}
	if c.Registry.FrameRate == 0 {
		c.Registry.FrameRate = 100
	}
	if c.Registry.BlockDuration == 0 {
		c.Registry.BlockDuration = time.Minute
	}
	if c.Registry.Shards == 0 {
		c.Registry.Shards = 16
	}
}

func (c *Config) setDefaultInfra() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if c.API.AdminPassword == "" {
		c.API.AdminPassword = "admin"
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "nfclink"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "nfclink-server"
	}

	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Integration.WebhookTimeout == 0 {
		c.Integration.WebhookTimeout = 10 * time.Second
	}
	if c.Integration.Workers == 0 {
		c.Integration.Workers = 4
	}

	if c.Agent.ScanInterval == 0 {
		c.Agent.ScanInterval = 2 * time.Second
	}
	if c.Agent.BroadcastAddr == "" {
		c.Agent.BroadcastAddr = "255.255.255.255:48912"
	}
}

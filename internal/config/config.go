package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	dbconfig "printqueue/pkg/database"
)

// Config is the process configuration. Values are resolved as defaults, then
// environment, then an optional JSON or TOML file.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Database  *DatabaseConfig  `json:"database"`
	Sandbox   *SandboxConfig   `json:"sandbox"`
	Session   *SessionConfig   `json:"session"`
	Upload    *UploadConfig    `json:"upload"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
	// RateLimit is the number of client events accepted per connection per minute.
	RateLimit int `json:"rate_limit"`
}

// DatabaseConfig locates the activity journal. The default is an in-memory
// database so the journal never outlives the process.
type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type SandboxConfig struct {
	Image      string `json:"image"`
	MountPath  string `json:"mount_path"`
	DockerHost string `json:"docker_host"`
	// Platform is "os/arch[/variant]"; empty uses the engine default.
	Platform         string        `json:"platform"`
	StopTimeout      time.Duration `json:"stop_timeout"`
	ProvisionTimeout time.Duration `json:"provision_timeout"`
	ExecuteTimeout   time.Duration `json:"execute_timeout"`
	RetryAttempts    int           `json:"retry_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
}

type SessionConfig struct {
	UploadRoot string `json:"upload_root"`
	// ReconcileInterval of zero disables the orphan reconciler.
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
}

type UploadConfig struct {
	MaxBytes int64 `json:"max_bytes"`
	// PublicBaseURL prefixes upload links; empty means derive it from the
	// outbound LAN address and the HTTP port.
	PublicBaseURL string `json:"public_base_url"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:         3001,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			RateLimit:    100,
		},
		Database: &DatabaseConfig{
			Path:           dbconfig.DefaultInMemoryPath,
			Timeout:        5 * time.Second,
			MaxConnections: 10,
		},
		Sandbox: &SandboxConfig{
			Image:            "alpine:latest",
			MountPath:        "/app/uploads",
			StopTimeout:      2 * time.Second,
			ProvisionTimeout: 60 * time.Second,
			ExecuteTimeout:   15 * time.Second,
			RetryAttempts:    3,
			RetryBaseDelay:   500 * time.Millisecond,
		},
		Session: &SessionConfig{
			UploadRoot:        "./uploads",
			ReconcileInterval: 30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Upload: &UploadConfig{
			MaxBytes: 50 << 20,
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil ||
		c.Sandbox == nil || c.Session == nil || c.Upload == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 {
		return fmt.Errorf("WebSocket rate limit must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox image cannot be empty")
	}
	if !strings.HasPrefix(c.Sandbox.MountPath, "/") {
		return fmt.Errorf("sandbox mount path must be absolute")
	}
	if c.Sandbox.StopTimeout < 0 {
		return fmt.Errorf("sandbox stop timeout cannot be negative")
	}
	if c.Sandbox.ProvisionTimeout <= 0 || c.Sandbox.ExecuteTimeout <= 0 {
		return fmt.Errorf("sandbox timeouts must be positive")
	}
	if c.Sandbox.RetryAttempts < 1 {
		return fmt.Errorf("sandbox retry attempts must be at least 1")
	}
	if c.Sandbox.RetryBaseDelay < 0 {
		return fmt.Errorf("sandbox retry delay cannot be negative")
	}

	if c.Session.UploadRoot == "" {
		return fmt.Errorf("upload root cannot be empty")
	}
	if c.Session.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval cannot be negative")
	}
	if c.Session.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload max bytes must be positive")
	}
	if c.Upload.PublicBaseURL != "" &&
		!strings.HasPrefix(c.Upload.PublicBaseURL, "http://") &&
		!strings.HasPrefix(c.Upload.PublicBaseURL, "https://") {
		return fmt.Errorf("public base URL must be an http(s) URL")
	}

	return nil
}

// JournalConfig converts the database section into the journal's own config.
func (c *Config) JournalConfig() *dbconfig.Config {
	jc := dbconfig.DefaultConfig()
	jc.DatabasePath = c.Database.Path
	jc.MaxConnections = c.Database.MaxConnections
	return jc
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv returns defaults overridden by PRINTQUEUE_* variables. PORT is
// honoured as well; PRINTQUEUE_HTTP_PORT wins when both are set. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envInt("PORT", &config.HTTP.Port)
	envInt("PRINTQUEUE_HTTP_PORT", &config.HTTP.Port)
	envString("PRINTQUEUE_HTTP_HOST", &config.HTTP.Host)
	envDuration("PRINTQUEUE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("PRINTQUEUE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("PRINTQUEUE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("PRINTQUEUE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("PRINTQUEUE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("PRINTQUEUE_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt("PRINTQUEUE_WEBSOCKET_RATE_LIMIT", &config.WebSocket.RateLimit)

	envString("PRINTQUEUE_DATABASE_PATH", &config.Database.Path)
	envDuration("PRINTQUEUE_DATABASE_TIMEOUT", &config.Database.Timeout)

	envString("PRINTQUEUE_SANDBOX_IMAGE", &config.Sandbox.Image)
	envString("PRINTQUEUE_DOCKER_HOST", &config.Sandbox.DockerHost)
	envString("PRINTQUEUE_SANDBOX_PLATFORM", &config.Sandbox.Platform)
	envDuration("PRINTQUEUE_PROVISION_TIMEOUT", &config.Sandbox.ProvisionTimeout)
	envDuration("PRINTQUEUE_EXECUTE_TIMEOUT", &config.Sandbox.ExecuteTimeout)
	envInt("PRINTQUEUE_PROVISION_RETRIES", &config.Sandbox.RetryAttempts)

	envString("PRINTQUEUE_UPLOAD_ROOT", &config.Session.UploadRoot)
	envDuration("PRINTQUEUE_RECONCILE_INTERVAL", &config.Session.ReconcileInterval)
	envDuration("PRINTQUEUE_SHUTDOWN_TIMEOUT", &config.Session.ShutdownTimeout)

	if v := os.Getenv("PRINTQUEUE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Upload.MaxBytes = n
		}
	}
	envString("PRINTQUEUE_PUBLIC_BASE_URL", &config.Upload.PublicBaseURL)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the on-disk shape. Durations are strings such as "15s".
type ConfigFile struct {
	HTTP *struct {
		Port         int    `json:"port" toml:"port"`
		Host         string `json:"host" toml:"host"`
		ReadTimeout  string `json:"read_timeout" toml:"read_timeout"`
		WriteTimeout string `json:"write_timeout" toml:"write_timeout"`
	} `json:"http" toml:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval" toml:"ping_interval"`
		ReadTimeout  string `json:"read_timeout" toml:"read_timeout"`
		WriteTimeout string `json:"write_timeout" toml:"write_timeout"`
		BufferSize   int    `json:"buffer_size" toml:"buffer_size"`
		RateLimit    int    `json:"rate_limit" toml:"rate_limit"`
	} `json:"websocket" toml:"websocket"`
	Database *struct {
		Path           string `json:"path" toml:"path"`
		Timeout        string `json:"timeout" toml:"timeout"`
		MaxConnections int    `json:"max_connections" toml:"max_connections"`
	} `json:"database" toml:"database"`
	Sandbox *struct {
		Image            string `json:"image" toml:"image"`
		MountPath        string `json:"mount_path" toml:"mount_path"`
		DockerHost       string `json:"docker_host" toml:"docker_host"`
		Platform         string `json:"platform" toml:"platform"`
		StopTimeout      string `json:"stop_timeout" toml:"stop_timeout"`
		ProvisionTimeout string `json:"provision_timeout" toml:"provision_timeout"`
		ExecuteTimeout   string `json:"execute_timeout" toml:"execute_timeout"`
		RetryAttempts    int    `json:"retry_attempts" toml:"retry_attempts"`
		RetryBaseDelay   string `json:"retry_base_delay" toml:"retry_base_delay"`
	} `json:"sandbox" toml:"sandbox"`
	Session *struct {
		UploadRoot        string `json:"upload_root" toml:"upload_root"`
		ReconcileInterval string `json:"reconcile_interval" toml:"reconcile_interval"`
		ShutdownTimeout   string `json:"shutdown_timeout" toml:"shutdown_timeout"`
	} `json:"session" toml:"session"`
	Upload *struct {
		MaxBytes      int64  `json:"max_bytes" toml:"max_bytes"`
		PublicBaseURL string `json:"public_base_url" toml:"public_base_url"`
	} `json:"upload" toml:"upload"`
}

// LoadFromFile reads a JSON file, or TOML when the extension is .toml, on
// top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence resolves defaults, then environment, then the file
// when path is non-empty. A file that cannot be read is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &file)
	} else {
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := durationParser{file: path}

	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		p.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		p.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		p.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		p.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		p.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		setInt(&config.WebSocket.RateLimit, f.RateLimit)
	}
	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		p.set(&config.Database.Timeout, "database.timeout", f.Timeout)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
	}
	if f := file.Sandbox; f != nil {
		setString(&config.Sandbox.Image, f.Image)
		setString(&config.Sandbox.MountPath, f.MountPath)
		setString(&config.Sandbox.DockerHost, f.DockerHost)
		setString(&config.Sandbox.Platform, f.Platform)
		p.set(&config.Sandbox.StopTimeout, "sandbox.stop_timeout", f.StopTimeout)
		p.set(&config.Sandbox.ProvisionTimeout, "sandbox.provision_timeout", f.ProvisionTimeout)
		p.set(&config.Sandbox.ExecuteTimeout, "sandbox.execute_timeout", f.ExecuteTimeout)
		setInt(&config.Sandbox.RetryAttempts, f.RetryAttempts)
		p.set(&config.Sandbox.RetryBaseDelay, "sandbox.retry_base_delay", f.RetryBaseDelay)
	}
	if f := file.Session; f != nil {
		setString(&config.Session.UploadRoot, f.UploadRoot)
		p.set(&config.Session.ReconcileInterval, "session.reconcile_interval", f.ReconcileInterval)
		p.set(&config.Session.ShutdownTimeout, "session.shutdown_timeout", f.ShutdownTimeout)
	}
	if f := file.Upload; f != nil {
		if f.MaxBytes > 0 {
			config.Upload.MaxBytes = f.MaxBytes
		}
		setString(&config.Upload.PublicBaseURL, f.PublicBaseURL)
	}

	return p.err
}

type durationParser struct {
	file string
	err  error
}

func (p *durationParser) set(dst *time.Duration, key, raw string) {
	if raw == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s in %s: %w", key, p.file, err)
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

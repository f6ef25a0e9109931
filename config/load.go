package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// Environment variables applied on top of the file
const (
	EnvURL         = "RABBITKIT_URL"
	EnvAutoDeclare = "RABBITKIT_AUTO_DECLARE"
)

const (
	defaultHost        = "localhost"
	defaultPort        = 5672
	defaultUser        = "guest"
	defaultPassword    = "guest"
	defaultVHost       = "/"
	defaultTimeout     = Duration(3 * time.Second)
	defaultContentType = "text/plain"
	defaultSerializer  = "json"
	defaultCategory    = "application"
)

// Load reads, defaults and validates a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON document, applies the environment overrides and
// defaults, then validates the result. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides the default connection URL and the auto-declare flag.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if url, ok := lookup(EnvURL); ok && url != "" {
		found := false
		for i := range c.Connections {
			if c.Connections[i].Name == "" || c.Connections[i].Name == DefaultConnection {
				c.Connections[i].URL = url
				found = true
			}
		}
		if !found {
			c.Connections = append(c.Connections, Connection{Name: DefaultConnection, URL: url})
		}
	}

	if raw, ok := lookup(EnvAutoDeclare); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %s must be a boolean, got %q", rabbitmq.ErrInvalidConfiguration, EnvAutoDeclare, raw)
		}
		c.AutoDeclare = &v
	}
	return nil
}

// ApplyDefaults fills every unset option with its default.
func (c *Config) ApplyDefaults() {
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.Name == "" {
			conn.Name = DefaultConnection
		}
		if conn.URL == "" && conn.Host == "" {
			conn.Host = defaultHost
		}
		if conn.Port == 0 {
			conn.Port = defaultPort
		}
		if conn.User == "" {
			conn.User = defaultUser
			if conn.Password == "" {
				conn.Password = defaultPassword
			}
		}
		if conn.VHost == "" {
			conn.VHost = defaultVHost
		}
		if conn.ConnectionTimeout == 0 {
			conn.ConnectionTimeout = defaultTimeout
		}
		if conn.ReadWriteTimeout == 0 {
			conn.ReadWriteTimeout = defaultTimeout
		}
	}

	for i := range c.Producers {
		p := &c.Producers[i]
		if p.Connection == "" {
			p.Connection = DefaultConnection
		}
		if p.ContentType == "" {
			p.ContentType = defaultContentType
		}
		if p.DeliveryMode == 0 {
			p.DeliveryMode = 2
		}
		if p.Serializer == "" {
			p.Serializer = defaultSerializer
		}
	}

	for i := range c.Consumers {
		cons := &c.Consumers[i]
		if cons.Connection == "" {
			cons.Connection = DefaultConnection
		}
		if cons.Deserializer == "" {
			cons.Deserializer = defaultSerializer
		}
	}

	if c.Logger.Category == "" {
		c.Logger.Category = defaultCategory
	}
}
